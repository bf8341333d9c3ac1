package ledger

import (
	"context"
	"log/slog"
	"strings"

	"github.com/warp/contractor-ledger/settlement"
)

// DefaultMaxClaimAmount is the per-claim ceiling when none is configured.
var DefaultMaxClaimAmount = NewMoneyFromInt(5000)

// ClaimInput is a request to accrue pay to a contractor.
type ClaimInput struct {
	ContractorID ContractorID
	Amount       Money
	RequesterRef string
}

// ClaimProcessor validates and appends claims. Claims are accrual-only and
// synchronous; they never trigger settlement.
type ClaimProcessor struct {
	Store          Store
	MaxClaimAmount Money
	Clock          settlement.Clock
	Logger         *slog.Logger
}

// NewClaimProcessor wires a processor. A zero maxClaim selects
// DefaultMaxClaimAmount; nil clock and logger select the system clock and a
// discarding logger.
func NewClaimProcessor(store Store, maxClaim Money, clock settlement.Clock, logger *slog.Logger) *ClaimProcessor {
	if maxClaim.IsZero() {
		maxClaim = DefaultMaxClaimAmount
	}
	if clock == nil {
		clock = settlement.SystemClock{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ClaimProcessor{
		Store:          store,
		MaxClaimAmount: maxClaim,
		Clock:          clock,
		Logger:         logger,
	}
}

// Submit validates in and appends a claim.
//
// Checks run in order and the first failure is returned:
//  1. contractor id present
//  2. amount positive, cent precision
//  3. amount within MaxClaimAmount
//
// Nothing is written on failure.
func (p *ClaimProcessor) Submit(ctx context.Context, in ClaimInput) (Claim, error) {
	in.ContractorID = ContractorID(strings.TrimSpace(string(in.ContractorID)))

	if err := p.validate(in); err != nil {
		p.Logger.Info("claim rejected",
			slog.String("contractor_id", string(in.ContractorID)),
			slog.String("amount", in.Amount.String()),
			slog.String("reason", err.Error()))
		return Claim{}, err
	}

	claim, err := p.Store.AppendClaim(ctx, Claim{
		ContractorID: in.ContractorID,
		Amount:       in.Amount,
		RequesterRef: in.RequesterRef,
		CreatedAt:    p.Clock.Now(),
	})
	if err != nil {
		p.Logger.Error("claim append failed",
			slog.String("contractor_id", string(in.ContractorID)),
			slog.String("error", err.Error()))
		return Claim{}, Internal("append claim", err)
	}

	p.Logger.Info("claim accepted",
		slog.String("claim_id", string(claim.ID)),
		slog.String("contractor_id", string(claim.ContractorID)),
		slog.String("amount", FormatMoney(claim.Amount)))
	return claim, nil
}

func (p *ClaimProcessor) validate(in ClaimInput) error {
	if err := validateContractor(in.ContractorID); err != nil {
		return err
	}
	if err := validateAmount(in.Amount); err != nil {
		return err
	}
	if in.Amount.GreaterThan(p.MaxClaimAmount) {
		return &PolicyLimitError{Limit: p.MaxClaimAmount, Requested: in.Amount}
	}
	return nil
}
