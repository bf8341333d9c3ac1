/*
withdrawal.go - Withdrawal admission and settlement lifecycle

PURPOSE:
  Decides whether a cash-out request is accepted, records it as pending,
  and drives it to completed once the modeled settlement delay elapses.

LIFECYCLE:
  Submit ──▶ validate ──▶ [ read balance ──▶ check ──▶ append ]
                               one Store.WithTx unit
                                         │
                                         ▼
                                    ┌─────────┐  delay  ┌───────────┐
                                    │ pending │ ──────▶ │ completed │
                                    └─────────┘         └───────────┘

ADMISSION:
  The balance check and the pending append run inside Store.WithTx, so two
  concurrent withdrawals for one contractor cannot both pass the check
  against the same balance. "Check, then later act" would let their sum
  exceed what is available.

  The pending amount is held against the balance straight away; see
  liability.go.

COMPLETION:
  Complete is idempotent. The settlement timer, an operator call and a test
  may all invoke it; only the first has an effect. There is no failed or
  cancelled state: every admitted withdrawal eventually completes.

RESTART:
  ResumePending re-schedules completion for withdrawals left pending in a
  durable store. Overdue ones complete immediately.

SEE ALSO:
  - settlement/: Clock and deferred task scheduler
  - store.go: WithTx and MarkWithdrawalCompleted contracts
*/
package ledger

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/warp/contractor-ledger/settlement"
)

// DefaultSettlementDelay is the modeled off-ramp settlement time.
const DefaultSettlementDelay = 3 * time.Second

// WithdrawalInput is a request to cash out.
type WithdrawalInput struct {
	ContractorID ContractorID
	Amount       Money
}

// WithdrawalProcessor admits withdrawals and completes them.
type WithdrawalProcessor struct {
	Store           Store
	Scheduler       *settlement.Scheduler
	SettlementDelay time.Duration
	Logger          *slog.Logger
}

// NewWithdrawalProcessor wires a processor. A nil scheduler gets one on the
// system clock; a nil logger discards output.
func NewWithdrawalProcessor(store Store, scheduler *settlement.Scheduler, delay time.Duration, logger *slog.Logger) *WithdrawalProcessor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if scheduler == nil {
		scheduler = settlement.NewScheduler(settlement.SystemClock{}, logger)
	}
	return &WithdrawalProcessor{
		Store:           store,
		Scheduler:       scheduler,
		SettlementDelay: delay,
		Logger:          logger,
	}
}

// =============================================================================
// ADMISSION
// =============================================================================

// Submit admits a withdrawal if the contractor's available balance covers
// it, and schedules its completion.
func (p *WithdrawalProcessor) Submit(ctx context.Context, in WithdrawalInput) (Withdrawal, error) {
	in.ContractorID = ContractorID(strings.TrimSpace(string(in.ContractorID)))

	if err := validateContractor(in.ContractorID); err != nil {
		return Withdrawal{}, err
	}
	if err := validateAmount(in.Amount); err != nil {
		return Withdrawal{}, err
	}

	var created Withdrawal
	err := p.Store.WithTx(ctx, func(tx Store) error {
		snap, err := tx.ContractorSnapshot(ctx, in.ContractorID)
		if err != nil {
			return Internal("load contractor snapshot", err)
		}

		liability := LiabilityOf(snap, in.ContractorID)
		if in.Amount.GreaterThan(liability.AvailableToWithdraw) {
			return &InsufficientBalanceError{
				ContractorID: in.ContractorID,
				Available:    liability.AvailableToWithdraw,
				Requested:    in.Amount,
				Shortfall:    in.Amount.Sub(liability.AvailableToWithdraw),
			}
		}

		created, err = tx.AppendWithdrawal(ctx, Withdrawal{
			ContractorID: in.ContractorID,
			Amount:       in.Amount,
			Status:       WithdrawalPending,
			CreatedAt:    p.now(),
		})
		return Internal("append withdrawal", err)
	})
	if err != nil {
		err = Internal("admit withdrawal", err)
		level := slog.LevelInfo
		if IsInternal(err) {
			level = slog.LevelError
		}
		p.Logger.Log(ctx, level, "withdrawal rejected",
			slog.String("contractor_id", string(in.ContractorID)),
			slog.String("amount", in.Amount.String()),
			slog.String("reason", err.Error()))
		return Withdrawal{}, err
	}

	p.Logger.Info("withdrawal admitted",
		slog.String("withdrawal_id", string(created.ID)),
		slog.String("contractor_id", string(created.ContractorID)),
		slog.String("amount", FormatMoney(created.Amount)))

	p.scheduleCompletion(created)
	return created, nil
}

// =============================================================================
// COMPLETION
// =============================================================================

// Complete transitions a pending withdrawal to completed. Reports whether
// this call made the transition; unknown and already-completed ids are
// no-ops.
func (p *WithdrawalProcessor) Complete(ctx context.Context, id WithdrawalID) (bool, error) {
	if strings.TrimSpace(string(id)) == "" {
		return false, &ValidationError{Field: "withdrawal_id", Reason: "is required"}
	}

	done, err := p.Store.MarkWithdrawalCompleted(ctx, id, p.now())
	if err != nil {
		p.Logger.Error("withdrawal completion failed",
			slog.String("withdrawal_id", string(id)),
			slog.String("error", err.Error()))
		return false, Internal("complete withdrawal", err)
	}
	if done {
		p.Logger.Info("withdrawal completed", slog.String("withdrawal_id", string(id)))
	} else {
		p.Logger.Debug("withdrawal completion no-op", slog.String("withdrawal_id", string(id)))
	}
	return done, nil
}

// ResumePending schedules completion for every withdrawal still pending in
// the store. Returns how many were scheduled.
func (p *WithdrawalProcessor) ResumePending(ctx context.Context) (int, error) {
	snap, err := p.Store.Snapshot(ctx)
	if err != nil {
		return 0, Internal("load snapshot", err)
	}

	n := 0
	for _, w := range snap.Withdrawals {
		if !w.IsPending() {
			continue
		}
		if p.scheduleCompletion(w) {
			n++
		}
	}
	if n > 0 {
		p.Logger.Info("resumed pending withdrawals", slog.Int("count", n))
	}
	return n, nil
}

// CompleteOverdue completes every pending withdrawal whose settlement delay
// has already elapsed. It backs up the timers for withdrawals admitted by a
// process that exited before settling them. Returns how many this call
// completed.
func (p *WithdrawalProcessor) CompleteOverdue(ctx context.Context) (int, error) {
	snap, err := p.Store.Snapshot(ctx)
	if err != nil {
		return 0, Internal("load snapshot", err)
	}

	now := p.now()
	n := 0
	for _, w := range snap.Withdrawals {
		if !w.IsPending() || w.CreatedAt.Add(p.SettlementDelay).After(now) {
			continue
		}
		done, err := p.Complete(ctx, w.ID)
		if err != nil {
			return n, err
		}
		if done {
			n++
		}
	}
	return n, nil
}

func (p *WithdrawalProcessor) scheduleCompletion(w Withdrawal) bool {
	id := w.ID
	_, err := p.Scheduler.ScheduleAt(string(id), w.CreatedAt.Add(p.SettlementDelay), func() {
		_, _ = p.Complete(context.Background(), id)
	})
	if err != nil {
		p.Logger.Warn("settlement not scheduled; withdrawal stays pending",
			slog.String("withdrawal_id", string(id)),
			slog.String("error", err.Error()))
		return false
	}
	return true
}

// =============================================================================
// QUERIES
// =============================================================================

// Withdrawals lists withdrawals in append order. An empty contractorID
// lists every contractor's.
func (p *WithdrawalProcessor) Withdrawals(ctx context.Context, contractorID ContractorID) ([]Withdrawal, error) {
	var (
		snap Snapshot
		err  error
	)
	if contractorID == "" {
		snap, err = p.Store.Snapshot(ctx)
	} else {
		snap, err = p.Store.ContractorSnapshot(ctx, contractorID)
	}
	if err != nil {
		return nil, Internal("load snapshot", err)
	}
	return snap.Withdrawals, nil
}

// Withdrawal returns a single withdrawal.
func (p *WithdrawalProcessor) Withdrawal(ctx context.Context, id WithdrawalID) (Withdrawal, bool, error) {
	w, ok, err := p.Store.Withdrawal(ctx, id)
	if err != nil {
		return Withdrawal{}, false, Internal("load withdrawal", err)
	}
	return w, ok, nil
}

func (p *WithdrawalProcessor) now() time.Time {
	return p.Scheduler.Clock().Now()
}
