/*
liability.go - Per-contractor balance derived from the event log

PURPOSE:
  Answers "how much does the company owe this contractor, and how much can
  they cash out right now?" Nothing here is stored; each call replays the
  claims and withdrawals of a Snapshot.

CALCULATION:
  TotalClaimed        = Σ claims
  TotalCashedOut      = Σ completed withdrawals
  TotalPending        = Σ pending withdrawals
  AvailableToWithdraw = TotalClaimed - TotalCashedOut - TotalPending

  Pending withdrawals are held against the balance from admission on, so
  two withdrawals in the settlement window cannot spend the same money.

UNKNOWN CONTRACTORS:
  An id never seen in either collection yields the zero liability, not an
  error.

SEE ALSO:
  - metrics.go: Company-wide rollup over the same Snapshot
  - withdrawal.go: Uses LiabilityOf at admission
*/
package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// PURE CALCULATION
// =============================================================================

// LiabilityOf computes one contractor's liability from snap. O(n).
func LiabilityOf(snap Snapshot, contractorID ContractorID) ContractorLiability {
	claimed, cashedOut, pending := Zero, Zero, Zero

	for _, c := range snap.Claims {
		if c.ContractorID == contractorID {
			claimed = claimed.Add(c.Amount)
		}
	}
	for _, w := range snap.Withdrawals {
		if w.ContractorID != contractorID {
			continue
		}
		switch w.Status {
		case WithdrawalCompleted:
			cashedOut = cashedOut.Add(w.Amount)
		case WithdrawalPending:
			pending = pending.Add(w.Amount)
		}
	}

	return ContractorLiability{
		ContractorID:        contractorID,
		TotalClaimed:        claimed,
		TotalCashedOut:      cashedOut,
		TotalPending:        pending,
		AvailableToWithdraw: claimed.Sub(cashedOut).Sub(pending),
	}
}

// Contractors returns every distinct contractor seen in claims or
// withdrawals, sorted.
func Contractors(snap Snapshot) []ContractorID {
	seen := make(map[ContractorID]struct{})
	for _, c := range snap.Claims {
		seen[c.ContractorID] = struct{}{}
	}
	for _, w := range snap.Withdrawals {
		seen[w.ContractorID] = struct{}{}
	}

	ids := make([]ContractorID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// AllLiabilities returns one liability per known contractor.
func AllLiabilities(snap Snapshot) []ContractorLiability {
	ids := Contractors(snap)
	out := make([]ContractorLiability, 0, len(ids))
	for _, id := range ids {
		out = append(out, LiabilityOf(snap, id))
	}
	return out
}

// Activity merges a contractor's claims and withdrawals, most recent first.
// Ties keep append order reversed.
func Activity(snap Snapshot, contractorID ContractorID) []ActivityEvent {
	var events []ActivityEvent
	for _, c := range snap.Claims {
		if c.ContractorID != contractorID {
			continue
		}
		events = append(events, ActivityEvent{
			Kind:   ActivityClaim,
			ID:     string(c.ID),
			Amount: c.Amount,
			At:     c.CreatedAt,
		})
	}
	for _, w := range snap.Withdrawals {
		if w.ContractorID != contractorID {
			continue
		}
		events = append(events, ActivityEvent{
			Kind:   ActivityWithdrawal,
			ID:     string(w.ID),
			Amount: w.Amount,
			Status: w.Status,
			At:     w.CreatedAt,
		})
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].At.After(events[j].At)
	})
	return events
}

// =============================================================================
// CALCULATOR - Store-backed wrapper
// =============================================================================

// Calculator reads snapshots from a Store. It has no write access.
type Calculator struct {
	Store Store
}

func NewCalculator(store Store) *Calculator {
	return &Calculator{Store: store}
}

// LiabilityOf returns the current liability of one contractor.
func (c *Calculator) LiabilityOf(ctx context.Context, contractorID ContractorID) (ContractorLiability, error) {
	if err := validateContractor(contractorID); err != nil {
		return ContractorLiability{}, err
	}
	snap, err := c.Store.ContractorSnapshot(ctx, contractorID)
	if err != nil {
		return ContractorLiability{}, Internal("load contractor snapshot", err)
	}
	return LiabilityOf(snap, contractorID), nil
}

// AllLiabilities returns the liability of every known contractor.
func (c *Calculator) AllLiabilities(ctx context.Context) ([]ContractorLiability, error) {
	snap, err := c.Store.Snapshot(ctx)
	if err != nil {
		return nil, Internal("load snapshot", err)
	}
	return AllLiabilities(snap), nil
}

// Activity returns the contractor's event feed.
func (c *Calculator) Activity(ctx context.Context, contractorID ContractorID) ([]ActivityEvent, error) {
	if err := validateContractor(contractorID); err != nil {
		return nil, err
	}
	snap, err := c.Store.ContractorSnapshot(ctx, contractorID)
	if err != nil {
		return nil, Internal("load contractor snapshot", err)
	}
	return Activity(snap, contractorID), nil
}

// =============================================================================
// INPUT VALIDATION - Shared by processors and calculator
// =============================================================================

func validateContractor(id ContractorID) error {
	if strings.TrimSpace(string(id)) == "" {
		return &ValidationError{Field: "contractor_id", Reason: "is required"}
	}
	return nil
}

func validateAmount(amount Money) error {
	if !amount.IsPositive() {
		return &ValidationError{Field: "amount", Reason: "must be a positive number"}
	}
	// Before any comparison: those rescale, and a huge exponent would
	// materialize an enormous integer.
	if !InRange(amount) {
		return &ValidationError{Field: "amount", Reason: fmt.Sprintf("must have at most %d integer digits", MaxIntegerDigits)}
	}
	if !HasCentPrecision(amount) {
		return &ValidationError{Field: "amount", Reason: "must have at most two decimal places"}
	}
	return nil
}
