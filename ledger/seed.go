package ledger

import (
	"context"
	"fmt"
)

// SampleClaims and SampleWithdrawals are the demo data loaded by Seed.
// Sample withdrawals are completed straight away.
var (
	SampleClaims = []ClaimInput{
		{ContractorID: "contractor1@example.com", Amount: NewMoneyFromInt(1500)},
		{ContractorID: "contractor2@example.com", Amount: NewMoneyFromInt(2000)},
		{ContractorID: "contractor3@example.com", Amount: NewMoneyFromInt(1200)},
		{ContractorID: "contractor1@example.com", Amount: NewMoneyFromInt(800)},
	}
	SampleWithdrawals = []WithdrawalInput{
		{ContractorID: "contractor1@example.com", Amount: NewMoneyFromInt(1000)},
		{ContractorID: "contractor2@example.com", Amount: NewMoneyFromInt(1500)},
	}
)

// Seed loads the sample data through the processors, but only into an
// empty store. Reports whether anything was written.
func Seed(ctx context.Context, claims *ClaimProcessor, withdrawals *WithdrawalProcessor) (bool, error) {
	snap, err := claims.Store.Snapshot(ctx)
	if err != nil {
		return false, Internal("load snapshot", err)
	}
	if !snap.IsEmpty() {
		return false, nil
	}

	for _, in := range SampleClaims {
		if _, err := claims.Submit(ctx, in); err != nil {
			return true, fmt.Errorf("seed claim for %s: %w", in.ContractorID, err)
		}
	}
	for _, in := range SampleWithdrawals {
		w, err := withdrawals.Submit(ctx, in)
		if err != nil {
			return true, fmt.Errorf("seed withdrawal for %s: %w", in.ContractorID, err)
		}
		if _, err := withdrawals.Complete(ctx, w.ID); err != nil {
			return true, fmt.Errorf("seed completion of %s: %w", w.ID, err)
		}
	}
	return true, nil
}
