/*
store.go - Persistence contract for claims and withdrawals

PURPOSE:
  Defines the interface between the ledger processors and storage.
  The Store exclusively owns both collections. Processors write through
  it; calculators read Snapshots from it.

APPEND-ONLY CONTRACT:
  - AppendClaim(): the only claim write
  - AppendWithdrawal(): the only withdrawal insert
  - MarkWithdrawalCompleted(): the only withdrawal update, pending → completed
  - NO Delete. Claims are never updated.

IDS:
  The store assigns ids from its IDSource on append. Ids are unique across
  claims and withdrawals together.

COMPLETION:
  MarkWithdrawalCompleted is idempotent. It returns false (and no error)
  for unknown ids and for withdrawals that are already completed, and it
  never rewrites CompletedAt.

ATOMIC ADMISSION:
  WithTx runs fn as one serialized unit. The withdrawal processor uses it
  so "read balance, validate, append" cannot interleave with another
  admission. If fn returns an error, nothing fn wrote is kept.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory (default)
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL

SEE ALSO:
  - id.go: IDSource implementations
  - withdrawal.go: WithTx usage
*/
package ledger

import (
	"context"
	"time"
)

// Store handles persistence of claims and withdrawals.
type Store interface {
	// AppendClaim persists a claim and returns it with its assigned ID.
	AppendClaim(ctx context.Context, c Claim) (Claim, error)

	// AppendWithdrawal persists a withdrawal and returns it with its assigned ID.
	AppendWithdrawal(ctx context.Context, w Withdrawal) (Withdrawal, error)

	// MarkWithdrawalCompleted transitions a pending withdrawal to completed
	// at the given time. Reports whether this call made the transition.
	MarkWithdrawalCompleted(ctx context.Context, id WithdrawalID, at time.Time) (bool, error)

	// Withdrawal looks up a single withdrawal.
	Withdrawal(ctx context.Context, id WithdrawalID) (Withdrawal, bool, error)

	// Snapshot returns a consistent copy of both collections, in append order.
	Snapshot(ctx context.Context) (Snapshot, error)

	// ContractorSnapshot is Snapshot filtered to one contractor.
	ContractorSnapshot(ctx context.Context, contractorID ContractorID) (Snapshot, error)

	// WithTx executes fn as one serialized unit against the store.
	// If fn returns error, its writes are discarded.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Snapshot is a read view of the store at one instant.
type Snapshot struct {
	Claims      []Claim
	Withdrawals []Withdrawal
}

// Filter returns the part of the snapshot belonging to one contractor.
func (s Snapshot) Filter(contractorID ContractorID) Snapshot {
	var out Snapshot
	for _, c := range s.Claims {
		if c.ContractorID == contractorID {
			out.Claims = append(out.Claims, c)
		}
	}
	for _, w := range s.Withdrawals {
		if w.ContractorID == contractorID {
			out.Withdrawals = append(out.Withdrawals, w)
		}
	}
	return out
}

// IsEmpty reports whether the snapshot holds no records.
func (s Snapshot) IsEmpty() bool {
	return len(s.Claims) == 0 && len(s.Withdrawals) == 0
}
