// Package storetest holds the contract tests every ledger.Store backend
// must pass. Backends call Run from their own _test.go files.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/contractor-ledger/ledger"
	"github.com/warp/contractor-ledger/settlement"
)

// Factory returns a fresh, empty store. Cleanup is the factory's job.
type Factory func(t *testing.T) ledger.Store

var base = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

// Run executes the full contract suite against newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("IDsUniqueAcrossKinds", func(t *testing.T) { testIDsUnique(t, newStore(t)) })
	t.Run("SnapshotAppendOrder", func(t *testing.T) { testSnapshotOrder(t, newStore(t)) })
	t.Run("SnapshotIsCopy", func(t *testing.T) { testSnapshotIsCopy(t, newStore(t)) })
	t.Run("ContractorSnapshotFilters", func(t *testing.T) { testContractorSnapshot(t, newStore(t)) })
	t.Run("CompletionIdempotent", func(t *testing.T) { testCompletionIdempotent(t, newStore(t)) })
	t.Run("CompletionUnknownID", func(t *testing.T) { testCompletionUnknown(t, newStore(t)) })
	t.Run("CompletionConcurrent", func(t *testing.T) { testCompletionConcurrent(t, newStore(t)) })
	t.Run("WithTxCommits", func(t *testing.T) { testWithTxCommit(t, newStore(t)) })
	t.Run("WithTxRollsBack", func(t *testing.T) { testWithTxRollback(t, newStore(t)) })
	t.Run("AmountsExact", func(t *testing.T) { testAmountsExact(t, newStore(t)) })
	t.Run("ConcurrentAdmission", func(t *testing.T) { testConcurrentAdmission(t, newStore(t)) })
}

func claim(contractor string, amount string) ledger.Claim {
	return ledger.Claim{
		ContractorID: ledger.ContractorID(contractor),
		Amount:       ledger.MustParseMoney(amount),
		CreatedAt:    base,
	}
}

func pending(contractor string, amount string) ledger.Withdrawal {
	return ledger.Withdrawal{
		ContractorID: ledger.ContractorID(contractor),
		Amount:       ledger.MustParseMoney(amount),
		Status:       ledger.WithdrawalPending,
		CreatedAt:    base,
	}
}

func testIDsUnique(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	seen := make(map[string]bool)

	for i := 0; i < 5; i++ {
		c, err := s.AppendClaim(ctx, claim("a@example.com", "10"))
		require.NoError(t, err)
		w, err := s.AppendWithdrawal(ctx, pending("a@example.com", "1"))
		require.NoError(t, err)

		require.NotEmpty(t, c.ID)
		require.NotEmpty(t, w.ID)
		assert.False(t, seen[string(c.ID)], "claim id reused: %s", c.ID)
		seen[string(c.ID)] = true
		assert.False(t, seen[string(w.ID)], "withdrawal id reused: %s", w.ID)
		seen[string(w.ID)] = true
	}
}

func testSnapshotOrder(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	c1, err := s.AppendClaim(ctx, claim("a@example.com", "1"))
	require.NoError(t, err)
	c2, err := s.AppendClaim(ctx, claim("b@example.com", "2"))
	require.NoError(t, err)
	w1, err := s.AppendWithdrawal(ctx, pending("a@example.com", "1"))
	require.NoError(t, err)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Claims, 2)
	require.Len(t, snap.Withdrawals, 1)
	assert.Equal(t, c1.ID, snap.Claims[0].ID)
	assert.Equal(t, c2.ID, snap.Claims[1].ID)
	assert.Equal(t, w1.ID, snap.Withdrawals[0].ID)
	assert.Equal(t, ledger.WithdrawalPending, snap.Withdrawals[0].Status)
	assert.Nil(t, snap.Withdrawals[0].CompletedAt)
}

func testSnapshotIsCopy(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	_, err := s.AppendWithdrawal(ctx, pending("a@example.com", "5"))
	require.NoError(t, err)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	snap.Withdrawals[0].Status = ledger.WithdrawalCompleted

	again, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.WithdrawalPending, again.Withdrawals[0].Status)
}

func testContractorSnapshot(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	_, err := s.AppendClaim(ctx, claim("a@example.com", "1"))
	require.NoError(t, err)
	_, err = s.AppendClaim(ctx, claim("b@example.com", "2"))
	require.NoError(t, err)
	_, err = s.AppendWithdrawal(ctx, pending("b@example.com", "1"))
	require.NoError(t, err)

	snap, err := s.ContractorSnapshot(ctx, "b@example.com")
	require.NoError(t, err)
	require.Len(t, snap.Claims, 1)
	require.Len(t, snap.Withdrawals, 1)
	assert.Equal(t, ledger.ContractorID("b@example.com"), snap.Claims[0].ContractorID)

	empty, err := s.ContractorSnapshot(ctx, "nobody@example.com")
	require.NoError(t, err)
	assert.True(t, empty.IsEmpty())
}

func testCompletionIdempotent(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	w, err := s.AppendWithdrawal(ctx, pending("a@example.com", "5"))
	require.NoError(t, err)

	first := base.Add(3 * time.Second)
	done, err := s.MarkWithdrawalCompleted(ctx, w.ID, first)
	require.NoError(t, err)
	assert.True(t, done)

	done, err = s.MarkWithdrawalCompleted(ctx, w.ID, first.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, done, "second completion must be a no-op")

	got, ok, err := s.Withdrawal(ctx, w.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ledger.WithdrawalCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(first), "completed_at rewritten: %v", got.CompletedAt)
}

func testCompletionUnknown(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	done, err := s.MarkWithdrawalCompleted(ctx, "wd_missing", base)
	require.NoError(t, err)
	assert.False(t, done)

	_, ok, err := s.Withdrawal(ctx, "wd_missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testCompletionConcurrent(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	w, err := s.AppendWithdrawal(ctx, pending("a@example.com", "5"))
	require.NoError(t, err)

	const callers = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		fails []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			done, err := s.MarkWithdrawalCompleted(ctx, w.ID, base.Add(time.Duration(i+1)*time.Second))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fails = append(fails, err)
			}
			if done {
				wins++
			}
		}(i)
	}
	wg.Wait()

	assert.Empty(t, fails)
	assert.Equal(t, 1, wins, "exactly one completion must take effect")
}

func testWithTxCommit(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx ledger.Store) error {
		if _, err := tx.AppendClaim(ctx, claim("a@example.com", "7")); err != nil {
			return err
		}
		snap, err := tx.ContractorSnapshot(ctx, "a@example.com")
		if err != nil {
			return err
		}
		if len(snap.Claims) != 1 {
			return errors.New("claim not visible inside its own unit")
		}
		_, err = tx.AppendWithdrawal(ctx, pending("a@example.com", "7"))
		return err
	})
	require.NoError(t, err)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Claims, 1)
	assert.Len(t, snap.Withdrawals, 1)
}

func testWithTxRollback(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx ledger.Store) error {
		if _, err := tx.AppendClaim(ctx, claim("a@example.com", "7")); err != nil {
			return err
		}
		if _, err := tx.AppendWithdrawal(ctx, pending("a@example.com", "7")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, snap.IsEmpty(), "rolled back unit left records behind")
}

func testAmountsExact(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := s.AppendClaim(ctx, claim("a@example.com", "0.10"))
		require.NoError(t, err)
	}

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	total := ledger.Zero
	for _, c := range snap.Claims {
		total = total.Add(c.Amount)
	}
	assert.True(t, total.Equal(ledger.MustParseMoney("1.00")), "got %s", total)
}

// testConcurrentAdmission races withdrawals through the processor. The
// backend's WithTx is what keeps the balance check and the append atomic.
func testConcurrentAdmission(t *testing.T, s ledger.Store) {
	// GIVEN: A contractor with 100 available
	// WHEN: 20 goroutines each try to withdraw 30 at once
	// THEN: Exactly 3 are admitted, the rest see InsufficientBalance and
	// available never goes negative
	ctx := context.Background()
	_, err := s.AppendClaim(ctx, claim("racer@example.com", "100"))
	require.NoError(t, err)

	sched := settlement.NewScheduler(settlement.NewManualClock(base), nil)
	t.Cleanup(func() { sched.Stop() })
	wp := ledger.NewWithdrawalProcessor(s, sched, ledger.DefaultSettlementDelay, nil)

	const attempts = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		rejected int
		other    []error
	)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := wp.Submit(ctx, ledger.WithdrawalInput{
				ContractorID: "racer@example.com",
				Amount:       ledger.MustParseMoney("30"),
			})

			mu.Lock()
			defer mu.Unlock()
			var ib *ledger.InsufficientBalanceError
			switch {
			case err == nil:
				admitted++
			case errors.As(err, &ib):
				rejected++
				assert.False(t, ib.Available.IsNegative(), "available went negative: %s", ib.Available)
			default:
				other = append(other, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Empty(t, other)
	assert.Equal(t, 3, admitted)
	assert.Equal(t, attempts-3, rejected)

	snap, err := s.ContractorSnapshot(ctx, "racer@example.com")
	require.NoError(t, err)
	assert.Len(t, snap.Withdrawals, 3)
	available := ledger.LiabilityOf(snap, "racer@example.com").AvailableToWithdraw
	assert.True(t, available.Equal(ledger.MustParseMoney("10")), "got %s", available)
}
