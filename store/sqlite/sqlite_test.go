package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/contractor-ledger/ledger"
	"github.com/warp/contractor-ledger/ledger/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.Store {
		return newTestStore(t)
	})
}

func TestSQLite_DefaultIDsAreUUIDs(t *testing.T) {
	s := newTestStore(t)

	c, err := s.AppendClaim(context.Background(), ledger.Claim{
		ContractorID: "a@example.com",
		Amount:       ledger.NewMoneyFromInt(1),
		CreatedAt:    time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(c.ID), "clm_"))
	assert.Len(t, string(c.ID), len("clm_")+36)
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	// GIVEN: A file-backed store with a claim and a pending withdrawal
	// WHEN: The store is closed and reopened
	// THEN: Records, amounts and the pending status are all preserved,
	//       and reopening does not re-run migrations
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	created := time.Date(2025, time.April, 2, 8, 30, 0, 123456789, time.UTC)

	s, err := New(path, ledger.NewSequence())
	require.NoError(t, err)
	_, err = s.AppendClaim(ctx, ledger.Claim{
		ContractorID: "a@example.com",
		Amount:       ledger.MustParseMoney("1234.56"),
		RequesterRef: "acct-9",
		CreatedAt:    created,
	})
	require.NoError(t, err)
	w, err := s.AppendWithdrawal(ctx, ledger.Withdrawal{
		ContractorID: "a@example.com",
		Amount:       ledger.MustParseMoney("0.01"),
		CreatedAt:    created,
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = New(path, ledger.NewSequenceFrom(100))
	require.NoError(t, err)
	defer s.Close()

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Claims, 1)
	require.Len(t, snap.Withdrawals, 1)

	c := snap.Claims[0]
	assert.True(t, c.Amount.Equal(ledger.MustParseMoney("1234.56")))
	assert.Equal(t, "acct-9", c.RequesterRef)
	assert.True(t, c.CreatedAt.Equal(created))

	got := snap.Withdrawals[0]
	assert.Equal(t, w.ID, got.ID)
	assert.Equal(t, ledger.WithdrawalPending, got.Status)
	assert.Nil(t, got.CompletedAt)
}

func TestSQLite_WithTxReadsOwnWrites(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.WithTx(ctx, func(tx ledger.Store) error {
		w, err := tx.AppendWithdrawal(ctx, ledger.Withdrawal{
			ContractorID: "a@example.com",
			Amount:       ledger.NewMoneyFromInt(3),
			CreatedAt:    time.Now(),
		})
		require.NoError(t, err)

		done, err := tx.MarkWithdrawalCompleted(ctx, w.ID, time.Now())
		require.NoError(t, err)
		assert.True(t, done)

		got, ok, err := tx.Withdrawal(ctx, w.ID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, ledger.WithdrawalCompleted, got.Status)
		return nil
	})
	require.NoError(t, err)
}

func TestWithPragmas(t *testing.T) {
	assert.True(t, strings.HasPrefix(withPragmas("ledger.db"), "ledger.db?"))
	assert.True(t, strings.HasPrefix(withPragmas("file:x.db?cache=shared"), "file:x.db?cache=shared&"))
}
