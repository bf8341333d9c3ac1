package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warp/contractor-ledger/ledger"
	"github.com/warp/contractor-ledger/ledger/storetest"
)

// Set LEDGER_TEST_POSTGRES_URL to a disposable database to run these.
func setupStore(t *testing.T) *Store {
	t.Helper()

	dbURL := os.Getenv("LEDGER_TEST_POSTGRES_URL")
	if dbURL == "" {
		t.Skip("LEDGER_TEST_POSTGRES_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := New(ctx, dbURL, nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	_, err = s.pool.Exec(ctx, "TRUNCATE claims, withdrawals RESTART IDENTITY")
	require.NoError(t, err)
	return s
}

func TestPostgres_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.Store {
		return setupStore(t)
	})
}

func TestPostgres_MigrateIsRepeatable(t *testing.T) {
	setupStore(t)
	require.NoError(t, Migrate(os.Getenv("LEDGER_TEST_POSTGRES_URL")))
}
