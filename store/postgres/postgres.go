// Package postgres provides a PostgreSQL-backed ledger.Store on pgx.
//
// Amounts are NUMERIC(20,2) and travel as text in both directions, so no
// value ever passes through a float. Withdrawal admission is serialized
// with a transaction-scoped advisory lock, which makes the balance check
// and the insert atomic across every process sharing the database.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/warp/contractor-ledger/ledger"
)

//go:embed migrations/*.sql
var migrations embed.FS

// admissionLockKey is the pg_advisory_xact_lock key taken by WithTx.
const admissionLockKey int64 = 0x6c656467

type Store struct {
	pool *pgxpool.Pool
	ids  ledger.IDSource
}

// New migrates the database at databaseURL and connects a pool to it.
// A nil ids issues UUIDv7 ids.
func New(ctx context.Context, databaseURL string, ids ledger.IDSource) (*Store, error) {
	if databaseURL == "" {
		return nil, errors.New("database URL cannot be empty")
	}
	if err := Migrate(databaseURL); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config from URL: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if ids == nil {
		ids = ledger.UUIDSource{}
	}
	return &Store{pool: pool, ids: ids}, nil
}

// Migrate applies the embedded migrations over a temporary database/sql
// connection on the pgx stdlib driver.
func Migrate(databaseURL string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migration instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) AppendClaim(ctx context.Context, c ledger.Claim) (ledger.Claim, error) {
	return s.appendClaim(ctx, s.pool, c)
}

func (s *Store) AppendWithdrawal(ctx context.Context, w ledger.Withdrawal) (ledger.Withdrawal, error) {
	return s.appendWithdrawal(ctx, s.pool, w)
}

func (s *Store) MarkWithdrawalCompleted(ctx context.Context, id ledger.WithdrawalID, at time.Time) (bool, error) {
	return markCompleted(ctx, s.pool, id, at)
}

func (s *Store) Withdrawal(ctx context.Context, id ledger.WithdrawalID) (ledger.Withdrawal, bool, error) {
	return getWithdrawal(ctx, s.pool, id)
}

func (s *Store) Snapshot(ctx context.Context) (ledger.Snapshot, error) {
	return loadSnapshot(ctx, s.pool, "")
}

func (s *Store) ContractorSnapshot(ctx context.Context, contractorID ledger.ContractorID) (ledger.Snapshot, error) {
	return loadSnapshot(ctx, s.pool, contractorID)
}

// WithTx runs fn in one transaction holding the admission lock. The lock
// is released on commit or rollback.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", admissionLockKey); err != nil {
		return fmt.Errorf("failed to take admission lock: %w", err)
	}
	if err := fn(&txStore{tx: tx, parent: s}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) appendClaim(ctx context.Context, db dbtx, c ledger.Claim) (ledger.Claim, error) {
	c.ID = ledger.ClaimID(s.ids.NextID(ledger.KindClaim))
	_, err := db.Exec(ctx, `
        INSERT INTO claims (id, contractor_id, amount, requester_ref, created_at)
        VALUES ($1, $2, $3::numeric, $4, $5)
    `,
		string(c.ID),
		string(c.ContractorID),
		c.Amount.String(),
		nullable(c.RequesterRef),
		c.CreatedAt.UTC(),
	)
	if err != nil {
		return ledger.Claim{}, fmt.Errorf("failed to append claim: %w", err)
	}
	return c, nil
}

func (s *Store) appendWithdrawal(ctx context.Context, db dbtx, w ledger.Withdrawal) (ledger.Withdrawal, error) {
	w.ID = ledger.WithdrawalID(s.ids.NextID(ledger.KindWithdrawal))
	if w.Status == "" {
		w.Status = ledger.WithdrawalPending
	}

	var completedAt *time.Time
	if w.CompletedAt != nil {
		t := w.CompletedAt.UTC()
		completedAt = &t
	}

	_, err := db.Exec(ctx, `
        INSERT INTO withdrawals (id, contractor_id, amount, status, created_at, completed_at)
        VALUES ($1, $2, $3::numeric, $4, $5, $6)
    `,
		string(w.ID),
		string(w.ContractorID),
		w.Amount.String(),
		string(w.Status),
		w.CreatedAt.UTC(),
		completedAt,
	)
	if err != nil {
		return ledger.Withdrawal{}, fmt.Errorf("failed to append withdrawal: %w", err)
	}
	return w, nil
}

func markCompleted(ctx context.Context, db dbtx, id ledger.WithdrawalID, at time.Time) (bool, error) {
	tag, err := db.Exec(ctx, `
        UPDATE withdrawals SET status = 'completed', completed_at = $1
        WHERE id = $2 AND status = 'pending'
    `, at.UTC(), string(id))
	if err != nil {
		return false, fmt.Errorf("failed to complete withdrawal: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const (
	claimColumns      = `id, contractor_id, amount::text, coalesce(requester_ref, ''), created_at`
	withdrawalColumns = `id, contractor_id, amount::text, status, created_at, completed_at`
)

func getWithdrawal(ctx context.Context, db dbtx, id ledger.WithdrawalID) (ledger.Withdrawal, bool, error) {
	w, err := scanWithdrawal(db.QueryRow(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, string(id)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Withdrawal{}, false, nil
		}
		return ledger.Withdrawal{}, false, err
	}
	return w, true, nil
}

func loadSnapshot(ctx context.Context, db dbtx, contractorID ledger.ContractorID) (ledger.Snapshot, error) {
	var (
		snap  ledger.Snapshot
		where string
		args  []any
	)
	if contractorID != "" {
		where = ` WHERE contractor_id = $1`
		args = append(args, string(contractorID))
	}

	rows, err := db.Query(ctx, `SELECT `+claimColumns+` FROM claims`+where+` ORDER BY seq`, args...)
	if err != nil {
		return snap, fmt.Errorf("failed to query claims: %w", err)
	}
	snap.Claims, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.Claim, error) {
		return scanClaim(row)
	})
	if err != nil {
		return snap, err
	}

	rows, err = db.Query(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals`+where+` ORDER BY seq`, args...)
	if err != nil {
		return snap, fmt.Errorf("failed to query withdrawals: %w", err)
	}
	snap.Withdrawals, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.Withdrawal, error) {
		return scanWithdrawal(row)
	})
	if err != nil {
		return snap, err
	}

	// CollectRows returns an empty, non-nil slice; keep empty snapshots nil
	// like the other backends.
	if len(snap.Claims) == 0 {
		snap.Claims = nil
	}
	if len(snap.Withdrawals) == 0 {
		snap.Withdrawals = nil
	}
	return snap, nil
}

func scanClaim(row pgx.Row) (ledger.Claim, error) {
	var (
		c      ledger.Claim
		id     string
		cid    string
		amount string
	)
	if err := row.Scan(&id, &cid, &amount, &c.RequesterRef, &c.CreatedAt); err != nil {
		return c, err
	}
	c.ID = ledger.ClaimID(id)
	c.ContractorID = ledger.ContractorID(cid)
	c.CreatedAt = c.CreatedAt.UTC()

	var err error
	if c.Amount, err = ledger.ParseMoney(amount); err != nil {
		return c, fmt.Errorf("claim %s: bad amount %q: %w", id, amount, err)
	}
	return c, nil
}

func scanWithdrawal(row pgx.Row) (ledger.Withdrawal, error) {
	var (
		w           ledger.Withdrawal
		id          string
		cid         string
		amount      string
		status      string
		completedAt *time.Time
	)
	if err := row.Scan(&id, &cid, &amount, &status, &w.CreatedAt, &completedAt); err != nil {
		return w, err
	}
	w.ID = ledger.WithdrawalID(id)
	w.ContractorID = ledger.ContractorID(cid)
	w.Status = ledger.WithdrawalStatus(status)
	w.CreatedAt = w.CreatedAt.UTC()
	if completedAt != nil {
		t := completedAt.UTC()
		w.CompletedAt = &t
	}

	var err error
	if w.Amount, err = ledger.ParseMoney(amount); err != nil {
		return w, fmt.Errorf("withdrawal %s: bad amount %q: %w", id, amount, err)
	}
	return w, nil
}

// txStore runs every call on the open transaction.
type txStore struct {
	tx     pgx.Tx
	parent *Store
}

func (ts *txStore) AppendClaim(ctx context.Context, c ledger.Claim) (ledger.Claim, error) {
	return ts.parent.appendClaim(ctx, ts.tx, c)
}

func (ts *txStore) AppendWithdrawal(ctx context.Context, w ledger.Withdrawal) (ledger.Withdrawal, error) {
	return ts.parent.appendWithdrawal(ctx, ts.tx, w)
}

func (ts *txStore) MarkWithdrawalCompleted(ctx context.Context, id ledger.WithdrawalID, at time.Time) (bool, error) {
	return markCompleted(ctx, ts.tx, id, at)
}

func (ts *txStore) Withdrawal(ctx context.Context, id ledger.WithdrawalID) (ledger.Withdrawal, bool, error) {
	return getWithdrawal(ctx, ts.tx, id)
}

func (ts *txStore) Snapshot(ctx context.Context) (ledger.Snapshot, error) {
	return loadSnapshot(ctx, ts.tx, "")
}

func (ts *txStore) ContractorSnapshot(ctx context.Context, contractorID ledger.ContractorID) (ledger.Snapshot, error) {
	return loadSnapshot(ctx, ts.tx, contractorID)
}

func (ts *txStore) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	return fn(ts)
}

func nullable(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
