/*
Package sqlite provides a SQLite-backed ledger.Store.

PURPOSE:
  Durable single-node storage for the contractor ledger. Claims and
  withdrawals survive restarts, so pending withdrawals can be resumed on
  the next boot.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE on claims
  - The only UPDATE on withdrawals is pending -> completed, guarded by
    "WHERE status = 'pending'" so it can take effect at most once

KEY TABLES:
  claims:      id, contractor_id, amount (decimal text), created_at
  withdrawals: id, contractor_id, amount, status, created_at, completed_at
  Both carry an AUTOINCREMENT seq column that fixes append order.

CONCURRENCY:
  One connection (SetMaxOpenConns(1)) plus a sync.RWMutex. WithTx holds
  the write lock for the whole SQL transaction, which gives withdrawal
  admission its read-check-append atomicity.

MIGRATION:
  Versioned migrations are embedded (migrations/*.sql) and applied with
  golang-migrate on New().

USAGE:
  s, err := sqlite.New("./data/ledger.db", nil)
  if err != nil {
      log.Fatal(err)
  }
  defer s.Close()

SEE ALSO:
  - ledger/store.go: The Store contract
  - store/postgres: Same contract on PostgreSQL
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/contractor-ledger/ledger"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements ledger.Store using SQLite.
type Store struct {
	db  *sql.DB
	ids ledger.IDSource
	mu  sync.RWMutex
}

// New opens (or creates) the database at dsn and applies migrations.
// Use ":memory:" for a throwaway database. A nil ids issues UUIDv7 ids.
func New(dsn string, ids ledger.IDSource) (*Store, error) {
	db, err := sql.Open("sqlite3", withPragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" alive.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if ids == nil {
		ids = ledger.UUIDSource{}
	}
	s := &Store{db: db, ids: ids}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func withPragmas(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("migration instance: %w", err)
	}
	// m.Close would close s.db through the driver, so only the source is released.
	defer src.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

func (s *Store) AppendClaim(ctx context.Context, c ledger.Claim) (ledger.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendClaim(ctx, s.db, c)
}

func (s *Store) AppendWithdrawal(ctx context.Context, w ledger.Withdrawal) (ledger.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendWithdrawal(ctx, s.db, w)
}

func (s *Store) MarkWithdrawalCompleted(ctx context.Context, id ledger.WithdrawalID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return markCompleted(ctx, s.db, id, at)
}

func (s *Store) Withdrawal(ctx context.Context, id ledger.WithdrawalID) (ledger.Withdrawal, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getWithdrawal(ctx, s.db, id)
}

func (s *Store) Snapshot(ctx context.Context) (ledger.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadSnapshot(ctx, s.db, "")
}

func (s *Store) ContractorSnapshot(ctx context.Context, contractorID ledger.ContractorID) (ledger.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadSnapshot(ctx, s.db, contractorID)
}

func (s *Store) appendClaim(ctx context.Context, db querier, c ledger.Claim) (ledger.Claim, error) {
	c.ID = ledger.ClaimID(s.ids.NextID(ledger.KindClaim))

	_, err := db.ExecContext(ctx, `
		INSERT INTO claims (id, contractor_id, amount, requester_ref, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		string(c.ID),
		string(c.ContractorID),
		c.Amount.String(),
		nullString(c.RequesterRef),
		formatTime(c.CreatedAt),
	)
	if err != nil {
		return ledger.Claim{}, fmt.Errorf("failed to append claim: %w", err)
	}
	return c, nil
}

func (s *Store) appendWithdrawal(ctx context.Context, db querier, w ledger.Withdrawal) (ledger.Withdrawal, error) {
	w.ID = ledger.WithdrawalID(s.ids.NextID(ledger.KindWithdrawal))
	if w.Status == "" {
		w.Status = ledger.WithdrawalPending
	}

	var completedAt sql.NullString
	if w.CompletedAt != nil {
		completedAt = sql.NullString{String: formatTime(*w.CompletedAt), Valid: true}
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO withdrawals (id, contractor_id, amount, status, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(w.ID),
		string(w.ContractorID),
		w.Amount.String(),
		string(w.Status),
		formatTime(w.CreatedAt),
		completedAt,
	)
	if err != nil {
		return ledger.Withdrawal{}, fmt.Errorf("failed to append withdrawal: %w", err)
	}
	return w, nil
}

func markCompleted(ctx context.Context, db querier, id ledger.WithdrawalID, at time.Time) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE withdrawals SET status = 'completed', completed_at = ?
		WHERE id = ? AND status = 'pending'`,
		formatTime(at), string(id))
	if err != nil {
		return false, fmt.Errorf("failed to complete withdrawal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to complete withdrawal: %w", err)
	}
	return n == 1, nil
}

const withdrawalColumns = `id, contractor_id, amount, status, created_at, completed_at`

func getWithdrawal(ctx context.Context, db querier, id ledger.WithdrawalID) (ledger.Withdrawal, bool, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = ?`, string(id))
	if err != nil {
		return ledger.Withdrawal{}, false, fmt.Errorf("failed to query withdrawal: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return ledger.Withdrawal{}, false, rows.Err()
	}
	w, err := scanWithdrawal(rows)
	if err != nil {
		return ledger.Withdrawal{}, false, err
	}
	return w, true, nil
}

// loadSnapshot reads both collections in append order. An empty
// contractorID loads everything.
func loadSnapshot(ctx context.Context, db querier, contractorID ledger.ContractorID) (ledger.Snapshot, error) {
	where, args := "", []any{}
	if contractorID != "" {
		where = " WHERE contractor_id = ?"
		args = append(args, string(contractorID))
	}

	var snap ledger.Snapshot

	rows, err := db.QueryContext(ctx,
		`SELECT id, contractor_id, amount, requester_ref, created_at FROM claims`+where+` ORDER BY seq`, args...)
	if err != nil {
		return snap, fmt.Errorf("failed to query claims: %w", err)
	}
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			rows.Close()
			return snap, err
		}
		snap.Claims = append(snap.Claims, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, err
	}

	rows, err = db.QueryContext(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals`+where+` ORDER BY seq`, args...)
	if err != nil {
		return snap, fmt.Errorf("failed to query withdrawals: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return snap, err
		}
		snap.Withdrawals = append(snap.Withdrawals, w)
	}
	return snap, rows.Err()
}

func scanClaim(rows *sql.Rows) (ledger.Claim, error) {
	var (
		c            ledger.Claim
		amount       string
		requesterRef sql.NullString
		createdAt    string
	)
	if err := rows.Scan(&c.ID, &c.ContractorID, &amount, &requesterRef, &createdAt); err != nil {
		return c, fmt.Errorf("failed to scan claim: %w", err)
	}

	var err error
	if c.Amount, err = ledger.ParseMoney(amount); err != nil {
		return c, fmt.Errorf("claim %s: bad amount %q: %w", c.ID, amount, err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return c, fmt.Errorf("claim %s: %w", c.ID, err)
	}
	c.RequesterRef = requesterRef.String
	return c, nil
}

func scanWithdrawal(rows *sql.Rows) (ledger.Withdrawal, error) {
	var (
		w           ledger.Withdrawal
		amount      string
		createdAt   string
		completedAt sql.NullString
	)
	if err := rows.Scan(&w.ID, &w.ContractorID, &amount, &w.Status, &createdAt, &completedAt); err != nil {
		return w, fmt.Errorf("failed to scan withdrawal: %w", err)
	}

	var err error
	if w.Amount, err = ledger.ParseMoney(amount); err != nil {
		return w, fmt.Errorf("withdrawal %s: bad amount %q: %w", w.ID, amount, err)
	}
	if w.CreatedAt, err = parseTime(createdAt); err != nil {
		return w, fmt.Errorf("withdrawal %s: %w", w.ID, err)
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return w, fmt.Errorf("withdrawal %s: %w", w.ID, err)
		}
		w.CompletedAt = &t
	}
	return w, nil
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within a database transaction while holding the
// write lock. Returning an error rolls everything back.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, parent: s}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore runs every call on the open transaction. The parent's lock is
// already held.
type txStore struct {
	tx     *sql.Tx
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

// WithTx on an open transaction joins it.
func (ts *txStore) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	return fn(ts)
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}
