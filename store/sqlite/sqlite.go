/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Persists Values, Transactions and their Steps. In production the same
  schema and queries apply to PostgreSQL with SELECT ... FOR UPDATE in place
  of SQLite's database-wide writer lock.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE on transactions except LinkNext (next_transaction_id,
    pending_void_date), guarded by "next_transaction_id IS NULL"
  - No UPDATE or DELETE on any step table
  - Corrections via reversing transactions only

KEY TABLES:
  ledger_values:               One row per Value
  transactions:                One row per Transaction, totals flattened
  lightrail_transaction_steps: Ledger value steps
  stripe_transaction_steps:    Card processor steps (raw charge JSON)
  internal_transaction_steps:  Unsecured internal-debt steps

LOCKING:
  Write transactions are opened with _txlock=immediate, so the writer lock is
  taken at BEGIN. That makes LockValue a plain read: no other writer can
  touch any row until commit. sync.RWMutex additionally serialises access
  within the process.

TIMESTAMPS:
  Stored as fixed-width UTC text so lexical order equals time order; keyset
  pagination relies on it.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/value-ledger/ledger"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ ledger.Store = (*Store)(nil)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to ":memory:" is a distinct database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS ledger_values (
		id TEXT PRIMARY KEY,
		currency TEXT NOT NULL,
		balance INTEGER,
		uses_remaining INTEGER,
		balance_rule_json TEXT,
		redemption_rule_json TEXT,
		discount INTEGER NOT NULL DEFAULT 0,
		discount_seller_liability TEXT,
		pretax INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 1,
		frozen INTEGER NOT NULL DEFAULT 0,
		canceled INTEGER NOT NULL DEFAULT 0,
		start_date TEXT,
		end_date TEXT,
		program_id TEXT,
		contact_id TEXT,
		is_generic_code INTEGER NOT NULL DEFAULT 0,
		code_hashed TEXT UNIQUE,
		code_last_four TEXT,
		metadata_json TEXT,
		created_date TEXT NOT NULL,
		updated_date TEXT NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		CHECK (balance IS NULL OR balance >= 0),
		CHECK (uses_remaining IS NULL OR uses_remaining >= 0)
	);

	CREATE INDEX IF NOT EXISTS idx_values_contact
		ON ledger_values(contact_id) WHERE contact_id IS NOT NULL;

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		transaction_type TEXT NOT NULL,
		currency TEXT NOT NULL,
		totals_subtotal INTEGER,
		totals_tax INTEGER,
		totals_discount INTEGER,
		totals_discount_lightrail INTEGER,
		totals_payable INTEGER,
		totals_paid_lightrail INTEGER,
		totals_paid_stripe INTEGER,
		totals_paid_internal INTEGER,
		totals_remainder INTEGER,
		totals_forgiven INTEGER,
		totals_marketplace_seller_gross INTEGER,
		totals_marketplace_seller_net INTEGER,
		totals_marketplace_seller_discount INTEGER,
		line_items_json TEXT,
		payment_sources_json TEXT,
		tax_json TEXT,
		pending INTEGER NOT NULL DEFAULT 0,
		pending_void_date TEXT,
		root_transaction_id TEXT NOT NULL,
		next_transaction_id TEXT,
		metadata_json TEXT,
		created_date TEXT NOT NULL,
		created_by TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_created
		ON transactions(created_date, id);
	CREATE INDEX IF NOT EXISTS idx_transactions_root
		ON transactions(root_transaction_id, created_date);
	CREATE INDEX IF NOT EXISTS idx_transactions_pending_void
		ON transactions(pending_void_date) WHERE pending_void_date IS NOT NULL;

	CREATE TABLE IF NOT EXISTS lightrail_transaction_steps (
		transaction_id TEXT NOT NULL REFERENCES transactions(id),
		step_index INTEGER NOT NULL,
		value_id TEXT NOT NULL REFERENCES ledger_values(id),
		contact_id TEXT,
		code TEXT,
		balance_before INTEGER,
		balance_after INTEGER,
		balance_change INTEGER NOT NULL,
		uses_remaining_before INTEGER,
		uses_remaining_after INTEGER,
		uses_remaining_change INTEGER,
		PRIMARY KEY (transaction_id, step_index)
	);

	CREATE INDEX IF NOT EXISTS idx_lightrail_steps_value
		ON lightrail_transaction_steps(value_id);

	CREATE TABLE IF NOT EXISTS stripe_transaction_steps (
		transaction_id TEXT NOT NULL REFERENCES transactions(id),
		step_index INTEGER NOT NULL,
		charge_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		source TEXT,
		customer TEXT,
		charge_json TEXT,
		PRIMARY KEY (transaction_id, step_index)
	);

	CREATE TABLE IF NOT EXISTS internal_transaction_steps (
		transaction_id TEXT NOT NULL REFERENCES transactions(id),
		step_index INTEGER NOT NULL,
		internal_id TEXT NOT NULL,
		balance_before INTEGER NOT NULL,
		balance_after INTEGER NOT NULL,
		balance_change INTEGER NOT NULL,
		before_lightrail INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (transaction_id, step_index)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore runs every statement on the open transaction. It never touches
// Store.mu, which WithTx already holds.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) InsertValue(ctx context.Context, v *ledger.Value) error {
	return insertValue(ctx, ts.tx, v)
}

func (ts *txStore) LockValue(ctx context.Context, id string) (*ledger.Value, error) {
	return getValue(ctx, ts.tx, "id = ?", id)
}

func (ts *txStore) UpdateValueBalance(ctx context.Context, id string, balance, usesRemaining *int64, at time.Time) error {
	return updateValueBalance(ctx, ts.tx, id, balance, usesRemaining, at)
}

func (ts *txStore) GetTransaction(ctx context.Context, id string) (*ledger.Transaction, error) {
	return getTransaction(ctx, ts.tx, id)
}

func (ts *txStore) InsertTransaction(ctx context.Context, t *ledger.Transaction) error {
	return insertTransaction(ctx, ts.tx, t)
}

func (ts *txStore) InsertStep(ctx context.Context, txID string, index int, step ledger.Step) error {
	return insertStep(ctx, ts.tx, txID, index, step)
}

func (ts *txStore) LinkNext(ctx context.Context, id, nextID string) error {
	return linkNext(ctx, ts.tx, id, nextID)
}

// Reset deletes all data. For tests and demo resets only.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{
		"lightrail_transaction_steps",
		"stripe_transaction_steps",
		"internal_transaction_steps",
		"transactions",
		"ledger_values",
	} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
