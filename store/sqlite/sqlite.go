/*
Package sqlite provides a SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Persists debts, their transaction logs and orders. Queries are built with
  squirrel and mapped with sqlx; the schema lives in versioned migrations
  embedded in the binary and applied by golang-migrate on New().

INTERFACES IMPLEMENTED:
  ledger.Store:   Debts, transactions, orders
  ledger.TxStore: WithTx for atomic order + debt writes

INSERT-ONLY LOG:
  debt_transactions rows are never updated. The only debt columns that
  change are the cached aggregates, status, last_updated and version.

KEY TABLES:
  debts:              One row per debt, with version for compare-and-swap
  debt_transactions:  The transaction log, UNIQUE(debt_id, seq)
  orders:             Orders and their debt link

INDEXES:
  - idx_debts_live_customer: at most one non-cancelled debt per customer
  - debt_transactions.idempotency_key UNIQUE: no double-applied retries

CONCURRENCY:
  A single connection plus sync.RWMutex serializes writers. UpdateDebt
  still checks the version in its WHERE clause so stale writers fail with
  ledger.ErrConcurrentModification.

USAGE:
  store, err := sqlite.New("./data/storecredit.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  m := ledger.NewMutator(store)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
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

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/warp/storecredit/ledger"
)

//go:embed migrations
var migrations embed.FS

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db *sqlx.DB
	mu sync.RWMutex
}

// New opens the database at dbPath and applies pending migrations.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.MigrateUp(); err != nil {
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

// =============================================================================
// MIGRATIONS
// =============================================================================

func (s *Store) migrator() (*migrate.Migrate, error) {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("new iofs: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.db.DB, &migratesqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("new sqlite3 migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("new migration instance: %w", err)
	}
	return m, nil
}

// MigrateUp applies all pending migrations.
func (s *Store) MigrateUp() error {
	m, err := s.migrator()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// MigrateDown rolls back every migration.
func (s *Store) MigrateDown() error {
	m, err := s.migrator()
	if err != nil {
		return err
	}
	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rolling back migrations: %w", err)
	}
	return nil
}

// MigrationVersion returns the applied schema version.
func (s *Store) MigrationVersion() (version uint, dirty bool, err error) {
	m, err := s.migrator()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

func (s *Store) CreateDebt(ctx context.Context, d *ledger.Debt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(c *conn) error { return c.CreateDebt(ctx, d) })
}

func (s *Store) GetDebt(ctx context.Context, id ledger.DebtID) (*ledger.Debt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&conn{q: s.db}).GetDebt(ctx, id)
}

func (s *Store) ListDebts(ctx context.Context, filter ledger.DebtFilter) ([]*ledger.Debt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&conn{q: s.db}).ListDebts(ctx, filter)
}

func (s *Store) UpdateDebt(ctx context.Context, d *ledger.Debt, expectedVersion int64, txs ...ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(c *conn) error { return c.UpdateDebt(ctx, d, expectedVersion, txs...) })
}

func (s *Store) DeleteDebt(ctx context.Context, id ledger.DebtID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(c *conn) error { return c.DeleteDebt(ctx, id) })
}

func (s *Store) GetOrder(ctx context.Context, id ledger.OrderID) (*ledger.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&conn{q: s.db}).GetOrder(ctx, id)
}

func (s *Store) SaveOrder(ctx context.Context, o *ledger.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&conn{q: s.db}).SaveOrder(ctx, o)
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(c *conn) error { return fn(c) })
}

// inTx runs fn in a database transaction. Caller holds mu.
func (s *Store) inTx(ctx context.Context, fn func(c *conn) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &ledger.PersistenceError{Op: "begin transaction", Err: err}
	}
	defer tx.Rollback()

	if err := fn(&conn{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return &ledger.PersistenceError{Op: "commit transaction", Err: err}
	}
	return nil
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// constraintError translates unique violations into ledger errors.
func constraintError(op string, err error) error {
	if !isUniqueConstraintError(err) {
		return &ledger.PersistenceError{Op: op, Err: err}
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "idempotency_key"):
		return ledger.ErrDuplicateIdempotencyKey
	case strings.Contains(msg, "debt_transactions.seq"):
		return ledger.ErrConcurrentModification
	case strings.Contains(msg, "debts."):
		return ledger.ErrDebtExists
	}
	return &ledger.PersistenceError{Op: op, Err: err}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
