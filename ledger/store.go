/*
store.go - Persistence contracts for debts and orders

PURPOSE:
  Defines the interface between the ledger engine and the database.
  Implementations keep the transaction log insert-only; the only column
  values that change on a debt are the cached aggregates, the status and
  the version.

KEY INTERFACES:
  DebtStore:  Debts with their transaction logs
  OrderStore: Orders and their link to a debt
  TxStore:    Atomic units spanning several writes (order + debt)

OPTIMISTIC CONCURRENCY:
  UpdateDebt succeeds only when the stored version equals expectedVersion,
  then bumps it. A mismatch returns ErrConcurrentModification and writes
  nothing; the mutator re-reads and re-validates.

UNIQUENESS:
  - At most one non-cancelled debt per customer (CreateDebt -> ErrDebtExists)
  - Idempotency keys are unique across the ledger (ErrDuplicateIdempotencyKey)

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory for tests and development
  - store/sqlite/sqlite.go: SQLite with embedded migrations

SEE ALSO:
  - mutator.go: The only writer
*/
package ledger

import "context"

// DebtFilter selects debts for listing. Zero fields match everything.
type DebtFilter struct {
	CustomerID CustomerID
	Email      string
	Statuses   []Status
}

// Matches reports whether d satisfies the filter.
func (f DebtFilter) Matches(d *Debt) bool {
	if f.CustomerID != "" && d.Owner.ID != f.CustomerID {
		return false
	}
	if f.Email != "" && d.Owner.Email != f.Email {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if d.Status == s {
			return true
		}
	}
	return false
}

type DebtStore interface {
	// CreateDebt persists a new debt with its initial transactions and sets
	// its version to 1.
	CreateDebt(ctx context.Context, d *Debt) error

	// GetDebt returns the debt with its full log in insertion order.
	GetDebt(ctx context.Context, id DebtID) (*Debt, error)

	// ListDebts returns matching debts, most recently updated first.
	ListDebts(ctx context.Context, filter DebtFilter) ([]*Debt, error)

	// UpdateDebt appends txs and writes d's aggregates if the stored version
	// is expectedVersion. On success d.Version is expectedVersion+1.
	UpdateDebt(ctx context.Context, d *Debt, expectedVersion int64, txs ...Transaction) error

	// DeleteDebt removes the debt and its history.
	DeleteDebt(ctx context.Context, id DebtID) error
}

type OrderStore interface {
	GetOrder(ctx context.Context, id OrderID) (*Order, error)

	// SaveOrder inserts or replaces the order.
	SaveOrder(ctx context.Context, o *Order) error
}

type Store interface {
	DebtStore
	OrderStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
