/*
Package ledger provides the store-credit debt ledger engine.

PURPOSE:
  Tracks each customer's running store-credit balance. Every balance change
  is an immutable transaction appended to the debt it belongs to, and the
  debt's aggregate fields (amount, remaining amount, status) are always the
  result of replaying that log.

KEY CONCEPTS IN THIS FILE (types.go):
  - Debt: A customer's running credit account with its transaction log
  - Transaction: An immutable entry recording one balance-changing event
  - Order: The boundary entity that produces additions and price edits
  - Identity: The debt owner (never the operator who processed a change)

DESIGN PRINCIPLES:
  1. Single source of truth: aggregates are a cache of Replay(transactions)
  2. Precision: Money uses decimal.Decimal, never float64
  3. Type Safety: Distinct ID types prevent mixing debts, orders and customers
  4. Auditability: Every transaction names its owner and its operator

USAGE:
  m := ledger.NewMutator(store)
  res, err := m.PostOrder(ctx, ledger.OrderIntake{
      Customer:   ledger.Identity{ID: "cust-1", Name: "Ana"},
      Total:      decimal.NewFromInt(100),
      CreditMode: true,
  })

SEE ALSO:
  - balance.go: Replay and status derivation
  - mutator.go: The only code path that appends transactions
  - store.go: Persistence contracts
*/
package ledger

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type DebtID string
type CustomerID string
type OrderID string
type TransactionID string

// Identity identifies the customer who owes a debt.
type Identity struct {
	ID    CustomerID
	Name  string
	Email string
}

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusPending   Status = "pending"   // Nothing paid yet
	StatusPartial   Status = "partial"   // Some but not all paid
	StatusPaid      Status = "paid"      // Remaining is zero
	StatusCancelled Status = "cancelled" // Administratively closed, terminal
)

// ParseStatus converts a wire value into a Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusPartial, StatusPaid, StatusCancelled:
		return st, nil
	}
	return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", s)}
}

// =============================================================================
// TRANSACTION - Immutable balance-changing event
// =============================================================================

type TransactionType string

const (
	TxCreation   TransactionType = "creation"   // First order that opened the debt
	TxAddition   TransactionType = "addition"   // Later order or manual credit
	TxPayment    TransactionType = "payment"    // Customer paid part of the remaining amount
	TxAdjustment TransactionType = "adjustment" // Signed correction, e.g. an order price edit
)

func (t TransactionType) valid() bool {
	switch t {
	case TxCreation, TxAddition, TxPayment, TxAdjustment:
		return true
	}
	return false
}

type Transaction struct {
	ID       TransactionID
	DebtID   DebtID
	Sequence int // 1-based position in the debt's log
	Type     TransactionType

	// Amount is always a non-negative magnitude. Adjustments carry their
	// sign in Decrease.
	Amount     decimal.Decimal
	Decrease   bool
	CreditMode bool // creation/addition only: the amount is owed

	Date           time.Time
	OrderID        OrderID
	Note           string
	PaymentMethod  string
	Discount       decimal.Decimal
	IdempotencyKey string

	// Audit fields
	Owner           Identity // Debt owner
	ProcessedBy     string   // Operator ID
	ProcessedByName string
}

// Signed returns the transaction's effect as a signed value: payments and
// decreasing adjustments are negative.
func (t Transaction) Signed() decimal.Decimal {
	if t.Type == TxPayment || (t.Type == TxAdjustment && t.Decrease) {
		return t.Amount.Neg()
	}
	return t.Amount
}

// =============================================================================
// DEBT - A customer's running credit account
// =============================================================================

type Debt struct {
	ID      DebtID
	Owner   Identity
	OrderID OrderID // Order that opened the debt

	// Cached aggregates, always equal to Replay(Transactions) after a mutation.
	Amount    decimal.Decimal
	Remaining decimal.Decimal
	Status    Status

	Transactions []Transaction // Append-only, insertion order

	Version     int64
	CreatedAt   time.Time
	LastUpdated time.Time
}

func (d *Debt) CustomerID() CustomerID { return d.Owner.ID }

// Live reports whether the debt can still receive transactions.
func (d *Debt) Live() bool { return d.Status != StatusCancelled }

// Balance returns the stored aggregates.
func (d *Debt) Balance() Balance {
	return Balance{Amount: d.Amount, Remaining: d.Remaining}
}

// Recompute refreshes the cached aggregates from a full replay of the log.
// A cancelled debt keeps its status.
func (d *Debt) Recompute() {
	b := Replay(d.Transactions)
	d.Amount = b.Amount
	d.Remaining = b.Remaining
	if d.Status != StatusCancelled {
		d.Status = b.Status()
	}
}

// History returns the transactions most recent first, for display.
func (d *Debt) History() []Transaction {
	out := make([]Transaction, len(d.Transactions))
	copy(out, d.Transactions)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Sequence > out[j].Sequence
	})
	return out
}

// FindByIdempotencyKey returns the transaction carrying key, if any.
func (d *Debt) FindByIdempotencyKey(key string) (Transaction, bool) {
	if key == "" {
		return Transaction{}, false
	}
	for _, tx := range d.Transactions {
		if tx.IdempotencyKey == key {
			return tx, true
		}
	}
	return Transaction{}, false
}

func (d *Debt) nextSequence() int {
	next := 1
	for _, tx := range d.Transactions {
		if tx.Sequence >= next {
			next = tx.Sequence + 1
		}
	}
	return next
}

// Clone returns a deep copy.
func (d *Debt) Clone() *Debt {
	if d == nil {
		return nil
	}
	c := *d
	c.Transactions = append([]Transaction(nil), d.Transactions...)
	return &c
}

// =============================================================================
// ORDER - Boundary entity linking sales to debts
// =============================================================================

type OrderItem struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
}

type Order struct {
	ID             OrderID
	CustomerID     CustomerID
	TotalAmount    decimal.Decimal
	OriginalAmount decimal.Decimal
	Discount       decimal.Decimal
	Items          []OrderItem
	CreditMode     bool
	PaymentMethod  string

	// Link to the debt that absorbed this order and a copy of its status.
	DebtID     DebtID
	DebtStatus Status

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.Items = append([]OrderItem(nil), o.Items...)
	return &c
}

// =============================================================================
// MONEY HELPERS
// =============================================================================

// AmountFromFloat converts a wire value into a decimal, rejecting NaN and
// infinities.
func AmountFromFloat(field string, v float64) (decimal.Decimal, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero, &ValidationError{Field: field, Reason: "must be a finite number"}
	}
	return decimal.NewFromFloat(v), nil
}

func requirePositive(field string, v decimal.Decimal) error {
	if !v.IsPositive() {
		return &ValidationError{Field: field, Reason: "must be greater than zero"}
	}
	return nil
}
