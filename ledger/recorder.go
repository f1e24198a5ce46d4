package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// OPERATOR - Who processed a change
// =============================================================================

// Operator is the authenticated actor performing a change. It is recorded on
// every transaction but never used as the debt owner.
type Operator struct {
	ID   string
	Name string
}

// DefaultOperator is used when the request carries no identity.
var DefaultOperator = Operator{ID: "admin", Name: "admin"}

type operatorKey struct{}

// WithOperator attaches the acting operator to ctx.
func WithOperator(ctx context.Context, op Operator) context.Context {
	return context.WithValue(ctx, operatorKey{}, op)
}

// OperatorFromContext returns the operator in ctx, or DefaultOperator.
func OperatorFromContext(ctx context.Context) Operator {
	op, ok := ctx.Value(operatorKey{}).(Operator)
	if !ok || op.ID == "" {
		return DefaultOperator
	}
	if op.Name == "" {
		op.Name = op.ID
	}
	return op
}

// =============================================================================
// RECORDER - Builds immutable transactions
// =============================================================================

// RecordContext carries the descriptive fields of a transaction.
type RecordContext struct {
	OrderID        OrderID
	Note           string
	PaymentMethod  string
	Discount       decimal.Decimal
	Owner          Identity
	CreditMode     bool
	Decrease       bool
	IdempotencyKey string
}

// Recorder stamps transactions with an ID, a timestamp and the operator.
// It does not persist anything and does not validate amounts.
type Recorder struct {
	Now   func() time.Time
	NewID func() TransactionID
}

func NewRecorder() *Recorder {
	return &Recorder{
		Now:   func() time.Time { return time.Now().UTC() },
		NewID: func() TransactionID { return TransactionID(uuid.NewString()) },
	}
}

// Record builds a transaction of the given kind. The owner identity is
// required; the operator in ctx is never substituted for it.
func (r *Recorder) Record(ctx context.Context, kind TransactionType, amount decimal.Decimal, rc RecordContext) (Transaction, error) {
	if !kind.valid() {
		return Transaction{}, &ValidationError{Field: "type", Reason: "unknown transaction type " + string(kind)}
	}
	if rc.Owner.ID == "" {
		return Transaction{}, &ValidationError{Field: "owner", Reason: "debt owner identity is required"}
	}

	op := OperatorFromContext(ctx)
	return Transaction{
		ID:              r.NewID(),
		Type:            kind,
		Amount:          amount,
		Decrease:        kind == TxAdjustment && rc.Decrease,
		CreditMode:      (kind == TxCreation || kind == TxAddition) && rc.CreditMode,
		Date:            r.Now(),
		OrderID:         rc.OrderID,
		Note:            rc.Note,
		PaymentMethod:   rc.PaymentMethod,
		Discount:        rc.Discount,
		IdempotencyKey:  rc.IdempotencyKey,
		Owner:           rc.Owner,
		ProcessedBy:     op.ID,
		ProcessedByName: op.Name,
	}, nil
}
