package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// OrderIntake is a payable order coming from checkout or admin order entry.
type OrderIntake struct {
	OrderID        OrderID // Generated when empty
	Customer       Identity
	Total          decimal.Decimal
	OriginalAmount decimal.Decimal // Defaults to Total
	Discount       decimal.Decimal
	Items          []OrderItem
	CreditMode     bool
	PaymentMethod  string
	Note           string
	IdempotencyKey string
}

type OrderIntakeResult struct {
	Order   *Order
	Debt    *Debt
	Created bool // A new debt was opened for this order
}

// PostOrder routes an order into the customer's ledger: the resolver picks a
// debt to extend, or a new one is opened with a creation transaction. The
// order is saved with its debt link in the same store transaction.
//
// Re-posting an order ID that is already linked, or repeating an idempotency
// key with the same order and total, returns the current state without
// writing. A key reused for a different order or total fails with
// ErrDuplicateIdempotencyKey.
func (m *Mutator) PostOrder(ctx context.Context, in OrderIntake) (*OrderIntakeResult, error) {
	generatedID, err := validateIntake(&in)
	if err != nil {
		return nil, m.reject("post_order", err)
	}

	var (
		result   *OrderIntakeResult
		recorded *Transaction
	)
	err = m.retry(ctx, "post_order", func() error {
		return m.store.WithTx(ctx, func(s Store) error {
			res, tx, err := m.postOrderIn(ctx, s, in, generatedID)
			if err != nil {
				return err
			}
			result, recorded = res, tx
			return nil
		})
	})
	if err != nil {
		return nil, m.reject("post_order", err)
	}
	m.committed(result.Debt, recorded)

	m.log.WithFields(logrus.Fields{
		"order_id":    result.Order.ID,
		"customer_id": in.Customer.ID,
		"debt_id":     result.Debt.ID,
		"debt_status": result.Debt.Status,
		"new_debt":    result.Created,
	}).Info("order posted")
	return result, nil
}

func (m *Mutator) postOrderIn(ctx context.Context, s Store, in OrderIntake, generatedID bool) (*OrderIntakeResult, *Transaction, error) {
	if res, err := m.linkedOrder(ctx, s, in.OrderID); res != nil || err != nil {
		return res, nil, err
	}

	resolver := &Resolver{Store: s}
	target, err := resolver.ResolveDebtForOrder(ctx, in.Customer.ID)
	if err != nil {
		return nil, nil, err
	}

	if target != nil {
		if prev, seen := target.FindByIdempotencyKey(in.IdempotencyKey); seen {
			// A retry without an order ID gets a fresh one each time; the
			// key identifies the order that was charged.
			if generatedID {
				in.OrderID = prev.OrderID
			}
			if !chargesOrder(prev, in) {
				return nil, nil, &IdempotencyKeyReusedError{Key: in.IdempotencyKey, Existing: prev.Type}
			}
			res, err := m.linkedOrder(ctx, s, in.OrderID)
			if err == nil && res == nil {
				err = &IdempotencyKeyReusedError{Key: in.IdempotencyKey, Existing: prev.Type}
			}
			return res, nil, err
		}
	}

	var (
		d       *Debt
		tx      *Transaction
		created bool
	)
	if target == nil {
		d, tx, err = m.openDebt(ctx, s, in)
		created = true
	} else {
		d, tx, err = m.applyIn(ctx, s, target.ID, additionMutation(in.Total, AdditionContext{
			OrderID:        in.OrderID,
			Note:           in.Note,
			CreditMode:     in.CreditMode,
			PaymentMethod:  in.PaymentMethod,
			Discount:       in.Discount,
			IdempotencyKey: in.IdempotencyKey,
		}))
	}
	if err != nil {
		return nil, nil, err
	}
	if tx == nil {
		// The debt changed between resolve and apply and already holds
		// this key; nothing of this request was written.
		return nil, nil, &IdempotencyKeyReusedError{Key: in.IdempotencyKey, Existing: TxAddition}
	}

	now := m.now()
	order := &Order{
		ID:             in.OrderID,
		CustomerID:     in.Customer.ID,
		TotalAmount:    in.Total,
		OriginalAmount: in.OriginalAmount,
		Discount:       in.Discount,
		Items:          in.Items,
		CreditMode:     in.CreditMode,
		PaymentMethod:  in.PaymentMethod,
		DebtID:         d.ID,
		DebtStatus:     d.Status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if existing, err := s.GetOrder(ctx, in.OrderID); err == nil {
		order.CreatedAt = existing.CreatedAt
	}
	if err := s.SaveOrder(ctx, order); err != nil {
		return nil, nil, err
	}
	return &OrderIntakeResult{Order: order, Debt: d, Created: created}, tx, nil
}

// linkedOrder returns the current state of an order that is already charged
// to a debt, or nil when the order is new or unlinked.
func (m *Mutator) linkedOrder(ctx context.Context, s Store, id OrderID) (*OrderIntakeResult, error) {
	existing, err := s.GetOrder(ctx, id)
	switch {
	case IsNotFound(err):
		return nil, nil
	case err != nil:
		return nil, err
	case existing.DebtID == "":
		return nil, nil
	}
	d, err := s.GetDebt(ctx, existing.DebtID)
	if err != nil {
		return nil, err
	}
	return &OrderIntakeResult{Order: existing, Debt: d}, nil
}

// chargesOrder reports whether prev is the ledger entry for in.
func chargesOrder(prev Transaction, in OrderIntake) bool {
	return (prev.Type == TxCreation || prev.Type == TxAddition) &&
		prev.OrderID == in.OrderID &&
		prev.Amount.Equal(in.Total)
}

func (m *Mutator) openDebt(ctx context.Context, s Store, in OrderIntake) (*Debt, *Transaction, error) {
	tx, err := m.recorder.Record(ctx, TxCreation, in.Total, RecordContext{
		OrderID:        in.OrderID,
		Note:           in.Note,
		PaymentMethod:  in.PaymentMethod,
		Discount:       in.Discount,
		Owner:          in.Customer,
		CreditMode:     in.CreditMode,
		IdempotencyKey: in.IdempotencyKey,
	})
	if err != nil {
		return nil, nil, err
	}

	d := &Debt{
		ID:          m.newDebtID(),
		Owner:       in.Customer,
		OrderID:     in.OrderID,
		CreatedAt:   tx.Date,
		LastUpdated: tx.Date,
	}
	tx.DebtID = d.ID
	tx.Sequence = 1
	d.Transactions = []Transaction{tx}
	d.Recompute()

	if err := s.CreateDebt(ctx, d); err != nil {
		return nil, nil, err
	}
	return d, &tx, nil
}

// validateIntake normalises in and reports whether the order ID was generated.
func validateIntake(in *OrderIntake) (bool, error) {
	if in.Customer.ID == "" {
		return false, &ValidationError{Field: "customer_id", Reason: "required"}
	}
	if err := requirePositive("total", in.Total); err != nil {
		return false, err
	}
	if in.Discount.IsNegative() {
		return false, &ValidationError{Field: "discount", Reason: "must not be negative"}
	}
	if in.OriginalAmount.IsZero() {
		in.OriginalAmount = in.Total
	}
	for i, item := range in.Items {
		if item.Quantity <= 0 {
			return false, &ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Reason: "must be greater than zero"}
		}
		if item.Price.IsNegative() {
			return false, &ValidationError{Field: fmt.Sprintf("items[%d].price", i), Reason: "must not be negative"}
		}
	}
	if in.OrderID != "" {
		return false, nil
	}
	in.OrderID = OrderID(uuid.NewString())
	return true, nil
}
