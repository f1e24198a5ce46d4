package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// OrderPriceChange describes an after-the-fact edit of an order total.
type OrderPriceChange struct {
	OrderID  OrderID
	OldTotal decimal.Decimal
	NewTotal decimal.Decimal
	Discount decimal.NullDecimal // Left unchanged when not Valid
	Note     string
}

type ReconcileResult struct {
	Order      *Order
	Debt       *Debt // nil when the order has no debt or the debt is gone
	Difference decimal.Decimal
	Warning    *InconsistencyWarning
}

// ReconcileOrderPriceChange updates the order and posts the price difference
// to its debt as an adjustment, in one store transaction.
//
// A linked debt that no longer exists (or was cancelled) is reported as an
// InconsistencyWarning; the order update is still committed.
func (m *Mutator) ReconcileOrderPriceChange(ctx context.Context, ch OrderPriceChange) (*ReconcileResult, error) {
	if ch.OrderID == "" {
		return nil, m.reject("reconcile", &ValidationError{Field: "order_id", Reason: "required"})
	}
	if ch.NewTotal.IsNegative() {
		return nil, m.reject("reconcile", &ValidationError{Field: "new_total", Reason: "must not be negative"})
	}
	if ch.Discount.Valid && ch.Discount.Decimal.IsNegative() {
		return nil, m.reject("reconcile", &ValidationError{Field: "discount", Reason: "must not be negative"})
	}

	var (
		result   *ReconcileResult
		recorded *Transaction
	)
	err := m.retry(ctx, "reconcile", func() error {
		return m.store.WithTx(ctx, func(s Store) error {
			res, tx, err := m.reconcileIn(ctx, s, ch)
			if err != nil {
				return err
			}
			result, recorded = res, tx
			return nil
		})
	})
	if err != nil {
		return nil, m.reject("reconcile", err)
	}
	m.committed(result.Debt, recorded)

	if result.Warning != nil {
		m.warn(result.Warning)
	}
	return result, nil
}

func (m *Mutator) reconcileIn(ctx context.Context, s Store, ch OrderPriceChange) (*ReconcileResult, *Transaction, error) {
	order, err := s.GetOrder(ctx, ch.OrderID)
	if err != nil {
		return nil, nil, err
	}

	if !order.TotalAmount.Equal(ch.OldTotal) {
		m.log.WithFields(logrus.Fields{
			"order_id":     order.ID,
			"stored_total": order.TotalAmount.String(),
			"old_total":    ch.OldTotal.String(),
		}).Warn("price edit based on a stale order total")
	}

	diff := ch.NewTotal.Sub(ch.OldTotal)
	res := &ReconcileResult{Order: order, Difference: diff}

	order.TotalAmount = ch.NewTotal
	if ch.Discount.Valid {
		order.Discount = ch.Discount.Decimal
	}
	order.UpdatedAt = m.now()

	var recorded *Transaction
	if order.DebtID != "" {
		var d *Debt
		if diff.IsZero() {
			d, err = s.GetDebt(ctx, order.DebtID)
		} else {
			d, recorded, err = m.applyIn(ctx, s, order.DebtID, adjustmentMutation(diff, AdjustmentContext{
				OrderID: order.ID,
				Note:    priceEditNote(ch),
			}))
		}
		switch {
		case err == nil:
			res.Debt = d
			order.DebtStatus = d.Status
		case IsNotFound(err):
			res.Warning = &InconsistencyWarning{
				DebtID:  order.DebtID,
				OrderID: order.ID,
				Reason:  "linked debt not found, price difference not posted",
			}
		case errors.Is(err, ErrDebtCancelled):
			res.Warning = &InconsistencyWarning{
				DebtID:  order.DebtID,
				OrderID: order.ID,
				Reason:  "linked debt is cancelled, price difference not posted",
			}
			order.DebtStatus = StatusCancelled
		default:
			return nil, nil, err
		}
	}

	if err := s.SaveOrder(ctx, order); err != nil {
		return nil, nil, err
	}
	return res, recorded, nil
}

func priceEditNote(ch OrderPriceChange) string {
	if ch.Note != "" {
		return ch.Note
	}
	return "order price changed from " + ch.OldTotal.StringFixed(2) + " to " + ch.NewTotal.StringFixed(2)
}
