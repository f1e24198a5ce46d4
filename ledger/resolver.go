package ledger

import (
	"context"
	"fmt"
	"sort"
)

// Resolver picks which existing debt a new order should be added to.
// It only reads; races with concurrent writers are closed by the version
// check in UpdateDebt and the live-debt uniqueness in CreateDebt.
type Resolver struct {
	Store DebtStore
}

// ResolveDebtForOrder returns the debt to extend, or nil when a new debt
// should be created.
func (r *Resolver) ResolveDebtForOrder(ctx context.Context, customerID CustomerID) (*Debt, error) {
	if customerID == "" {
		return nil, &ValidationError{Field: "customer_id", Reason: "required"}
	}
	debts, err := r.Store.ListDebts(ctx, DebtFilter{CustomerID: customerID})
	if err != nil {
		return nil, fmt.Errorf("resolving debt for customer %s: %w", customerID, err)
	}
	return SelectDebt(debts), nil
}

// SelectDebt applies the resolution policy:
//  1. prefer pending or partial debts
//  2. otherwise any non-cancelled debt, including paid ones
//  3. otherwise nil
//
// Ties go to the most recently updated, then most recently created, then
// the greatest ID.
func SelectDebt(debts []*Debt) *Debt {
	var open, live []*Debt
	for _, d := range debts {
		switch d.Status {
		case StatusPending, StatusPartial:
			open = append(open, d)
			live = append(live, d)
		case StatusPaid:
			live = append(live, d)
		}
	}
	if len(open) > 0 {
		return mostRecent(open)
	}
	if len(live) > 0 {
		return mostRecent(live)
	}
	return nil
}

func mostRecent(debts []*Debt) *Debt {
	sorted := append([]*Debt(nil), debts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.LastUpdated.Equal(b.LastUpdated) {
			return a.LastUpdated.After(b.LastUpdated)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	return sorted[0]
}
