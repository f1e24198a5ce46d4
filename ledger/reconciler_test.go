package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/storecredit/ledger"
	"github.com/warp/storecredit/ledger/store"
)

// =============================================================================
// ORDER INTAKE
// =============================================================================

func TestPostOrder_SecondOrderExtendsOpenDebt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.creditOrder(t, "100")

	second, err := f.m.PostOrder(ctx, ledger.OrderIntake{
		OrderID:    "order-2",
		Customer:   ana,
		Total:      money("40"),
		CreditMode: true,
		Items: []ledger.OrderItem{
			{ProductID: "sku-1", Name: "Rice 5kg", Price: money("20"), Quantity: 2},
		},
	})

	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Debt.ID, second.Debt.ID)
	assertDebt(t, second.Debt, "140", "140", ledger.StatusPending)

	order, err := f.store.GetOrder(ctx, "order-2")
	require.NoError(t, err)
	assert.Equal(t, first.Debt.ID, order.DebtID)
	assert.Equal(t, ledger.StatusPending, order.DebtStatus)
	require.Len(t, order.Items, 1)
	assertMoney(t, "40", order.OriginalAmount, "original amount defaults to total")

	last := second.Debt.Transactions[1]
	assert.Equal(t, ledger.TxAddition, last.Type)
	assert.Equal(t, ledger.OrderID("order-2"), last.OrderID)
}

func TestPostOrder_ExtendsPaidDebtInsteadOfOpeningNew(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.creditOrder(t, "100")
	_, err := f.m.ApplyPayment(ctx, first.Debt.ID, money("100"), ledger.PaymentContext{})
	require.NoError(t, err)

	next := f.creditOrder(t, "30")

	assert.False(t, next.Created)
	assert.Equal(t, first.Debt.ID, next.Debt.ID)
	assertDebt(t, next.Debt, "130", "30", ledger.StatusPartial)
}

func TestPostOrder_RepostIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := ledger.OrderIntake{OrderID: "order-1", Customer: ana, Total: money("100"), CreditMode: true}

	first, err := f.m.PostOrder(ctx, in)
	require.NoError(t, err)
	again, err := f.m.PostOrder(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, first.Debt.ID, again.Debt.ID)
	assert.Len(t, again.Debt.Transactions, 1)
	assert.Equal(t, first.Debt.Version, again.Debt.Version)
}

func TestPostOrder_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		in   ledger.OrderIntake
	}{
		{"missing customer", ledger.OrderIntake{Total: money("10")}},
		{"zero total", ledger.OrderIntake{Customer: ana, Total: decimal.Zero}},
		{"negative discount", ledger.OrderIntake{Customer: ana, Total: money("10"), Discount: money("-1")}},
		{"bad quantity", ledger.OrderIntake{Customer: ana, Total: money("10"), Items: []ledger.OrderItem{{ProductID: "p", Quantity: 0}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.m.PostOrder(context.Background(), tt.in)
			assert.True(t, ledger.IsClientError(err), "got %v", err)
		})
	}

	debts, err := f.store.ListDebts(context.Background(), ledger.DebtFilter{})
	require.NoError(t, err)
	assert.Empty(t, debts)
}

func TestPostOrder_OneLiveDebtPerCustomer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.creditOrder(t, "100")

	// A second live debt for the same customer is refused by the store.
	err := f.store.CreateDebt(ctx, &ledger.Debt{ID: "dup", Owner: ana, Status: ledger.StatusPending})
	assert.ErrorIs(t, err, ledger.ErrDebtExists)

	debts, err := f.store.ListDebts(ctx, ledger.DebtFilter{CustomerID: ana.ID})
	require.NoError(t, err)
	require.Len(t, debts, 1)
	assert.Equal(t, first.Debt.ID, debts[0].ID)
}

func TestPostOrder_ReusedKeyForDifferentOrderConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.m.PostOrder(ctx, ledger.OrderIntake{
		OrderID: "order-1", Customer: ana, Total: money("100"), CreditMode: true, IdempotencyKey: "k",
	})
	require.NoError(t, err)

	tests := []struct {
		name    string
		id      ledger.OrderID
		total   string
		wantErr bool
	}{
		{"different order", "order-2", "25", true},
		{"different total", "", "25", true},
		{"same total resolves to the charged order", "", "100", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.m.PostOrder(ctx, ledger.OrderIntake{
				OrderID: tt.id, Customer: ana, Total: money(tt.total), CreditMode: true, IdempotencyKey: "k",
			})
			if tt.wantErr {
				assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, ledger.OrderID("order-1"), res.Order.ID)
		})
	}

	_, err = f.store.GetOrder(ctx, "order-2")
	assert.True(t, ledger.IsNotFound(err), "no order is saved for a rejected key")
	d, err := f.store.GetDebt(ctx, first.Debt.ID)
	require.NoError(t, err)
	assertDebt(t, d, "100", "100", ledger.StatusPending)
	assert.Len(t, d.Transactions, 1)
}

func TestPostOrder_RetryWithoutOrderIDReturnsSameOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := ledger.OrderIntake{Customer: ana, Total: money("60"), CreditMode: true, IdempotencyKey: "checkout-9"}

	first, err := f.m.PostOrder(ctx, in)
	require.NoError(t, err)
	again, err := f.m.PostOrder(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, first.Order.ID, again.Order.ID)
	assert.False(t, again.Created)
	assert.Len(t, again.Debt.Transactions, 1)
	assert.Equal(t, []ledger.TransactionType{ledger.TxCreation}, f.observer.recorded)
}

// flakyOrders fails SaveOrder inside store transactions: the first
// conflicts calls with a version conflict, every call when err is set.
type flakyOrders struct {
	*store.TxMemory
	conflicts int
	err       error
}

func (s *flakyOrders) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return s.TxMemory.WithTx(ctx, func(v ledger.Store) error {
		return fn(&flakyOrderView{Store: v, parent: s})
	})
}

type flakyOrderView struct {
	ledger.Store
	parent *flakyOrders
}

func (v *flakyOrderView) SaveOrder(ctx context.Context, o *ledger.Order) error {
	if v.parent.err != nil {
		return v.parent.err
	}
	if v.parent.conflicts > 0 {
		v.parent.conflicts--
		return ledger.ErrConcurrentModification
	}
	return v.Store.SaveOrder(ctx, o)
}

func TestPostOrder_ReportsTransactionsOnlyAfterCommit(t *testing.T) {
	ctx := context.Background()
	in := ledger.OrderIntake{OrderID: "order-1", Customer: ana, Total: money("100"), CreditMode: true}

	t.Run("rolled back attempt is not counted", func(t *testing.T) {
		obs := &countingObserver{}
		st := &flakyOrders{TxMemory: store.NewTxMemory(), conflicts: 2}
		m := ledger.NewMutator(st, ledger.WithObserver(obs), ledger.WithLogger(quietLogger()))

		res, err := m.PostOrder(ctx, in)

		require.NoError(t, err)
		assert.Len(t, res.Debt.Transactions, 1)
		assert.Equal(t, 2, obs.retries)
		assert.Equal(t, []ledger.TransactionType{ledger.TxCreation}, obs.recorded)
	})

	t.Run("failed write is not counted", func(t *testing.T) {
		obs := &countingObserver{}
		st := &flakyOrders{TxMemory: store.NewTxMemory(), err: errors.New("disk full")}
		m := ledger.NewMutator(st, ledger.WithObserver(obs), ledger.WithLogger(quietLogger()))

		_, err := m.PostOrder(ctx, in)

		require.Error(t, err)
		assert.Empty(t, obs.recorded)
		debts, err := st.ListDebts(ctx, ledger.DebtFilter{})
		require.NoError(t, err)
		assert.Empty(t, debts)
	})
}

// =============================================================================
// PRICE EDITS
// =============================================================================

func TestReconcile_DecreaseBeyondRemaining(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.creditOrder(t, "100")
	_, err := f.m.ApplyPayment(ctx, res.Debt.ID, money("70"), ledger.PaymentContext{})
	require.NoError(t, err)

	rec, err := f.m.ReconcileOrderPriceChange(ctx, ledger.OrderPriceChange{
		OrderID:  res.Order.ID,
		OldTotal: money("100"),
		NewTotal: money("20"),
		Discount: decimal.NewNullDecimal(money("80")),
	})

	require.NoError(t, err)
	assertMoney(t, "-80", rec.Difference, "difference")
	assertDebt(t, rec.Debt, "20", "0", ledger.StatusPaid)

	order, err := f.store.GetOrder(ctx, res.Order.ID)
	require.NoError(t, err)
	assertMoney(t, "20", order.TotalAmount, "order total")
	assertMoney(t, "80", order.Discount, "discount")
	assert.Equal(t, ledger.StatusPaid, order.DebtStatus)
}

func TestReconcile_ZeroDifferenceWritesNoTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.creditOrder(t, "100")

	rec, err := f.m.ReconcileOrderPriceChange(ctx, ledger.OrderPriceChange{
		OrderID:  res.Order.ID,
		OldTotal: money("100"),
		NewTotal: money("100"),
		Discount: decimal.NewNullDecimal(money("5")),
	})

	require.NoError(t, err)
	assert.Len(t, rec.Debt.Transactions, 1)
	order, err := f.store.GetOrder(ctx, res.Order.ID)
	require.NoError(t, err)
	assertMoney(t, "5", order.Discount, "discount")
}

func TestReconcile_MissingDebtWarnsAndCommitsOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.creditOrder(t, "100")
	require.NoError(t, f.m.DeleteDebt(ctx, res.Debt.ID))
	f.hook.Reset()

	rec, err := f.m.ReconcileOrderPriceChange(ctx, ledger.OrderPriceChange{
		OrderID:  res.Order.ID,
		OldTotal: money("100"),
		NewTotal: money("130"),
	})

	require.NoError(t, err)
	require.NotNil(t, rec.Warning)
	assert.Equal(t, res.Debt.ID, rec.Warning.DebtID)
	assert.Nil(t, rec.Debt)
	assert.Equal(t, 1, f.observer.inconsistencies)

	entry := f.hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, res.Order.ID, entry.Data["order_id"])

	order, err := f.store.GetOrder(ctx, res.Order.ID)
	require.NoError(t, err)
	assertMoney(t, "130", order.TotalAmount, "order total")
}

func TestReconcile_CancelledDebtWarns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.creditOrder(t, "100")
	_, err := f.m.CancelDebt(ctx, res.Debt.ID, "")
	require.NoError(t, err)

	rec, err := f.m.ReconcileOrderPriceChange(ctx, ledger.OrderPriceChange{
		OrderID:  res.Order.ID,
		OldTotal: money("100"),
		NewTotal: money("90"),
	})

	require.NoError(t, err)
	require.NotNil(t, rec.Warning)
	assert.Equal(t, ledger.StatusCancelled, rec.Order.DebtStatus)
	d, err := f.store.GetDebt(ctx, res.Debt.ID)
	require.NoError(t, err)
	assert.Len(t, d.Transactions, 1)
}

func TestReconcile_StaleOldTotalStillAppliesDelta(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.creditOrder(t, "100")

	rec, err := f.m.ReconcileOrderPriceChange(ctx, ledger.OrderPriceChange{
		OrderID:  res.Order.ID,
		OldTotal: money("90"),
		NewTotal: money("120"),
	})

	require.NoError(t, err)
	assertDebt(t, rec.Debt, "130", "130", ledger.StatusPending)
	var sawStale bool
	for _, e := range f.hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "price edit based on a stale order total" {
			sawStale = true
		}
	}
	assert.True(t, sawStale)
}

func TestReconcile_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.m.ReconcileOrderPriceChange(ctx, ledger.OrderPriceChange{OrderID: "nope", NewTotal: money("1")})
	assert.True(t, ledger.IsNotFound(err))

	_, err = f.m.ReconcileOrderPriceChange(ctx, ledger.OrderPriceChange{OrderID: "x", NewTotal: money("-1")})
	assert.True(t, ledger.IsClientError(err))
}

// =============================================================================
// AUDIT
// =============================================================================

func TestAudit_DetectsAndRepairsDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	healthy := f.creditOrder(t, "100")

	drifted := &ledger.Debt{
		ID:     "drifted",
		Owner:  ledger.Identity{ID: "cust-bob"},
		Amount: money("100"), Remaining: money("50"), Status: ledger.StatusPartial,
		Transactions: []ledger.Transaction{{
			ID: "t1", DebtID: "drifted", Sequence: 1, Type: ledger.TxCreation,
			Amount: money("100"), CreditMode: true, Owner: ledger.Identity{ID: "cust-bob"},
		}},
	}
	require.NoError(t, f.store.CreateDebt(ctx, drifted))

	report, err := f.m.Audit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	require.Len(t, report.Warnings, 1)
	assert.Equal(t, ledger.DebtID("drifted"), report.Warnings[0].DebtID)

	report, err = f.m.RepairAggregates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)

	fixed, err := f.store.GetDebt(ctx, "drifted")
	require.NoError(t, err)
	assertDebt(t, fixed, "100", "100", ledger.StatusPending)
	assert.Len(t, fixed.Transactions, 1, "repair never appends")

	report, err = f.m.Audit(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Warnings)

	untouched, err := f.store.GetDebt(ctx, healthy.Debt.ID)
	require.NoError(t, err)
	assert.Equal(t, healthy.Debt.Version, untouched.Version)
}
