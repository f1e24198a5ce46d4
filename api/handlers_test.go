/*
handlers_test.go - HTTP API tests

Tests for:
- Order intake, payments, credits and price edits over HTTP
- Error mapping (400/401/404/409/422)
- Operator resolution (JWT, headers, default)
- Audit endpoints and /metrics
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/storecredit/ledger"
	"github.com/warp/storecredit/ledger/store"
	"github.com/warp/storecredit/metrics"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testServer struct {
	router  http.Handler
	mutator *ledger.Mutator
	store   *store.TxMemory
}

func newTestServer(t *testing.T, opts RouterOptions, mopts ...ledger.Option) *testServer {
	t.Helper()
	log, _ := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	st := store.NewTxMemory()
	m := ledger.NewMutator(st, append([]ledger.Option{ledger.WithLogger(log)}, mopts...)...)
	return &testServer{
		router:  NewRouter(NewHandler(m, log), opts),
		mutator: m,
		store:   st,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (ts *testServer) postCreditOrder(t *testing.T, customer string, total float64) PostOrderResponse {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/orders", PostOrderRequest{
		Customer:    CustomerDTO{ID: customer, Name: "Ana", Email: customer + "@example.com"},
		TotalAmount: total,
		CreditMode:  true,
	})
	require.Contains(t, []int{http.StatusCreated, http.StatusOK}, rec.Code, rec.Body.String())
	return decode[PostOrderResponse](t, rec)
}

// =============================================================================
// ORDERS AND DEBTS
// =============================================================================

func TestCreditLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})

	// GIVEN: a credit order of 100
	first := ts.postCreditOrder(t, "cust-1", 100)
	assert.True(t, first.Created)
	assert.Equal(t, 100.0, first.Debt.Remaining)
	assert.Equal(t, "pending", first.Debt.Status)
	assert.Equal(t, first.Debt.ID, first.Order.DebtID)

	debtPath := "/api/debts/" + first.Debt.ID

	// WHEN: 40 is paid
	rec := ts.do(t, http.MethodPost, debtPath+"/payments", PaymentRequest{Amount: 40, PaymentMethod: "cash"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	pay := decode[MutationResponse](t, rec)
	assert.Equal(t, 60.0, pay.RemainingAmount)
	assert.Equal(t, "partial", pay.Status)

	// AND: a second credit order of 20 extends the same debt
	second := ts.postCreditOrder(t, "cust-1", 20)
	assert.False(t, second.Created)
	assert.Equal(t, first.Debt.ID, second.Debt.ID)
	assert.Equal(t, 80.0, second.Debt.Remaining)
	assert.Equal(t, 120.0, second.Debt.Amount)

	// THEN: history is most recent first with signed amounts
	rec = ts.do(t, http.MethodGet, debtPath, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	debt := decode[DebtDTO](t, rec)
	require.Len(t, debt.History, 3)
	assert.Equal(t, "addition", debt.History[0].Type)
	assert.Equal(t, 20.0, debt.History[0].Amount)
	assert.Equal(t, "payment", debt.History[1].Type)
	assert.Equal(t, -40.0, debt.History[1].Amount)
	assert.Equal(t, "creation", debt.History[2].Type)
	assert.Equal(t, "admin", debt.History[0].ProcessedBy)
}

func TestCashOrderIsPaid(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})

	rec := ts.do(t, http.MethodPost, "/api/orders", PostOrderRequest{
		Customer:      CustomerDTO{ID: "cust-cash"},
		TotalAmount:   50,
		PaymentMethod: "cash",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[PostOrderResponse](t, rec)
	assert.Equal(t, 50.0, res.Debt.Amount)
	assert.Equal(t, 0.0, res.Debt.Remaining)
	assert.Equal(t, "paid", res.Debt.Status)
	assert.Equal(t, "paid", res.Order.DebtStatus)
}

func TestGetOrder(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})
	posted := ts.postCreditOrder(t, "cust-1", 30)

	rec := ts.do(t, http.MethodGet, "/api/orders/"+posted.Order.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	o := decode[OrderDTO](t, rec)
	assert.Equal(t, 30.0, o.TotalAmount)
	assert.Equal(t, posted.Debt.ID, o.DebtID)

	rec = ts.do(t, http.MethodGet, "/api/orders/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEditOrderPriceClampsToPaid(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})
	posted := ts.postCreditOrder(t, "cust-1", 100)
	ts.do(t, http.MethodPost, "/api/debts/"+posted.Debt.ID+"/payments", PaymentRequest{Amount: 90})

	discount := 80.0
	rec := ts.do(t, http.MethodPut, "/api/orders/"+posted.Order.ID+"/price", EditPriceRequest{
		OldTotal: Float64(100),
		NewTotal: Float64(20),
		Discount: &discount,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[EditPriceResponse](t, rec)

	assert.Equal(t, -80.0, res.Difference)
	require.NotNil(t, res.Debt)
	assert.Equal(t, 20.0, res.Debt.Amount)
	assert.Equal(t, 0.0, res.Debt.Remaining)
	assert.Equal(t, "paid", res.Debt.Status)
	assert.Equal(t, "paid", res.Order.DebtStatus)
	assert.Equal(t, 80.0, res.Order.Discount)
	assert.Nil(t, res.Warning)
}

func TestEditOrderPriceWarnsOnDeletedDebt(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})
	posted := ts.postCreditOrder(t, "cust-1", 100)

	rec := ts.do(t, http.MethodDelete, "/api/debts/"+posted.Debt.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodPut, "/api/orders/"+posted.Order.ID+"/price", EditPriceRequest{OldTotal: Float64(100), NewTotal: Float64(120)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[EditPriceResponse](t, rec)
	assert.Nil(t, res.Debt)
	require.NotNil(t, res.Warning)
	assert.Equal(t, posted.Order.ID, res.Warning.OrderID)
	assert.Equal(t, 120.0, res.Order.TotalAmount, "order update is still committed")
}

func TestEditOrderPriceRequiresBothTotals(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})
	posted := ts.postCreditOrder(t, "cust-1", 100)
	path := "/api/orders/" + posted.Order.ID + "/price"

	for field, body := range map[string]map[string]any{
		"old_total": {"new_total": 120},
		"new_total": {"old_total": 100},
	} {
		rec := ts.do(t, http.MethodPut, path, body)
		require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		res := decode[ErrorResponse](t, rec)
		assert.Equal(t, "validation", res.Code)
		assert.Contains(t, res.Error, field)
	}

	// Nothing was written: the order and its debt are unchanged.
	o := decode[OrderDTO](t, ts.do(t, http.MethodGet, "/api/orders/"+posted.Order.ID, nil))
	assert.Equal(t, 100.0, o.TotalAmount)
	debt := decode[DebtDTO](t, ts.do(t, http.MethodGet, "/api/debts/"+posted.Debt.ID, nil))
	assert.Equal(t, 100.0, debt.Amount)
	assert.Len(t, debt.History, 1)
}

func TestPostOrderReusedKeyConflicts(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})
	order := func(id string, total float64) *httptest.ResponseRecorder {
		return ts.do(t, http.MethodPost, "/api/orders", PostOrderRequest{
			OrderID:        id,
			Customer:       CustomerDTO{ID: "cust-1"},
			TotalAmount:    total,
			CreditMode:     true,
			IdempotencyKey: "checkout-1",
		})
	}

	rec := order("order-1", 100)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	debtID := decode[PostOrderResponse](t, rec).Debt.ID

	rec = order("order-2", 25)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Equal(t, "duplicate_idempotency_key", decode[ErrorResponse](t, rec).Code)

	rec = ts.do(t, http.MethodGet, "/api/orders/order-2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	debt := decode[DebtDTO](t, ts.do(t, http.MethodGet, "/api/debts/"+debtID, nil))
	assert.Equal(t, 100.0, debt.Amount)
	assert.Len(t, debt.History, 1)
}

func TestCreditAndAdjustment(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})
	posted := ts.postCreditOrder(t, "cust-1", 50)
	path := "/api/debts/" + posted.Debt.ID

	rec := ts.do(t, http.MethodPost, path+"/credits", CreditRequest{Amount: 25})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 75.0, decode[MutationResponse](t, rec).RemainingAmount)

	rec = ts.do(t, http.MethodPost, path+"/adjustments", AdjustmentRequest{Delta: -100, Note: "write-off"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	adj := decode[MutationResponse](t, rec)
	assert.Equal(t, 0.0, adj.Amount)
	assert.Equal(t, 0.0, adj.RemainingAmount)
	assert.Equal(t, "paid", adj.Status)

	rec = ts.do(t, http.MethodPost, path+"/adjustments", AdjustmentRequest{Delta: 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIdempotentPaymentOverHTTP(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})
	posted := ts.postCreditOrder(t, "cust-1", 100)
	path := "/api/debts/" + posted.Debt.ID + "/payments"

	for i := 0; i < 3; i++ {
		rec := ts.do(t, http.MethodPost, path, PaymentRequest{Amount: 10, IdempotencyKey: "pay-1"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 90.0, decode[MutationResponse](t, rec).RemainingAmount)
	}
}

func TestCancelAndList(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})
	a := ts.postCreditOrder(t, "cust-a", 10)
	ts.postCreditOrder(t, "cust-b", 20)

	rec := ts.do(t, http.MethodPost, "/api/debts/"+a.Debt.ID+"/cancel", CancelRequest{Note: "dispute"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "cancelled", decode[MutationResponse](t, rec).Status)

	rec = ts.do(t, http.MethodPost, "/api/debts/"+a.Debt.ID+"/payments", PaymentRequest{Amount: 5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "debt_cancelled", decode[ErrorResponse](t, rec).Code)

	rec = ts.do(t, http.MethodGet, "/api/debts?status=pending,partial", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	live := decode[[]DebtDTO](t, rec)
	require.Len(t, live, 1)
	assert.Equal(t, "cust-b", live[0].Customer.ID)

	rec = ts.do(t, http.MethodGet, "/api/debts?email=cust-a@example.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]DebtDTO](t, rec), 1)

	rec = ts.do(t, http.MethodGet, "/api/debts?status=overdue", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestErrorResponses(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})
	posted := ts.postCreditOrder(t, "cust-1", 100)
	path := "/api/debts/" + posted.Debt.ID

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"overpayment", http.MethodPost, path + "/payments", PaymentRequest{Amount: 150}, http.StatusUnprocessableEntity, "insufficient_balance"},
		{"zero payment", http.MethodPost, path + "/payments", PaymentRequest{Amount: 0}, http.StatusBadRequest, "validation"},
		{"unknown debt", http.MethodPost, "/api/debts/nope/payments", PaymentRequest{Amount: 1}, http.StatusNotFound, "not_found"},
		{"unknown field", http.MethodPost, path + "/payments", map[string]any{"amount": 1, "bogus": true}, http.StatusBadRequest, "invalid_request"},
		{"missing customer", http.MethodPost, "/api/orders", PostOrderRequest{TotalAmount: 10}, http.StatusBadRequest, "validation"},
		{"negative total", http.MethodPost, "/api/orders", PostOrderRequest{Customer: CustomerDTO{ID: "x"}, TotalAmount: -1}, http.StatusBadRequest, "validation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Code)
		})
	}

	// No partial success: the rejected overpayment left nothing behind.
	rec := ts.do(t, http.MethodGet, path, nil)
	debt := decode[DebtDTO](t, rec)
	assert.Len(t, debt.History, 1)
	assert.Equal(t, 100.0, debt.Remaining)
}

func TestErrorStatusTable(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{&ledger.InsufficientBalanceError{}, http.StatusUnprocessableEntity, "insufficient_balance"},
		{&ledger.DebtCancelledError{}, http.StatusBadRequest, "debt_cancelled"},
		{&ledger.ValidationError{Field: "amount"}, http.StatusBadRequest, "validation"},
		{&ledger.NotFoundError{Kind: "debt"}, http.StatusNotFound, "not_found"},
		{ledger.ErrConcurrentModification, http.StatusConflict, "conflict"},
		{ledger.ErrDebtExists, http.StatusConflict, "conflict"},
		{ledger.ErrDuplicateIdempotencyKey, http.StatusConflict, "duplicate_idempotency_key"},
		{&ledger.PersistenceError{Op: "x", Err: assert.AnError}, http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		status, code := errorStatus(tt.err)
		assert.Equal(t, tt.status, status, "%v", tt.err)
		assert.Equal(t, tt.code, code, "%v", tt.err)
	}
}

// =============================================================================
// OPERATOR IDENTIFICATION
// =============================================================================

func TestOperatorFromJWT(t *testing.T) {
	const secret = "test-secret"
	ts := newTestServer(t, RouterOptions{JWTSecret: secret})

	rec := ts.do(t, http.MethodGet, "/api/debts", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/debts", nil, "Authorization", "Bearer not-a-token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := IssueOperatorToken(secret, ledger.Operator{ID: "op-7", Name: "Rita"}, time.Hour)
	require.NoError(t, err)
	auth := []string{"Authorization", "Bearer " + token}

	rec = ts.do(t, http.MethodPost, "/api/orders", PostOrderRequest{
		Customer:    CustomerDTO{ID: "cust-1"},
		TotalAmount: 10,
		CreditMode:  true,
	}, auth...)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	posted := decode[PostOrderResponse](t, rec)

	rec = ts.do(t, http.MethodGet, "/api/debts/"+posted.Debt.ID, nil, auth...)
	require.Equal(t, http.StatusOK, rec.Code)
	debt := decode[DebtDTO](t, rec)
	require.Len(t, debt.History, 1)
	assert.Equal(t, "op-7", debt.History[0].ProcessedBy)
	assert.Equal(t, "Rita", debt.History[0].ProcessedByName)
	assert.Equal(t, "cust-1", debt.Customer.ID, "operator never becomes the owner")
}

func TestOperatorTokenWrongSecret(t *testing.T) {
	token, err := IssueOperatorToken("one", ledger.Operator{ID: "op"}, time.Hour)
	require.NoError(t, err)
	_, err = ParseOperatorToken("two", token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := IssueOperatorToken("one", ledger.Operator{ID: "op"}, -time.Minute)
	require.NoError(t, err)
	_, err = ParseOperatorToken("one", expired)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestOperatorFromHeaders(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})
	posted := ts.postCreditOrder(t, "cust-1", 10)

	rec := ts.do(t, http.MethodPost, "/api/debts/"+posted.Debt.ID+"/payments", PaymentRequest{Amount: 5},
		"X-Operator-ID", "cashier-2", "X-Operator-Name", "Bo")
	require.Equal(t, http.StatusOK, rec.Code)

	debt := decode[DebtDTO](t, ts.do(t, http.MethodGet, "/api/debts/"+posted.Debt.ID, nil))
	assert.Equal(t, "cashier-2", debt.History[0].ProcessedBy)
	assert.Equal(t, "Bo", debt.History[0].ProcessedByName)
	assert.Equal(t, "admin", debt.History[1].ProcessedBy)
}

// =============================================================================
// ADMIN, HEALTH, METRICS
// =============================================================================

func TestAuditEndpoints(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})
	posted := ts.postCreditOrder(t, "cust-1", 100)

	// Corrupt the stored aggregates without touching the log.
	ctx := context.Background()
	d, err := ts.store.GetDebt(ctx, ledger.DebtID(posted.Debt.ID))
	require.NoError(t, err)
	d.Remaining = decimal.NewFromInt(50)
	require.NoError(t, ts.store.UpdateDebt(ctx, d, d.Version))

	rec := ts.do(t, http.MethodGet, "/api/admin/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[AuditReportDTO](t, rec)
	assert.Equal(t, 1, report.Checked)
	require.Len(t, report.Warnings, 1)
	assert.Equal(t, 50.0, report.Warnings[0].StoredRemaining)
	assert.Equal(t, 100.0, report.Warnings[0].ReplayedRemaining)

	rec = ts.do(t, http.MethodPost, "/api/admin/audit/repair", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[AuditReportDTO](t, rec).Repaired)

	rec = ts.do(t, http.MethodGet, "/api/admin/audit", nil)
	assert.Empty(t, decode[AuditReportDTO](t, rec).Warnings)
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(_ context.Context) error { return p.err }

func TestHealth(t *testing.T) {
	ts := newTestServer(t, RouterOptions{Pinger: fakePinger{}})
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", nil).Code)

	ts = newTestServer(t, RouterOptions{Pinger: fakePinger{err: assert.AnError}})
	assert.Equal(t, http.StatusServiceUnavailable, ts.do(t, http.MethodGet, "/health", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	ts := newTestServer(t, RouterOptions{Gatherer: reg}, ledger.WithObserver(metrics.New(reg)))

	posted := ts.postCreditOrder(t, "cust-1", 10)
	ts.do(t, http.MethodPost, "/api/debts/"+posted.Debt.ID+"/payments", PaymentRequest{Amount: 50})

	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `storecredit_transactions_total{type="creation"} 1`), body)
	assert.True(t, strings.Contains(body, `storecredit_mutations_rejected_total{op="payment",reason="insufficient_balance"} 1`), body)
}
