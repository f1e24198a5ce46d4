/*
handlers.go - HTTP API handlers for the store-credit ledger

PURPOSE:
  Exposes the debt ledger via REST API. Handles HTTP request/response,
  JSON serialization, float/decimal conversion, and delegates to the
  ledger Mutator.

ENDPOINTS:
  Orders:
    POST   /api/orders                   Post an order (creates or extends a debt)
    GET    /api/orders/{id}              Get order
    PUT    /api/orders/{id}/price        Edit order price (reconciles the debt)

  Debts:
    GET    /api/debts                    List debts (?customer_id=&email=&status=)
    GET    /api/debts/{id}               Debt with history, most recent first
    POST   /api/debts/{id}/payments      Record a payment
    POST   /api/debts/{id}/credits       Add manual credit
    POST   /api/debts/{id}/adjustments   Signed correction
    POST   /api/debts/{id}/cancel        Cancel (admin)
    DELETE /api/debts/{id}               Delete with history (admin)

  Admin:
    GET    /api/admin/audit              Replay audit, read only
    POST   /api/admin/audit/repair       Rewrite drifted aggregates

ERROR HANDLING:
  Errors are returned as {"error": ..., "code": ...}:
  - 400: Validation errors, invalid input, cancelled debt
  - 401: Missing or invalid operator token
  - 404: Debt or order not found
  - 409: Write conflict, live debt exists, idempotency key reused
  - 422: Payment exceeds remaining balance
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Operator middleware
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/storecredit/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Mutator *ledger.Mutator
	Log     logrus.FieldLogger
}

// NewHandler creates a new handler around m.
func NewHandler(m *ledger.Mutator, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{Mutator: m, Log: log}
}

func (h *Handler) store() ledger.Store {
	return h.Mutator.Store()
}

// =============================================================================
// ORDER ENDPOINTS
// =============================================================================

func (h *Handler) PostOrder(w http.ResponseWriter, r *http.Request) {
	var req PostOrderRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	in, err := toOrderIntake(req)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	res, err := h.Mutator.PostOrder(r.Context(), in)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, PostOrderResponse{
		Order:   toOrderDTO(res.Order),
		Debt:    toDebtDTO(res.Debt, false),
		Created: res.Created,
	})
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := ledger.OrderID(chi.URLParam(r, "id"))
	o, err := h.store().GetOrder(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(o))
}

func (h *Handler) EditOrderPrice(w http.ResponseWriter, r *http.Request) {
	var req EditPriceRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ch := ledger.OrderPriceChange{
		OrderID: ledger.OrderID(chi.URLParam(r, "id")),
		Note:    req.Note,
	}
	var err error
	if ch.OldTotal, err = requiredAmount("old_total", req.OldTotal); err != nil {
		h.writeLedgerError(w, err)
		return
	}
	if ch.NewTotal, err = requiredAmount("new_total", req.NewTotal); err != nil {
		h.writeLedgerError(w, err)
		return
	}
	if req.Discount != nil {
		d, err := ledger.AmountFromFloat("discount", *req.Discount)
		if err != nil {
			h.writeLedgerError(w, err)
			return
		}
		ch.Discount = decimal.NewNullDecimal(d)
	}

	res, err := h.Mutator.ReconcileOrderPriceChange(r.Context(), ch)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	resp := EditPriceResponse{
		Order:      toOrderDTO(res.Order),
		Difference: res.Difference.InexactFloat64(),
	}
	if res.Debt != nil {
		d := toDebtDTO(res.Debt, false)
		resp.Debt = &d
	}
	if res.Warning != nil {
		warn := toInconsistencyDTO(res.Warning)
		resp.Warning = &warn
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// DEBT ENDPOINTS
// =============================================================================

func (h *Handler) ListDebts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.DebtFilter{
		CustomerID: ledger.CustomerID(q.Get("customer_id")),
		Email:      q.Get("email"),
	}
	for _, raw := range q["status"] {
		for _, part := range strings.Split(raw, ",") {
			if part == "" {
				continue
			}
			s, err := ledger.ParseStatus(part)
			if err != nil {
				h.writeLedgerError(w, err)
				return
			}
			filter.Statuses = append(filter.Statuses, s)
		}
	}

	debts, err := h.store().ListDebts(r.Context(), filter)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	result := make([]DebtDTO, 0, len(debts))
	for _, d := range debts {
		result = append(result, toDebtDTO(d, false))
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) GetDebt(w http.ResponseWriter, r *http.Request) {
	d, err := h.store().GetDebt(r.Context(), debtIDParam(r))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDebtDTO(d, true))
}

func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	amount, err := ledger.AmountFromFloat("amount", req.Amount)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	d, err := h.Mutator.ApplyPayment(r.Context(), debtIDParam(r), amount, ledger.PaymentContext{
		Note:           req.Note,
		PaymentMethod:  req.PaymentMethod,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMutationResponse(d))
}

func (h *Handler) AddCredit(w http.ResponseWriter, r *http.Request) {
	var req CreditRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	amount, err := ledger.AmountFromFloat("amount", req.Amount)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	d, err := h.Mutator.ApplyCredit(r.Context(), debtIDParam(r), amount, ledger.CreditContext{
		Note:           req.Note,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMutationResponse(d))
}

func (h *Handler) AdjustDebt(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	delta, err := ledger.AmountFromFloat("delta", req.Delta)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	d, err := h.Mutator.ApplyAdjustment(r.Context(), debtIDParam(r), delta, ledger.AdjustmentContext{
		OrderID:        ledger.OrderID(req.OrderID),
		Note:           req.Note,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMutationResponse(d))
}

func (h *Handler) CancelDebt(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	d, err := h.Mutator.CancelDebt(r.Context(), debtIDParam(r), req.Note)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMutationResponse(d))
}

func (h *Handler) DeleteDebt(w http.ResponseWriter, r *http.Request) {
	if err := h.Mutator.DeleteDebt(r.Context(), debtIDParam(r)); err != nil {
		h.writeLedgerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	report, err := h.Mutator.Audit(r.Context())
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditReportDTO(report))
}

func (h *Handler) RepairAggregates(w http.ResponseWriter, r *http.Request) {
	report, err := h.Mutator.RepairAggregates(r.Context())
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	h.Log.WithFields(logrus.Fields{
		"checked":  report.Checked,
		"repaired": report.Repaired,
		"operator": ledger.OperatorFromContext(r.Context()).ID,
	}).Info("aggregate repair requested over API")
	writeJSON(w, http.StatusOK, toAuditReportDTO(report))
}

// =============================================================================
// HELPERS
// =============================================================================

func debtIDParam(r *http.Request) ledger.DebtID {
	return ledger.DebtID(chi.URLParam(r, "id"))
}

func toOrderIntake(req PostOrderRequest) (ledger.OrderIntake, error) {
	in := ledger.OrderIntake{
		OrderID: ledger.OrderID(req.OrderID),
		Customer: ledger.Identity{
			ID:    ledger.CustomerID(req.Customer.ID),
			Name:  req.Customer.Name,
			Email: req.Customer.Email,
		},
		CreditMode:     req.CreditMode,
		PaymentMethod:  req.PaymentMethod,
		Note:           req.Note,
		IdempotencyKey: req.IdempotencyKey,
	}

	var err error
	if in.Total, err = ledger.AmountFromFloat("total_amount", req.TotalAmount); err != nil {
		return in, err
	}
	if req.OriginalAmount != 0 {
		if in.OriginalAmount, err = ledger.AmountFromFloat("original_amount", req.OriginalAmount); err != nil {
			return in, err
		}
	}
	if in.Discount, err = ledger.AmountFromFloat("discount", req.Discount); err != nil {
		return in, err
	}
	for _, it := range req.Items {
		price, err := ledger.AmountFromFloat("items.price", it.Price)
		if err != nil {
			return in, err
		}
		in.Items = append(in.Items, ledger.OrderItem{
			ProductID: it.ProductID,
			Name:      it.Name,
			Price:     price,
			Quantity:  it.Quantity,
		})
	}
	return in, nil
}

// decodeJSON reads the request body into dst, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err)
		return false
	}
	return true
}

func requiredAmount(field string, v *float64) (decimal.Decimal, error) {
	if v == nil {
		return decimal.Zero, &ledger.ValidationError{Field: field, Reason: "required"}
	}
	return ledger.AmountFromFloat(field, *v)
}

// errorStatus maps a ledger error to its HTTP status and error code.
// Order matters: insufficient balance and cancelled debts are also
// validation errors.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "insufficient_balance"
	case errors.Is(err, ledger.ErrDebtCancelled):
		return http.StatusBadRequest, "debt_cancelled"
	case ledger.IsClientError(err):
		return http.StatusBadRequest, "validation"
	case ledger.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
		return http.StatusConflict, "duplicate_idempotency_key"
	case ledger.IsConflict(err):
		return http.StatusConflict, "conflict"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *Handler) writeLedgerError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.Log.WithError(err).Error("request failed")
		writeError(w, status, code, errors.New("internal error"))
		return
	}
	writeError(w, status, code, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	resp := ErrorResponse{Code: code, Error: http.StatusText(status)}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, status, resp)
}
