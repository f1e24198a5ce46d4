/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Money is exchanged as
  JSON numbers and converted to decimals at the boundary; the ledger never
  sees a float.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Orders:       OrderDTO, OrderItemDTO, PostOrderRequest, PostOrderResponse,
                EditPriceRequest, EditPriceResponse
  Debts:        DebtDTO, TransactionDTO
  Mutations:    PaymentRequest, CreditRequest, AdjustmentRequest, CancelRequest,
                MutationResponse
  Admin:        AuditReportDTO, InconsistencyDTO

SEE ALSO:
  - handlers.go: Uses these types
  - client/client.go: Sends and decodes the same shapes
*/
package api

import (
	"time"

	"github.com/warp/storecredit/ledger"
)

// =============================================================================
// ORDERS
// =============================================================================

type OrderItemDTO struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name"`
	Price     float64 `json:"price"`
	Quantity  int     `json:"quantity"`
}

type OrderDTO struct {
	ID             string         `json:"id"`
	CustomerID     string         `json:"customer_id"`
	TotalAmount    float64        `json:"total_amount"`
	OriginalAmount float64        `json:"original_amount"`
	Discount       float64        `json:"discount"`
	Items          []OrderItemDTO `json:"items"`
	CreditMode     bool           `json:"credit_mode"`
	PaymentMethod  string         `json:"payment_method,omitempty"`
	DebtID         string         `json:"debt_id,omitempty"`
	DebtStatus     string         `json:"debt_status,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

type CustomerDTO struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// PostOrderRequest is the body of POST /api/orders.
type PostOrderRequest struct {
	OrderID        string         `json:"order_id,omitempty"`
	Customer       CustomerDTO    `json:"customer"`
	TotalAmount    float64        `json:"total_amount"`
	OriginalAmount float64        `json:"original_amount,omitempty"`
	Discount       float64        `json:"discount,omitempty"`
	Items          []OrderItemDTO `json:"items,omitempty"`
	CreditMode     bool           `json:"credit_mode"`
	PaymentMethod  string         `json:"payment_method,omitempty"`
	Note           string         `json:"note,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

type PostOrderResponse struct {
	Order   OrderDTO `json:"order"`
	Debt    DebtDTO  `json:"debt"`
	Created bool     `json:"created"`
}

// EditPriceRequest is the body of PUT /api/orders/{id}/price.
//
// Both totals are required; a missing total is not read as zero.
type EditPriceRequest struct {
	OldTotal *float64 `json:"old_total"`
	NewTotal *float64 `json:"new_total"`
	Discount *float64 `json:"discount,omitempty"`
	Note     string   `json:"note,omitempty"`
}

// Float64 returns a pointer to v, for the pointer fields of requests.
func Float64(v float64) *float64 { return &v }

type EditPriceResponse struct {
	Order      OrderDTO          `json:"order"`
	Debt       *DebtDTO          `json:"debt,omitempty"`
	Difference float64           `json:"difference"`
	Warning    *InconsistencyDTO `json:"warning,omitempty"`
}

// =============================================================================
// DEBTS
// =============================================================================

type DebtDTO struct {
	ID          string           `json:"id"`
	Customer    CustomerDTO      `json:"customer"`
	OrderID     string           `json:"order_id,omitempty"`
	Amount      float64          `json:"amount"`
	Remaining   float64          `json:"remaining"`
	Status      string           `json:"status"`
	Version     int64            `json:"version"`
	CreatedAt   time.Time        `json:"created_at"`
	LastUpdated time.Time        `json:"last_updated"`
	History     []TransactionDTO `json:"history,omitempty"`
}

// TransactionDTO is one history line. Amount is signed: payments and
// decreasing adjustments are negative.
type TransactionDTO struct {
	ID              string    `json:"id"`
	Sequence        int       `json:"sequence"`
	Type            string    `json:"type"`
	Amount          float64   `json:"amount"`
	CreditMode      bool      `json:"credit_mode,omitempty"`
	Date            time.Time `json:"date"`
	OrderID         string    `json:"order_id,omitempty"`
	Note            string    `json:"note,omitempty"`
	PaymentMethod   string    `json:"payment_method,omitempty"`
	Discount        float64   `json:"discount,omitempty"`
	ProcessedBy     string    `json:"processed_by"`
	ProcessedByName string    `json:"processed_by_name,omitempty"`
}

type PaymentRequest struct {
	Amount         float64 `json:"amount"`
	PaymentMethod  string  `json:"payment_method,omitempty"`
	Note           string  `json:"note,omitempty"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
}

type CreditRequest struct {
	Amount         float64 `json:"amount"`
	Note           string  `json:"note,omitempty"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
}

// AdjustmentRequest carries a signed delta.
type AdjustmentRequest struct {
	Delta          float64 `json:"delta"`
	OrderID        string  `json:"order_id,omitempty"`
	Note           string  `json:"note,omitempty"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
}

type CancelRequest struct {
	Note string `json:"note,omitempty"`
}

// MutationResponse is returned by every write against a single debt.
type MutationResponse struct {
	DebtID          string  `json:"debt_id"`
	Amount          float64 `json:"amount"`
	RemainingAmount float64 `json:"remaining_amount"`
	Status          string  `json:"status"`
	Version         int64   `json:"version"`
}

// =============================================================================
// ADMIN
// =============================================================================

type InconsistencyDTO struct {
	DebtID            string  `json:"debt_id,omitempty"`
	OrderID           string  `json:"order_id,omitempty"`
	Reason            string  `json:"reason"`
	StoredAmount      float64 `json:"stored_amount"`
	StoredRemaining   float64 `json:"stored_remaining"`
	ReplayedAmount    float64 `json:"replayed_amount"`
	ReplayedRemaining float64 `json:"replayed_remaining"`
}

type AuditReportDTO struct {
	Checked  int                `json:"checked"`
	Repaired int                `json:"repaired"`
	Warnings []InconsistencyDTO `json:"warnings"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toCustomerDTO(id ledger.Identity) CustomerDTO {
	return CustomerDTO{ID: string(id.ID), Name: id.Name, Email: id.Email}
}

func toDebtDTO(d *ledger.Debt, withHistory bool) DebtDTO {
	dto := DebtDTO{
		ID:          string(d.ID),
		Customer:    toCustomerDTO(d.Owner),
		OrderID:     string(d.OrderID),
		Amount:      d.Amount.InexactFloat64(),
		Remaining:   d.Remaining.InexactFloat64(),
		Status:      string(d.Status),
		Version:     d.Version,
		CreatedAt:   d.CreatedAt,
		LastUpdated: d.LastUpdated,
	}
	if withHistory {
		history := d.History()
		dto.History = make([]TransactionDTO, 0, len(history))
		for _, tx := range history {
			dto.History = append(dto.History, toTransactionDTO(tx))
		}
	}
	return dto
}

func toMutationResponse(d *ledger.Debt) MutationResponse {
	return MutationResponse{
		DebtID:          string(d.ID),
		Amount:          d.Amount.InexactFloat64(),
		RemainingAmount: d.Remaining.InexactFloat64(),
		Status:          string(d.Status),
		Version:         d.Version,
	}
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:              string(tx.ID),
		Sequence:        tx.Sequence,
		Type:            string(tx.Type),
		Amount:          tx.Signed().InexactFloat64(),
		CreditMode:      tx.CreditMode,
		Date:            tx.Date,
		OrderID:         string(tx.OrderID),
		Note:            tx.Note,
		PaymentMethod:   tx.PaymentMethod,
		Discount:        tx.Discount.InexactFloat64(),
		ProcessedBy:     tx.ProcessedBy,
		ProcessedByName: tx.ProcessedByName,
	}
}

func toOrderDTO(o *ledger.Order) OrderDTO {
	items := make([]OrderItemDTO, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, OrderItemDTO{
			ProductID: it.ProductID,
			Name:      it.Name,
			Price:     it.Price.InexactFloat64(),
			Quantity:  it.Quantity,
		})
	}
	return OrderDTO{
		ID:             string(o.ID),
		CustomerID:     string(o.CustomerID),
		TotalAmount:    o.TotalAmount.InexactFloat64(),
		OriginalAmount: o.OriginalAmount.InexactFloat64(),
		Discount:       o.Discount.InexactFloat64(),
		Items:          items,
		CreditMode:     o.CreditMode,
		PaymentMethod:  o.PaymentMethod,
		DebtID:         string(o.DebtID),
		DebtStatus:     string(o.DebtStatus),
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}
}

func toInconsistencyDTO(w *ledger.InconsistencyWarning) InconsistencyDTO {
	return InconsistencyDTO{
		DebtID:            string(w.DebtID),
		OrderID:           string(w.OrderID),
		Reason:            w.Reason,
		StoredAmount:      w.Stored.Amount.InexactFloat64(),
		StoredRemaining:   w.Stored.Remaining.InexactFloat64(),
		ReplayedAmount:    w.Replayed.Amount.InexactFloat64(),
		ReplayedRemaining: w.Replayed.Remaining.InexactFloat64(),
	}
}

func toAuditReportDTO(r *ledger.AuditReport) AuditReportDTO {
	dto := AuditReportDTO{
		Checked:  r.Checked,
		Repaired: r.Repaired,
		Warnings: make([]InconsistencyDTO, 0, len(r.Warnings)),
	}
	for _, w := range r.Warnings {
		dto.Warnings = append(dto.Warnings, toInconsistencyDTO(w))
	}
	return dto
}
