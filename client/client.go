// Package client is a Go SDK for the store-credit HTTP API.
//
// Requests are retried on network errors and 5xx responses. Every write
// carries an idempotency key, generated when the caller leaves it empty, so
// a retried payment or order is applied at most once.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	log "github.com/sirupsen/logrus"

	"github.com/warp/storecredit/api"
	"github.com/warp/storecredit/ledger"
)

type RetryConfig struct {
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
}

var DefaultRetryConfig = RetryConfig{
	MaxRetries:      3,
	MinRetryBackoff: 100 * time.Millisecond,
	MaxRetryBackoff: 2 * time.Second,
}

type Config struct {
	BaseURL string
	// Token is sent as a bearer token when set.
	Token string
	// OperatorID and OperatorName are sent as headers when Token is empty.
	OperatorID   string
	OperatorName string
	Retry        RetryConfig
}

type Client struct {
	base    *url.URL
	client  *http.Client
	headers map[string]string
}

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", cfg.BaseURL)
	}

	retry := cfg.Retry
	if retry == (RetryConfig{}) {
		retry = DefaultRetryConfig
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = retry.MaxRetries
	rc.RetryWaitMin = retry.MinRetryBackoff
	rc.RetryWaitMax = retry.MaxRetryBackoff
	rc.Logger = nil
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt != 0 {
			log.WithField("url", req.URL.String()).Warnf("retrying request (attempt %d)", attempt)
		}
	}
	// Hand 4xx/5xx bodies back to the caller instead of a generic error.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	headers := map[string]string{
		"Accept":       "application/json",
		"Content-Type": "application/json",
	}
	switch {
	case cfg.Token != "":
		headers["Authorization"] = "Bearer " + cfg.Token
	case cfg.OperatorID != "":
		headers["X-Operator-ID"] = cfg.OperatorID
		if cfg.OperatorName != "" {
			headers["X-Operator-Name"] = cfg.OperatorName
		}
	}

	return &Client{base: base, client: rc.StandardClient(), headers: headers}, nil
}

// =============================================================================
// ORDERS
// =============================================================================

// PostOrder posts an order. The order ID and idempotency key are generated
// when empty so a retried request resolves to the same order.
func (c *Client) PostOrder(ctx context.Context, req api.PostOrderRequest) (*api.PostOrderResponse, error) {
	if req.OrderID == "" {
		req.OrderID = uuid.NewString()
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	var res api.PostOrderResponse
	if err := c.do(ctx, http.MethodPost, c.join("api", "orders"), req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) GetOrder(ctx context.Context, id string) (*api.OrderDTO, error) {
	var res api.OrderDTO
	if err := c.do(ctx, http.MethodGet, c.join("api", "orders", id), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) EditOrderPrice(ctx context.Context, id string, req api.EditPriceRequest) (*api.EditPriceResponse, error) {
	var res api.EditPriceResponse
	if err := c.do(ctx, http.MethodPut, c.join("api", "orders", id, "price"), req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// =============================================================================
// DEBTS
// =============================================================================

type DebtQuery struct {
	CustomerID string
	Email      string
	Statuses   []string
}

func (c *Client) ListDebts(ctx context.Context, q DebtQuery) ([]api.DebtDTO, error) {
	u := c.join("api", "debts")
	v := url.Values{}
	if q.CustomerID != "" {
		v.Set("customer_id", q.CustomerID)
	}
	if q.Email != "" {
		v.Set("email", q.Email)
	}
	if len(q.Statuses) > 0 {
		v.Set("status", strings.Join(q.Statuses, ","))
	}
	if len(v) > 0 {
		u += "?" + v.Encode()
	}

	var res []api.DebtDTO
	if err := c.do(ctx, http.MethodGet, u, nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) GetDebt(ctx context.Context, id string) (*api.DebtDTO, error) {
	var res api.DebtDTO
	if err := c.do(ctx, http.MethodGet, c.join("api", "debts", id), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) RecordPayment(ctx context.Context, debtID string, req api.PaymentRequest) (*api.MutationResponse, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	return c.mutate(ctx, c.join("api", "debts", debtID, "payments"), req)
}

func (c *Client) AddCredit(ctx context.Context, debtID string, req api.CreditRequest) (*api.MutationResponse, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	return c.mutate(ctx, c.join("api", "debts", debtID, "credits"), req)
}

func (c *Client) AdjustDebt(ctx context.Context, debtID string, req api.AdjustmentRequest) (*api.MutationResponse, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	return c.mutate(ctx, c.join("api", "debts", debtID, "adjustments"), req)
}

func (c *Client) mutate(ctx context.Context, u string, body any) (*api.MutationResponse, error) {
	var res api.MutationResponse
	if err := c.do(ctx, http.MethodPost, u, body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// =============================================================================
// TRANSPORT
// =============================================================================

// Error is a non-2xx response. It matches the ledger sentinel errors, so
// callers can use errors.Is(err, ledger.ErrInsufficientBalance).
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("storecredit: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

func (e *Error) Is(target error) bool {
	switch e.Code {
	case "insufficient_balance":
		return target == ledger.ErrInsufficientBalance || target == ledger.ErrValidation
	case "debt_cancelled":
		return target == ledger.ErrDebtCancelled || target == ledger.ErrValidation
	case "validation", "invalid_request":
		return target == ledger.ErrValidation
	case "not_found":
		return target == ledger.ErrNotFound
	case "duplicate_idempotency_key":
		return target == ledger.ErrDuplicateIdempotencyKey
	case "conflict":
		return target == ledger.ErrConcurrentModification
	}
	return false
}

func (c *Client) join(parts ...string) string {
	u := *c.base
	u.Path = path.Join(append([]string{u.Path}, parts...)...)
	return u.String()
}

func (c *Client) do(ctx context.Context, method, u string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, u, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &Error{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var er api.ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Code != "" {
			apiErr.Code = er.Code
			apiErr.Message = er.Error
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsRetryable reports whether err is a conflict worth retrying with the
// same idempotency key.
func IsRetryable(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Code == "conflict"
}
