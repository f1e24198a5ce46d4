/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify errors with errors.Is against the sentinels, or with
  the helpers at the bottom of this file.

ERROR CATEGORIES:
  1. Validation errors - Bad input or a rule violation (HTTP 400/422)
  2. Not found        - Missing debt or order (HTTP 404)
  3. Conflicts        - Version races, duplicate live debts (HTTP 409)
  4. Persistence      - Store failures (HTTP 500)
  5. Warnings         - InconsistencyWarning is logged, never returned as failure

SEE ALSO:
  - mutator.go: Produces most of these errors
  - api/handlers.go: Maps them to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the parent of every input or rule violation.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a debt or order does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientBalance is returned when a payment exceeds the remaining amount.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDebtCancelled is returned when mutating a cancelled debt.
	ErrDebtCancelled = errors.New("debt is cancelled")

	// ErrConcurrentModification is returned when optimistic locking detects a conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDebtExists is returned when a customer already has a live debt.
	ErrDebtExists = errors.New("customer already has a live debt")

	// ErrDuplicateIdempotencyKey is returned when a key is reused on another debt.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrPersistence wraps store failures.
	ErrPersistence = errors.New("persistence failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// InsufficientBalanceError provides details about an over-payment.
type InsufficientBalanceError struct {
	DebtID    DebtID
	Remaining decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on debt %s: remaining %s, requested %s",
		e.DebtID, e.Remaining.StringFixed(2), e.Requested.StringFixed(2))
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance || target == ErrValidation
}

// DebtCancelledError is returned for any mutation of a cancelled debt.
type DebtCancelledError struct {
	DebtID DebtID
}

func (e *DebtCancelledError) Error() string {
	return fmt.Sprintf("debt %s is cancelled", e.DebtID)
}

func (e *DebtCancelledError) Is(target error) bool {
	return target == ErrDebtCancelled || target == ErrValidation
}

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind string // "debt" or "order"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// IdempotencyKeyReusedError is returned when a key that is already in the
// log arrives with a different request body.
type IdempotencyKeyReusedError struct {
	Key      string
	Existing TransactionType
}

func (e *IdempotencyKeyReusedError) Error() string {
	return fmt.Sprintf("idempotency key %q already used for a different %s", e.Key, e.Existing)
}

func (e *IdempotencyKeyReusedError) Unwrap() error {
	return ErrDuplicateIdempotencyKey
}

// PersistenceError wraps a store failure with the operation that failed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// InconsistencyWarning reports derived data that does not match the
// transaction log, or an order pointing at a debt that is gone.
// It is logged and counted, never returned as a failure.
type InconsistencyWarning struct {
	DebtID   DebtID
	OrderID  OrderID
	Reason   string
	Stored   Balance
	Replayed Balance
}

func (w *InconsistencyWarning) Error() string {
	if w.OrderID != "" {
		return fmt.Sprintf("inconsistency on order %s (debt %s): %s", w.OrderID, w.DebtID, w.Reason)
	}
	return fmt.Sprintf("inconsistency on debt %s: %s (stored %s/%s, replayed %s/%s)",
		w.DebtID, w.Reason,
		w.Stored.Amount.String(), w.Stored.Remaining.String(),
		w.Replayed.Amount.String(), w.Replayed.Remaining.String())
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrDebtExists)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true if the request collided with another write.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrDebtExists) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}
