/*
mutator.go - The only code path that changes a debt

PURPOSE:
  Applies additions, payments, manual credits and adjustments. Every call
  appends exactly one transaction, recomputes the aggregates by replay and
  persists both with a compare-and-swap on the debt version.

FLOW (per attempt):
  1. Load the debt (fresh read)
  2. Return early if the idempotency key was already applied with the
     same type, amount, order and sign; any other reuse of the key fails
  3. Reject cancelled debts and validate against current state
  4. Record the transaction, append it, Recompute()
  5. UpdateDebt(ctx, debt, expectedVersion, tx)

  On ErrConcurrentModification the attempt is repeated from step 1, so a
  payment that raced another one is re-validated against the new remaining
  amount. After MaxConflictRetries attempts the conflict is returned.

VALIDATION:
  Amounts must be positive. A payment larger than the remaining amount is
  rejected before anything is written.

SEE ALSO:
  - intake.go: Order creation (resolve -> create or add)
  - reconciler.go: Order price edits (adjustments)
  - balance.go: Replay rules
*/
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// DefaultMaxConflictRetries is the number of attempts per mutation.
const DefaultMaxConflictRetries = 5

// Observer receives ledger events, typically to export metrics.
type Observer interface {
	TransactionRecorded(tx Transaction)
	MutationRejected(op string, err error)
	ConflictRetried(op string)
	InconsistencyDetected(w *InconsistencyWarning)
}

type nopObserver struct{}

func (nopObserver) TransactionRecorded(Transaction)             {}
func (nopObserver) MutationRejected(string, error)              {}
func (nopObserver) ConflictRetried(string)                      {}
func (nopObserver) InconsistencyDetected(*InconsistencyWarning) {}

// =============================================================================
// MUTATOR
// =============================================================================

type Mutator struct {
	store       TxStore
	recorder    *Recorder
	log         logrus.FieldLogger
	observer    Observer
	maxAttempts int
	now         func() time.Time
	newDebtID   func() DebtID
}

type Option func(*Mutator)

func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Mutator) { m.log = l }
}

func WithObserver(o Observer) Option {
	return func(m *Mutator) { m.observer = o }
}

func WithMaxConflictRetries(n int) Option {
	return func(m *Mutator) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// WithClock overrides the clock used for transactions and timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Mutator) {
		m.now = now
		m.recorder.Now = now
	}
}

func NewMutator(store TxStore, opts ...Option) *Mutator {
	m := &Mutator{
		store:       store,
		recorder:    NewRecorder(),
		log:         logrus.StandardLogger(),
		observer:    nopObserver{},
		maxAttempts: DefaultMaxConflictRetries,
		now:         func() time.Time { return time.Now().UTC() },
		newDebtID:   func() DebtID { return DebtID(uuid.NewString()) },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store exposes the underlying store for read paths.
func (m *Mutator) Store() TxStore { return m.store }

// =============================================================================
// OPERATION CONTEXTS
// =============================================================================

type AdditionContext struct {
	OrderID        OrderID
	Note           string
	CreditMode     bool
	PaymentMethod  string
	Discount       decimal.Decimal
	IdempotencyKey string
}

type PaymentContext struct {
	Note           string
	PaymentMethod  string
	IdempotencyKey string
}

type AdjustmentContext struct {
	OrderID        OrderID
	Note           string
	IdempotencyKey string
}

type CreditContext struct {
	Note           string
	IdempotencyKey string
}

// mutation describes one balance-changing event against a debt.
type mutation struct {
	op     string
	kind   TransactionType
	amount decimal.Decimal
	rc     RecordContext
	check  func(d *Debt) error
}

// =============================================================================
// OPERATIONS
// =============================================================================

// ApplyAddition adds an order amount to a debt. Remaining grows only in
// credit mode; cash orders are recorded but already settled.
func (m *Mutator) ApplyAddition(ctx context.Context, id DebtID, amount decimal.Decimal, ac AdditionContext) (*Debt, error) {
	mu := additionMutation(amount, ac)
	if err := requirePositive("amount", amount); err != nil {
		return nil, m.reject(mu.op, err)
	}
	return m.apply(ctx, id, mu)
}

// ApplyPayment reduces the remaining amount. Over-payments are rejected.
func (m *Mutator) ApplyPayment(ctx context.Context, id DebtID, amount decimal.Decimal, pc PaymentContext) (*Debt, error) {
	mu := mutation{
		op:     "payment",
		kind:   TxPayment,
		amount: amount,
		rc: RecordContext{
			Note:           pc.Note,
			PaymentMethod:  pc.PaymentMethod,
			IdempotencyKey: pc.IdempotencyKey,
		},
		check: func(d *Debt) error {
			if amount.GreaterThan(d.Remaining) {
				return &InsufficientBalanceError{DebtID: d.ID, Remaining: d.Remaining, Requested: amount}
			}
			return nil
		},
	}
	if err := requirePositive("amount", amount); err != nil {
		return nil, m.reject(mu.op, err)
	}
	return m.apply(ctx, id, mu)
}

// ApplyAdjustment applies a signed correction to both aggregates, each
// clamped at zero.
func (m *Mutator) ApplyAdjustment(ctx context.Context, id DebtID, delta decimal.Decimal, ac AdjustmentContext) (*Debt, error) {
	mu := adjustmentMutation(delta, ac)
	if delta.IsZero() {
		return nil, m.reject(mu.op, &ValidationError{Field: "delta", Reason: "must not be zero"})
	}
	return m.apply(ctx, id, mu)
}

// ApplyCredit records a manual credit: an owed addition with no order.
func (m *Mutator) ApplyCredit(ctx context.Context, id DebtID, amount decimal.Decimal, cc CreditContext) (*Debt, error) {
	note := cc.Note
	if note == "" {
		note = "manual credit"
	}
	mu := mutation{
		op:     "credit",
		kind:   TxAddition,
		amount: amount,
		rc: RecordContext{
			Note:           note,
			CreditMode:     true,
			IdempotencyKey: cc.IdempotencyKey,
		},
	}
	if err := requirePositive("amount", amount); err != nil {
		return nil, m.reject(mu.op, err)
	}
	return m.apply(ctx, id, mu)
}

// CancelDebt closes a debt administratively. Cancelling twice is a no-op.
func (m *Mutator) CancelDebt(ctx context.Context, id DebtID, note string) (*Debt, error) {
	var result *Debt
	err := m.retry(ctx, "cancel", func() error {
		d, err := m.store.GetDebt(ctx, id)
		if err != nil {
			return err
		}
		if d.Status == StatusCancelled {
			result = d
			return nil
		}
		expected := d.Version
		d.Status = StatusCancelled
		d.LastUpdated = m.now()
		if err := m.store.UpdateDebt(ctx, d, expected); err != nil {
			return err
		}
		result = d
		return nil
	})
	if err != nil {
		return nil, m.reject("cancel", err)
	}
	m.log.WithFields(logrus.Fields{
		"debt_id":     id,
		"operator":    OperatorFromContext(ctx).ID,
		"cancel_note": note,
	}).Info("debt cancelled")
	return result, nil
}

// DeleteDebt removes a debt and its history. Orders that pointed at it keep
// their link and surface as inconsistencies on the next price edit.
func (m *Mutator) DeleteDebt(ctx context.Context, id DebtID) error {
	if err := m.store.DeleteDebt(ctx, id); err != nil {
		return m.reject("delete", err)
	}
	m.log.WithFields(logrus.Fields{
		"debt_id":  id,
		"operator": OperatorFromContext(ctx).ID,
	}).Warn("debt deleted with its history")
	return nil
}

// =============================================================================
// INTERNALS
// =============================================================================

func additionMutation(amount decimal.Decimal, ac AdditionContext) mutation {
	return mutation{
		op:     "addition",
		kind:   TxAddition,
		amount: amount,
		rc: RecordContext{
			OrderID:        ac.OrderID,
			Note:           ac.Note,
			PaymentMethod:  ac.PaymentMethod,
			Discount:       ac.Discount,
			CreditMode:     ac.CreditMode,
			IdempotencyKey: ac.IdempotencyKey,
		},
	}
}

func adjustmentMutation(delta decimal.Decimal, ac AdjustmentContext) mutation {
	return mutation{
		op:     "adjustment",
		kind:   TxAdjustment,
		amount: delta.Abs(),
		rc: RecordContext{
			OrderID:        ac.OrderID,
			Note:           ac.Note,
			Decrease:       delta.IsNegative(),
			IdempotencyKey: ac.IdempotencyKey,
		},
	}
}

func (m *Mutator) apply(ctx context.Context, id DebtID, mu mutation) (*Debt, error) {
	var (
		result   *Debt
		recorded *Transaction
	)
	err := m.retry(ctx, mu.op, func() error {
		d, tx, err := m.applyIn(ctx, m.store, id, mu)
		if err != nil {
			return err
		}
		result, recorded = d, tx
		return nil
	})
	if err != nil {
		return nil, m.reject(mu.op, err)
	}
	m.committed(result, recorded)
	return result, nil
}

// applyIn runs one attempt of a mutation against s, which may be a
// transactional view. The returned transaction is nil when the idempotency
// key was already applied with the same body.
func (m *Mutator) applyIn(ctx context.Context, s Store, id DebtID, mu mutation) (*Debt, *Transaction, error) {
	d, err := s.GetDebt(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if prev, seen := d.FindByIdempotencyKey(mu.rc.IdempotencyKey); seen {
		if !mu.replays(prev) {
			return nil, nil, &IdempotencyKeyReusedError{Key: prev.IdempotencyKey, Existing: prev.Type}
		}
		return d, nil, nil
	}
	if !d.Live() {
		return nil, nil, &DebtCancelledError{DebtID: d.ID}
	}
	if mu.check != nil {
		if err := mu.check(d); err != nil {
			return nil, nil, err
		}
	}

	rc := mu.rc
	rc.Owner = d.Owner
	tx, err := m.recorder.Record(ctx, mu.kind, mu.amount, rc)
	if err != nil {
		return nil, nil, err
	}
	tx.DebtID = d.ID
	tx.Sequence = d.nextSequence()

	expected := d.Version
	d.Transactions = append(d.Transactions, tx)
	d.Recompute()
	d.LastUpdated = tx.Date

	if err := s.UpdateDebt(ctx, d, expected, tx); err != nil {
		return nil, nil, err
	}
	return d, &tx, nil
}

// replays reports whether prev was written by the same request as mu.
func (mu mutation) replays(prev Transaction) bool {
	return prev.Type == mu.kind &&
		prev.Amount.Equal(mu.amount) &&
		prev.OrderID == mu.rc.OrderID &&
		prev.Decrease == mu.rc.Decrease
}

// committed reports a transaction once the write that carried it is durable.
func (m *Mutator) committed(d *Debt, tx *Transaction) {
	if tx == nil {
		return
	}
	m.observer.TransactionRecorded(*tx)
	m.log.WithFields(logrus.Fields{
		"debt_id":   d.ID,
		"tx_type":   tx.Type,
		"amount":    tx.Signed().String(),
		"remaining": d.Remaining.String(),
		"status":    d.Status,
		"operator":  tx.ProcessedBy,
	}).Debug("transaction applied")
}

// retry runs fn until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent.
func (m *Mutator) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		if err = fn(); err == nil || !IsRetryable(err) {
			return err
		}
		if attempt == m.maxAttempts {
			break
		}
		m.observer.ConflictRetried(op)
		m.log.WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt,
		}).WithError(err).Debug("write conflict, retrying")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return err
}

func (m *Mutator) reject(op string, err error) error {
	m.observer.MutationRejected(op, err)
	if IsClientError(err) || IsNotFound(err) || errors.Is(err, ErrDuplicateIdempotencyKey) {
		m.log.WithField("op", op).WithError(err).Debug("mutation rejected")
	} else {
		m.log.WithField("op", op).WithError(err).Error("mutation failed")
	}
	return err
}

func (m *Mutator) warn(w *InconsistencyWarning) {
	m.observer.InconsistencyDetected(w)
	m.log.WithFields(logrus.Fields{
		"debt_id":  w.DebtID,
		"order_id": w.OrderID,
	}).Warn(w.Error())
}
