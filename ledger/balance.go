/*
balance.go - Aggregate derivation by replay

PURPOSE:
  Answers "how much does this customer owe?" from the transaction log alone.
  Replay is the single source of truth; the aggregate fields stored on a
  debt are a cache of it.

REPLAY RULES (per transaction, in log order):
  creation/addition:  amount += a; remaining += a only in credit mode
  payment:            remaining -= a (floored at zero)
  adjustment:         amount += d; remaining += d (each clamped at zero)

  Because remaining never exceeds amount before a step, and every step
  moves remaining no further up than amount, 0 <= remaining <= amount
  holds after every step.

STATUS:
  remaining <= 0           -> paid
  0 < remaining < amount   -> partial
  otherwise                -> pending

  A paid debt becomes partial or pending again when a later adjustment
  raises its balance. Cancelled is administrative and never derived.

SEE ALSO:
  - types.go: Debt.Recompute uses Replay
  - audit.go: Verify detects drift between cache and replay
*/
package ledger

import "github.com/shopspring/decimal"

// Balance is the pair of aggregates derived from a debt's log.
type Balance struct {
	Amount    decimal.Decimal
	Remaining decimal.Decimal
}

func (b Balance) Status() Status {
	return StatusFor(b.Amount, b.Remaining)
}

func (b Balance) Equal(o Balance) bool {
	return b.Amount.Equal(o.Amount) && b.Remaining.Equal(o.Remaining)
}

// StatusFor derives the status of a live debt.
func StatusFor(amount, remaining decimal.Decimal) Status {
	switch {
	case !remaining.IsPositive():
		return StatusPaid
	case remaining.LessThan(amount):
		return StatusPartial
	default:
		return StatusPending
	}
}

// Step applies one transaction to a balance.
func Step(b Balance, tx Transaction) Balance {
	switch tx.Type {
	case TxCreation, TxAddition:
		b.Amount = b.Amount.Add(tx.Amount)
		if tx.CreditMode {
			b.Remaining = b.Remaining.Add(tx.Amount)
		}
	case TxPayment:
		b.Remaining = floorZero(b.Remaining.Sub(tx.Amount))
	case TxAdjustment:
		delta := tx.Signed()
		b.Amount = floorZero(b.Amount.Add(delta))
		b.Remaining = floorZero(b.Remaining.Add(delta))
	}
	return b
}

// Replay folds Step over the log, in the given order.
func Replay(txs []Transaction) Balance {
	b := Balance{Amount: decimal.Zero, Remaining: decimal.Zero}
	for _, tx := range txs {
		b = Step(b, tx)
	}
	return b
}

// Verify compares a debt's stored aggregates against a replay of its log.
// Returns nil when they agree.
func Verify(d *Debt) *InconsistencyWarning {
	replayed := Replay(d.Transactions)
	stored := d.Balance()
	if stored.Equal(replayed) && (d.Status == StatusCancelled || d.Status == replayed.Status()) {
		return nil
	}
	reason := "stored aggregates differ from replay"
	if stored.Equal(replayed) {
		reason = "stored status differs from replay"
	}
	return &InconsistencyWarning{
		DebtID:   d.ID,
		Reason:   reason,
		Stored:   stored,
		Replayed: replayed,
	}
}

func floorZero(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
