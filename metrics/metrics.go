// Package metrics exports ledger activity as Prometheus metrics.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/warp/storecredit/ledger"
)

// Collector implements ledger.Observer.
type Collector struct {
	transactions    *prometheus.CounterVec
	amounts         *prometheus.CounterVec
	rejections      *prometheus.CounterVec
	conflicts       *prometheus.CounterVec
	inconsistencies prometheus.Counter
}

// New registers the ledger metrics on reg.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		transactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storecredit",
			Name:      "transactions_total",
			Help:      "Ledger transactions appended, by type.",
		}, []string{"type"}),
		amounts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storecredit",
			Name:      "transaction_amount_total",
			Help:      "Sum of transaction magnitudes, by type.",
		}, []string{"type"}),
		rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storecredit",
			Name:      "mutations_rejected_total",
			Help:      "Ledger operations that failed, by operation and reason.",
		}, []string{"op", "reason"}),
		conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storecredit",
			Name:      "write_conflicts_total",
			Help:      "Optimistic concurrency conflicts that triggered a retry.",
		}, []string{"op"}),
		inconsistencies: f.NewCounter(prometheus.CounterOpts{
			Namespace: "storecredit",
			Name:      "inconsistencies_total",
			Help:      "Inconsistency warnings raised by reconciliation or audit.",
		}),
	}
}

func (c *Collector) TransactionRecorded(tx ledger.Transaction) {
	c.transactions.WithLabelValues(string(tx.Type)).Inc()
	c.amounts.WithLabelValues(string(tx.Type)).Add(tx.Amount.InexactFloat64())
}

func (c *Collector) MutationRejected(op string, err error) {
	c.rejections.WithLabelValues(op, Reason(err)).Inc()
}

func (c *Collector) ConflictRetried(op string) {
	c.conflicts.WithLabelValues(op).Inc()
}

func (c *Collector) InconsistencyDetected(*ledger.InconsistencyWarning) {
	c.inconsistencies.Inc()
}

// Reason maps an error to a low-cardinality label value.
func Reason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ledger.ErrDebtCancelled):
		return "cancelled"
	case errors.Is(err, ledger.ErrValidation):
		return "validation"
	case errors.Is(err, ledger.ErrNotFound):
		return "not_found"
	case ledger.IsConflict(err):
		return "conflict"
	default:
		return "internal"
	}
}
