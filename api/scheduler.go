/*
scheduler.go - Periodic replay audit

PURPOSE:
  Periodically replays every debt's transaction log and compares the result
  with the stored aggregates. Drift is logged and counted as an
  inconsistency; with Repair set, drifted aggregates are rewritten from
  replay. The transaction log itself is never modified.

CONFIGURATION:
  - CheckInterval: How often to audit (default: 1 hour)
  - Enabled: Whether the scheduler is active (default: false)
  - Repair: Rewrite drifted aggregates instead of only reporting

USAGE:
  scheduler := NewAuditScheduler(mutator, log)
  scheduler.Enabled = true
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Audit / RepairAggregates endpoints (manual trigger)
  - ledger/audit.go: Audit and RepairAggregates
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/storecredit/ledger"
)

// Auditor runs replay audits. *ledger.Mutator implements it.
type Auditor interface {
	Audit(ctx context.Context) (*ledger.AuditReport, error)
	RepairAggregates(ctx context.Context) (*ledger.AuditReport, error)
}

// AuditScheduler runs the replay audit on a fixed interval.
type AuditScheduler struct {
	Auditor       Auditor
	Log           logrus.FieldLogger
	CheckInterval time.Duration
	Enabled       bool
	Repair        bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastRun    time.Time
	lastReport *ledger.AuditReport
}

// NewAuditScheduler creates a disabled scheduler with a one hour interval.
func NewAuditScheduler(a Auditor, log logrus.FieldLogger) *AuditScheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &AuditScheduler{
		Auditor:       a,
		Log:           log.WithField("component", "audit-scheduler"),
		CheckInterval: time.Hour,
	}
}

// Start begins the scheduler.
func (s *AuditScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Log.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.Log.WithFields(logrus.Fields{
		"interval": s.CheckInterval,
		"repair":   s.Repair,
	}).Info("started")
}

// Stop stops the scheduler and waits for an in-flight audit to finish.
func (s *AuditScheduler) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.ticker = nil
	s.mu.Unlock()

	s.wg.Wait()
	s.Log.Info("stopped")
}

func (s *AuditScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	// Run immediately on start
	s.RunNow(context.Background())

	for {
		select {
		case <-ticker.C:
			s.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow performs one audit pass synchronously.
func (s *AuditScheduler) RunNow(ctx context.Context) (*ledger.AuditReport, error) {
	start := time.Now()

	var report *ledger.AuditReport
	var err error
	if s.Repair {
		report, err = s.Auditor.RepairAggregates(ctx)
	} else {
		report, err = s.Auditor.Audit(ctx)
	}
	if err != nil {
		s.Log.WithError(err).Error("audit failed")
		return nil, err
	}

	s.mu.Lock()
	s.lastRun = start
	s.lastReport = report
	s.mu.Unlock()

	entry := s.Log.WithFields(logrus.Fields{
		"checked":  report.Checked,
		"drifted":  len(report.Warnings),
		"repaired": report.Repaired,
		"took":     time.Since(start),
	})
	if len(report.Warnings) > 0 {
		entry.Warn("audit completed with drift")
	} else {
		entry.Debug("audit completed")
	}
	return report, nil
}

// LastReport returns the most recent report and when its run started.
func (s *AuditScheduler) LastReport() (*ledger.AuditReport, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReport, s.lastRun
}
