/*
scheduler.go - Nightly safe ledger audit

PURPOSE:
  Replays every safe on a cron schedule and reports drift between the
  stored per-row balances and the replay. The audit never repairs;
  repair is an explicit operator action (POST /api/safes/{id}/repair).

CONFIGURATION:
  - Spec:    standard 5-field cron expression (AUDIT_CRON, default "0 2 * * *")
  - Timeout: bound on one full audit run

USAGE:
  scheduler := NewAuditScheduler(ledger, "0 2 * * *", logger)
  if err := scheduler.Start(); err != nil { ... }
  // ... later
  scheduler.Stop()

SEE ALSO:
  - safe/reconcile.go: AuditAll
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/warp/station-ledger/safe"
)

// Auditor is the part of the ledger the scheduler drives.
type Auditor interface {
	AuditAll(ctx context.Context) ([]safe.Report, error)
}

// AuditScheduler runs the ledger audit on a cron schedule.
type AuditScheduler struct {
	Spec    string
	Timeout time.Duration

	auditor Auditor
	logger  *zap.Logger
	cron    *cron.Cron

	mu      sync.Mutex
	lastRun time.Time
	last    []safe.Report
}

// NewAuditScheduler creates a scheduler. It does nothing until Start.
func NewAuditScheduler(auditor Auditor, spec string, logger *zap.Logger) *AuditScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if spec == "" {
		spec = "0 2 * * *"
	}
	return &AuditScheduler{
		Spec:    spec,
		Timeout: 10 * time.Minute,
		auditor: auditor,
		logger:  logger,
		cron:    cron.New(),
	}
}

// Start registers the audit job and starts the cron loop.
func (s *AuditScheduler) Start() error {
	if _, err := s.cron.AddFunc(s.Spec, s.RunNow); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("audit scheduler started", zap.String("spec", s.Spec))
	return nil
}

// Stop waits for a running audit to finish.
func (s *AuditScheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("audit scheduler stopped")
}

// RunNow audits every safe once.
func (s *AuditScheduler) RunNow() {
	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()

	started := time.Now()
	reports, err := s.auditor.AuditAll(ctx)
	if err != nil {
		s.logger.Error("safe audit failed", zap.Error(err))
		return
	}
	inconsistent := 0
	for _, r := range reports {
		if !r.Consistent {
			inconsistent++
		}
	}

	s.mu.Lock()
	s.lastRun = started
	s.last = reports
	s.mu.Unlock()

	s.logger.Info("safe audit completed",
		zap.Int("safes", len(reports)),
		zap.Int("inconsistent", inconsistent),
		zap.Duration("took", time.Since(started)),
	)
}

// Last returns the reports of the most recent run and when it started.
func (s *AuditScheduler) Last() ([]safe.Report, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]safe.Report, len(s.last))
	copy(out, s.last)
	return out, s.lastRun
}
