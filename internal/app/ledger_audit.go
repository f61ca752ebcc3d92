/**
 * @description
 * Cron-driven audit of the escrow/lock invariants. The audit only reports; it
 * never repairs rows.
 */
package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/transfa/escrow-service/internal/store"
)

// LedgerAuditor is the repository slice the audit reads.
type LedgerAuditor interface {
	AuditLedger(ctx context.Context) (*store.LedgerAudit, error)
}

// AuditScheduler runs the ledger audit on a cron schedule.
type AuditScheduler struct {
	cron     *cron.Cron
	repo     LedgerAuditor
	schedule string
	metrics  *Metrics
	log      *logrus.Entry
}

// NewAuditScheduler creates a scheduler for the given standard cron spec.
func NewAuditScheduler(repo LedgerAuditor, schedule string, metrics *Metrics, logger logrus.FieldLogger) *AuditScheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	entry := logger.WithField("component", "ledger_audit")
	c := cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(entry))))

	return &AuditScheduler{
		cron:     c,
		repo:     repo,
		schedule: schedule,
		metrics:  metrics,
		log:      entry,
	}
}

// Start registers the audit job and starts the cron scheduler.
func (s *AuditScheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.runScheduled); err != nil {
		s.log.WithField("schedule", s.schedule).WithError(err).Error("failed to schedule ledger audit")
		return err
	}
	s.log.WithField("schedule", s.schedule).Info("scheduled ledger audit")
	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *AuditScheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *AuditScheduler) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := s.RunOnce(ctx); err != nil {
		s.log.WithError(err).Warn("ledger audit run failed")
	}
}

// RunOnce performs a single audit pass and publishes the counters.
func (s *AuditScheduler) RunOnce(ctx context.Context) (*store.LedgerAudit, error) {
	audit, err := s.repo.AuditLedger(ctx)
	if err != nil {
		return nil, err
	}
	s.metrics.setLedgerAudit(*audit)

	fields := logrus.Fields{
		"released_without_lock":     audit.ReleasedWithoutLock,
		"released_with_open_lock":   audit.ReleasedWithOpenLock,
		"lock_released_escrow_open": audit.LockReleasedNotReleased,
		"orphaned_locks":            audit.OrphanedLocks,
	}
	if audit.Total() > 0 {
		s.log.WithFields(fields).Error("ledger invariants violated")
	} else {
		s.log.WithFields(fields).Debug("ledger audit clean")
	}
	return audit, nil
}
