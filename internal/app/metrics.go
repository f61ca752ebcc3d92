package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/store"
)

// Metrics holds the service's prometheus collectors. All methods are nil-safe.
type Metrics struct {
	operations      *prometheus.CounterVec
	outbox          *prometheus.CounterVec
	ledgerAnomalies *prometheus.GaugeVec
}

// NewMetrics builds the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "operations_total",
			Help:      "Escrow and withdrawal operations segmented by outcome code.",
		}, []string{"operation", "outcome"}),
		outbox: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "outbox",
			Name:      "messages_total",
			Help:      "Outbox messages processed by the dispatcher.",
		}, []string{"outcome"}),
		ledgerAnomalies: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "escrow",
			Subsystem: "ledger",
			Name:      "anomalies",
			Help:      "Rows breaking escrow/lock invariants at the last audit.",
		}, []string{"check"}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.outbox, m.ledgerAnomalies)
	}
	return m
}

func (m *Metrics) recordOperation(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if de, ok := domain.AsError(err); ok {
			outcome = de.Code
		}
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) recordOutbox(outcome string) {
	if m == nil {
		return
	}
	m.outbox.WithLabelValues(outcome).Inc()
}

func (m *Metrics) setLedgerAudit(audit store.LedgerAudit) {
	if m == nil {
		return
	}
	m.ledgerAnomalies.WithLabelValues("released_without_lock").Set(float64(audit.ReleasedWithoutLock))
	m.ledgerAnomalies.WithLabelValues("released_with_open_lock").Set(float64(audit.ReleasedWithOpenLock))
	m.ledgerAnomalies.WithLabelValues("lock_released_escrow_open").Set(float64(audit.LockReleasedNotReleased))
	m.ledgerAnomalies.WithLabelValues("orphaned_lock").Set(float64(audit.OrphanedLocks))
}
