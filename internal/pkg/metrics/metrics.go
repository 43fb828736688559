// Package metrics holds the Prometheus instrumentation of the monetization
// core. A nil *Metrics is valid and records nothing.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

const maxLabelLen = 64

func sanitizeLabel(s string) string {
	if s == "" {
		return "unknown"
	}
	s = strings.ReplaceAll(s, " ", "_")
	if len(s) > maxLabelLen {
		s = s[:maxLabelLen]
	}
	return s
}

// Metrics bundles the service counters.
type Metrics struct {
	webhookEvents   *prometheus.CounterVec
	usageOperations *prometheus.CounterVec
	ledgerConflicts prometheus.Counter
	refundJobs      *prometheus.CounterVec
}

// New creates the counters and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		webhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chatcredits",
				Name:      "webhook_events_total",
				Help:      "Payment provider webhook deliveries by event category and outcome",
			},
			[]string{"category", "outcome"},
		),
		usageOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chatcredits",
				Name:      "usage_operations_total",
				Help:      "Credit-consuming operations by persona and outcome",
			},
			[]string{"persona", "outcome"},
		),
		ledgerConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "chatcredits",
				Name:      "ledger_conflicts_total",
				Help:      "Optimistic concurrency conflicts retried by the credit ledger",
			},
		),
		refundJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chatcredits",
				Name:      "refund_jobs_total",
				Help:      "Deferred usage refunds by outcome",
			},
			[]string{"outcome"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.webhookEvents, m.usageOperations, m.ledgerConflicts, m.refundJobs)
	}
	return m
}

// WebhookEvent counts one processed webhook delivery.
func (m *Metrics) WebhookEvent(category, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(sanitizeLabel(category), sanitizeLabel(outcome)).Inc()
}

// UsageOperation counts one usage gate invocation.
func (m *Metrics) UsageOperation(persona, outcome string) {
	if m == nil {
		return
	}
	m.usageOperations.WithLabelValues(sanitizeLabel(persona), sanitizeLabel(outcome)).Inc()
}

// LedgerConflict counts one retried ledger unit.
func (m *Metrics) LedgerConflict() {
	if m == nil {
		return
	}
	m.ledgerConflicts.Inc()
}

// RefundJob counts one deferred refund attempt.
func (m *Metrics) RefundJob(outcome string) {
	if m == nil {
		return
	}
	m.refundJobs.WithLabelValues(sanitizeLabel(outcome)).Inc()
}
