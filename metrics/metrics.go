/*
metrics.go - Prometheus collectors for the contract engine

PURPOSE:
  Counts the events operators page on: contracts created, payments
  submitted and decided, optimistic-lock conflicts, reminder outcomes and
  sweep latency. Served at GET /metrics.

NIL SAFETY:
  Every method tolerates a nil *Metrics so components can be constructed
  without metrics in tests.

SEE ALSO:
  - api/server.go: Mounts promhttp.HandlerFor(m.Registry)
*/
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "contracts"

type Metrics struct {
	Registry *prometheus.Registry

	created       *prometheus.CounterVec
	submitted     *prometheus.CounterVec
	decided       *prometheus.CounterVec
	conflicts     prometheus.Counter
	transitions   *prometheus.CounterVec
	reminders     *prometheus.CounterVec
	sweepDuration prometheus.Histogram
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "created_total",
			Help:      "Contracts created, by kind.",
		}, []string{"kind"}),
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_submitted_total",
			Help:      "Payments submitted for verification, by payment kind.",
		}, []string{"kind"}),
		decided: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_decided_total",
			Help:      "Payment verification outcomes.",
		}, []string{"decision", "outcome"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_conflicts_total",
			Help:      "Optimistic revision conflicts seen by the ledger.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Contract status changes, by resulting status.",
		}, []string{"status"}),
		reminders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminders_total",
			Help:      "Reminder sweep outcomes per contract.",
		}, []string{"result"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reminder_sweep_duration_seconds",
			Help:      "Wall time of a full reminder sweep.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.created, m.submitted, m.decided, m.conflicts,
		m.transitions, m.reminders, m.sweepDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ContractCreated(kind string) {
	if m == nil {
		return
	}
	m.created.WithLabelValues(kind).Inc()
}

func (m *Metrics) PaymentSubmitted(kind string) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(kind).Inc()
}

// PaymentDecided records a verify outcome: "ok", "already_processed",
// "terminal", "conflict" or "error".
func (m *Metrics) PaymentDecided(decision, outcome string) {
	if m == nil {
		return
	}
	m.decided.WithLabelValues(decision, outcome).Inc()
}

func (m *Metrics) Conflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

func (m *Metrics) StatusChanged(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

// Reminder records one sweep result: "sent", "skipped" or "error".
func (m *Metrics) Reminder(result string) {
	if m == nil {
		return
	}
	m.reminders.WithLabelValues(result).Inc()
}

func (m *Metrics) SweepDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}
