// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "canary"

// Metrics holds the pipeline's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Cycle metrics
	CyclesTotal   prometheus.Counter
	CycleDuration prometheus.Histogram
	ActiveTests   prometheus.Gauge
	PendingQueue  prometheus.Gauge
	AccountsFree  prometheus.Gauge

	// Test lifecycle metrics
	PhaseTransitions    *prometheus.CounterVec
	StageDecisions      *prometheus.CounterVec
	Rollbacks           *prometheus.CounterVec
	SuggestionsRejected *prometheus.CounterVec
	TestsCreated        prometheus.Counter

	// Error metrics
	ExternalErrors *prometheus.CounterVec
	TestErrors     prometheus.Counter

	// Health metrics
	LastSuccessfulCycle prometheus.Gauge
}

// NewMetrics registers all collectors on reg. A nil reg uses the default
// Prometheus registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		CyclesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "cycles_total",
			Help:      "Total number of executed improvement cycles",
		}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "cycle_duration_seconds",
			Help:      "Improvement cycle duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		}),
		ActiveTests: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "active_tests",
			Help:      "Number of tests not in a terminal phase",
		}),
		PendingQueue: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "pending_suggestions",
			Help:      "Suggestions waiting for capacity or accounts",
		}),
		AccountsFree: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "available_accounts",
			Help:      "Unreserved accounts in the shared pool",
		}),

		PhaseTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tests",
			Name:      "phase_transitions_total",
			Help:      "Phase transitions by source and target phase",
		}, []string{"from", "to"}),
		StageDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tests",
			Name:      "stage_decisions_total",
			Help:      "Rollout stage decisions by verdict",
		}, []string{"decision"}),
		Rollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tests",
			Name:      "rollbacks_total",
			Help:      "Rollbacks and rollback warnings by severity",
		}, []string{"severity"}),
		SuggestionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intake",
			Name:      "suggestions_rejected_total",
			Help:      "Rejected suggestions by reason",
		}, []string{"reason"}),
		TestsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intake",
			Name:      "tests_created_total",
			Help:      "Tests created from accepted suggestions",
		}),

		ExternalErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "errors",
			Name:      "external_errors_total",
			Help:      "Failed external service calls after retries, by service",
		}, []string{"service"}),
		TestErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "errors",
			Name:      "test_errors_total",
			Help:      "Per-test processing errors contained by the cycle",
		}),

		LastSuccessfulCycle: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_cycle_timestamp",
			Help:      "Unix timestamp of the last cycle without errors",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint of g.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RecordCycle records a finished cycle.
func (m *Metrics) RecordCycle(d time.Duration, errs int, at time.Time) {
	if m == nil {
		return
	}
	m.CyclesTotal.Inc()
	m.CycleDuration.Observe(d.Seconds())
	if errs == 0 {
		m.LastSuccessfulCycle.Set(float64(at.Unix()))
	}
}

// SetGauges updates the point-in-time gauges.
func (m *Metrics) SetGauges(active, pending, accounts int) {
	if m == nil {
		return
	}
	m.ActiveTests.Set(float64(active))
	m.PendingQueue.Set(float64(pending))
	m.AccountsFree.Set(float64(accounts))
}

// RecordTransition counts a phase transition.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.PhaseTransitions.WithLabelValues(from, to).Inc()
}

// RecordStageDecision counts a stage verdict.
func (m *Metrics) RecordStageDecision(decision string) {
	if m == nil {
		return
	}
	m.StageDecisions.WithLabelValues(decision).Inc()
}

// RecordRollback counts a rollback or warning by severity.
func (m *Metrics) RecordRollback(severity string) {
	if m == nil {
		return
	}
	m.Rollbacks.WithLabelValues(severity).Inc()
}

// RecordRejected counts a rejected suggestion.
func (m *Metrics) RecordRejected(reason string) {
	if m == nil {
		return
	}
	m.SuggestionsRejected.WithLabelValues(reason).Inc()
}

// RecordTestCreated counts a new test.
func (m *Metrics) RecordTestCreated() {
	if m == nil {
		return
	}
	m.TestsCreated.Inc()
}

// RecordExternalError counts a failed external call.
func (m *Metrics) RecordExternalError(service string) {
	if m == nil {
		return
	}
	m.ExternalErrors.WithLabelValues(service).Inc()
}

// RecordTestError counts a contained per-test error.
func (m *Metrics) RecordTestError() {
	if m == nil {
		return
	}
	m.TestErrors.Inc()
}
