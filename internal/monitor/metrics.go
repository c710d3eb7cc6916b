package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the orchestrator.
type Metrics struct {
	Registry *prometheus.Registry

	SubmissionsTotal    *prometheus.CounterVec
	SubmissionAttempts  prometheus.Counter
	TransitionsTotal    *prometheus.CounterVec
	ExecutionDuration   prometheus.Histogram
	GatewayRequests     *prometheus.CounterVec
	GatewayLatency      *prometheus.HistogramVec
	BreakerState        prometheus.Gauge
	BatchesTotal        *prometheus.CounterVec
	BatchInFlight       prometheus.Gauge
	LimiterInFlight     prometheus.Gauge
	SweepPasses         prometheus.Counter
	SweepReconciled     *prometheus.CounterVec
	SweepDuration       prometheus.Histogram
	StaleBatchesHandled *prometheus.CounterVec
	RequestsInFlight    prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		SubmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "orchestrator",
				Name:      "submissions_total",
				Help:      "Execution submissions by submit mode and outcome.",
			},
			[]string{"mode", "outcome"},
		),

		SubmissionAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "orchestrator",
				Name:      "submission_attempts_total",
				Help:      "Gateway submission attempts including retries.",
			},
		),

		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "orchestrator",
				Name:      "execution_transitions_total",
				Help:      "Execution status transitions by target status.",
			},
			[]string{"status"},
		),

		ExecutionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "orchestrator",
				Name:      "execution_duration_seconds",
				Help:      "Wall-clock duration of executions from submission to terminal state.",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
		),

		GatewayRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "orchestrator",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Remote engine requests by operation and outcome kind.",
			},
			[]string{"operation", "outcome"},
		),

		GatewayLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "orchestrator",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Duration of remote engine requests.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"},
		),

		BreakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "orchestrator",
				Subsystem: "gateway",
				Name:      "breaker_open",
				Help:      "1 while the gateway circuit breaker is open.",
			},
		),

		BatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "orchestrator",
				Name:      "batches_total",
				Help:      "Batches by final aggregate status.",
			},
			[]string{"status"},
		),

		BatchInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "orchestrator",
				Name:      "batches_dispatching",
				Help:      "Number of batches currently fanning out.",
			},
		),

		LimiterInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "orchestrator",
				Name:      "limiter_in_flight",
				Help:      "Gateway submissions currently holding a limiter slot.",
			},
		),

		SweepPasses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "orchestrator",
				Subsystem: "poller",
				Name:      "passes_total",
				Help:      "Completed background poll passes.",
			},
		),

		SweepReconciled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "orchestrator",
				Subsystem: "poller",
				Name:      "reconciled_total",
				Help:      "Executions reconciled by the background poller, by result.",
			},
			[]string{"result"},
		),

		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "orchestrator",
				Subsystem: "poller",
				Name:      "pass_duration_seconds",
				Help:      "Duration of one background poll pass.",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
			},
		),

		StaleBatchesHandled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "orchestrator",
				Name:      "stale_batches_total",
				Help:      "Stale batches handled by recovery, by action.",
			},
			[]string{"action"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "orchestrator",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),
	}

	reg.MustRegister(
		m.SubmissionsTotal,
		m.SubmissionAttempts,
		m.TransitionsTotal,
		m.ExecutionDuration,
		m.GatewayRequests,
		m.GatewayLatency,
		m.BreakerState,
		m.BatchesTotal,
		m.BatchInFlight,
		m.LimiterInFlight,
		m.SweepPasses,
		m.SweepReconciled,
		m.SweepDuration,
		m.StaleBatchesHandled,
		m.RequestsInFlight,
	)

	return m
}

// RecordGatewayCall records one remote engine request.
func (m *Metrics) RecordGatewayCall(operation, outcome string, durationSec float64) {
	m.GatewayRequests.WithLabelValues(operation, outcome).Inc()
	m.GatewayLatency.WithLabelValues(operation).Observe(durationSec)
}

// RecordTransition records an execution reaching a new status.
func (m *Metrics) RecordTransition(status string) {
	m.TransitionsTotal.WithLabelValues(status).Inc()
}

// RecordSubmission records the outcome of one execution submission.
func (m *Metrics) RecordSubmission(mode, outcome string) {
	m.SubmissionsTotal.WithLabelValues(mode, outcome).Inc()
}
