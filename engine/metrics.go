// ABOUTME: Prometheus metrics for runs, step outcomes, retries and breaker trips.
// ABOUTME: A nil *Metrics is valid and records nothing.
package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	Runs         *prometheus.CounterVec
	Steps        *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec
	Retries      *prometheus.CounterVec
	CircuitTrips *prometheus.CounterVec
	Checkpoints  prometheus.Counter
}

// NewMetrics registers the engine collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "planrun_runs_total",
			Help: "Runs finished, by final status.",
		}, []string{"status"}),
		Steps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "planrun_steps_total",
			Help: "Steps finished, by operation kind and outcome.",
		}, []string{"operation", "outcome"}),
		StepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "planrun_step_duration_seconds",
			Help:    "Wall time of a step including retries.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 9),
		}, []string{"operation"}),
		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "planrun_step_retries_total",
			Help: "Retry attempts, by operation kind.",
		}, []string{"operation"}),
		CircuitTrips: f.NewCounterVec(prometheus.CounterOpts{
			Name: "planrun_circuit_opened_total",
			Help: "Circuits opened, by scope.",
		}, []string{"scope"}),
		Checkpoints: f.NewCounter(prometheus.CounterOpts{
			Name: "planrun_checkpoints_saved_total",
			Help: "Checkpoint snapshots saved.",
		}),
	}
}

func (m *Metrics) runFinished(status RunStatus) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) stepFinished(kind OperationKind, outcome StepOutcome, d time.Duration) {
	if m == nil {
		return
	}
	m.Steps.WithLabelValues(string(kind), string(outcome)).Inc()
	if outcome == OutcomeSucceeded || outcome == OutcomeFailed {
		m.StepDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
	}
}

func (m *Metrics) retried(kind OperationKind) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) tripped(t BreakerTrip) {
	if m == nil {
		return
	}
	if t.Step {
		m.CircuitTrips.WithLabelValues("step").Inc()
	}
	if t.Operation {
		m.CircuitTrips.WithLabelValues("operation").Inc()
	}
}

func (m *Metrics) checkpointSaved() {
	if m == nil {
		return
	}
	m.Checkpoints.Inc()
}
