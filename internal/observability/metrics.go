// Package observability provides Prometheus metrics for the supervisor.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting supervisor metrics.
//
// Tracked concerns:
//   - Request admission outcomes (continued, blocked, redirected)
//   - Task completions by terminal status
//   - Interventions by action
//   - Execution and subtask durations
//   - Currently running agent instances
type Metrics struct {
	// RequestCounter counts admitted requests by tool and verdict.
	// Labels: tool, verdict (continue|block|modify|redirect)
	RequestCounter *prometheus.CounterVec

	// TaskCounter counts task terminations.
	// Labels: tool, status (completed|failed)
	TaskCounter *prometheus.CounterVec

	// InterventionCounter counts interventions by action.
	// Labels: action, outcome (handled|injected|queued)
	InterventionCounter *prometheus.CounterVec

	// ExecutionDuration measures end-to-end task execution in seconds.
	// Labels: tool
	// Buckets: 1s .. 20m
	ExecutionDuration *prometheus.HistogramVec

	// SubtaskDuration measures orthogonal subtask wall time in seconds.
	// Labels: outcome (complete|failed|timeout)
	SubtaskDuration *prometheus.HistogramVec

	// RunningTasks is a gauge of tasks currently bound to an executor.
	RunningTasks prometheus.Gauge

	// StreamBytes counts bytes of agent output routed through the
	// stream hook chain.
	StreamBytes prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics with reg.
// Pass nil to register against the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "axiom",
			Name:      "requests_total",
			Help:      "Tool requests by admission verdict.",
		}, []string{"tool", "verdict"}),

		TaskCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "axiom",
			Name:      "tasks_total",
			Help:      "Task terminations by status.",
		}, []string{"tool", "status"}),

		InterventionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "axiom",
			Name:      "interventions_total",
			Help:      "Interventions emitted by action.",
		}, []string{"action", "outcome"}),

		ExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "axiom",
			Name:      "execution_duration_seconds",
			Help:      "End-to-end task execution duration.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"tool"}),

		SubtaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "axiom",
			Name:      "subtask_duration_seconds",
			Help:      "Orthogonal subtask wall time.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"outcome"}),

		RunningTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "axiom",
			Name:      "running_tasks",
			Help:      "Tasks currently bound to an executor.",
		}),

		StreamBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "axiom",
			Name:      "stream_bytes_total",
			Help:      "Agent output bytes routed through the stream hooks.",
		}),
	}
}
