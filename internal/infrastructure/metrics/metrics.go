// Package metrics provides the Prometheus collectors of the progress engine.
//
// Collectors are registered on an explicit registry so tests can use a
// private registry. The /metrics endpoint serves the same registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snowtrack/progress-engine/internal/domain/achievement"
	"github.com/snowtrack/progress-engine/internal/domain/shared"
	"github.com/snowtrack/progress-engine/pkg/circuitbreaker"
)

const namespace = "progress_engine"

// Metrics holds every collector of the engine.
type Metrics struct {
	// EvaluationsTotal counts evaluation runs by outcome.
	// Labels: outcome (success, rejected, conflict, transient, error)
	EvaluationsTotal *prometheus.CounterVec

	// EvaluationDuration measures a whole evaluation run.
	EvaluationDuration *prometheus.HistogramVec

	// UnlocksTotal counts committed unlocks.
	// Labels: category
	UnlocksTotal *prometheus.CounterVec

	// PointsAwardedTotal counts points granted by committed unlocks.
	PointsAwardedTotal prometheus.Counter

	// CommitConflictsTotal counts optimistic version conflicts.
	CommitConflictsTotal prometheus.Counter

	// CommitRetriesTotal counts transient commit retries.
	CommitRetriesTotal prometheus.Counter

	// LockWaitSeconds measures time spent waiting for the per-student lock.
	LockWaitSeconds prometheus.Histogram

	// CriteriaSkippedTotal counts criteria degraded to "not satisfied".
	// Labels: criterion
	CriteriaSkippedTotal *prometheus.CounterVec

	// EventHandlersTotal counts event handler executions.
	// Labels: event_type, status (success, error)
	EventHandlersTotal *prometheus.CounterVec

	// EventHandlerDuration measures event handler executions.
	// Labels: event_type
	EventHandlerDuration *prometheus.HistogramVec

	// BreakerState is the current state of each circuit breaker.
	// Labels: name. Values: 0 closed, 1 open, 2 half-open.
	BreakerState *prometheus.GaugeVec

	// JobRunsTotal counts background job runs.
	// Labels: job, status (success, error)
	JobRunsTotal *prometheus.CounterVec

	// DeadLettersTotal counts dead-lettered events handled by the redelivery job.
	// Labels: outcome (redelivered, expired, skipped)
	DeadLettersTotal *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them on reg.
// A nil reg uses a fresh private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		EvaluationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Evaluation runs by outcome",
		}, []string{"outcome"}),

		EvaluationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Duration of evaluation runs",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"outcome"}),

		UnlocksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "achievement_unlocks_total",
			Help:      "Committed achievement unlocks by category",
		}, []string{"category"}),

		PointsAwardedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "points_awarded_total",
			Help:      "Points granted by committed unlocks",
		}),

		CommitConflictsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commit_conflicts_total",
			Help:      "Optimistic version conflicts on commit",
		}),

		CommitRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commit_retries_total",
			Help:      "Transient commit failures that were retried",
		}),

		LockWaitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for the per-student lock",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		CriteriaSkippedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "criteria_skipped_total",
			Help:      "Criteria that could not be evaluated and were treated as not satisfied",
		}, []string{"criterion"}),

		EventHandlersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_handlers_total",
			Help:      "Event handler executions by event type and status",
		}, []string{"event_type", "status"}),

		EventHandlerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_handler_duration_seconds",
			Help:      "Duration of event handler executions",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		}, []string{"name"}),

		JobRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Background job runs by job and status",
		}, []string{"job", "status"}),

		DeadLettersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Dead-lettered events handled by the redelivery job by outcome",
		}, []string{"outcome"}),

		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ──────────────────────────────────────────────────────────────────────────────
// Evaluation flow
// ──────────────────────────────────────────────────────────────────────────────

// EvaluationFinished records the outcome of one run.
func (m *Metrics) EvaluationFinished(outcome string, duration time.Duration) {
	m.EvaluationsTotal.WithLabelValues(outcome).Inc()
	m.EvaluationDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// UnlocksCommitted records committed unlocks.
func (m *Metrics) UnlocksCommitted(unlocks []achievement.Unlock) {
	for _, u := range unlocks {
		m.UnlocksTotal.WithLabelValues(string(u.Category)).Inc()
		m.PointsAwardedTotal.Add(float64(u.Points))
	}
}

// CommitConflict records a version conflict.
func (m *Metrics) CommitConflict() {
	m.CommitConflictsTotal.Inc()
}

// CommitRetry records a transient retry.
func (m *Metrics) CommitRetry() {
	m.CommitRetriesTotal.Inc()
}

// LockWait records lock acquisition latency.
func (m *Metrics) LockWait(d time.Duration) {
	m.LockWaitSeconds.Observe(d.Seconds())
}

// ──────────────────────────────────────────────────────────────────────────────
// Hooks
// ──────────────────────────────────────────────────────────────────────────────

// CriterionSkipped matches achievement.FailureObserver.
func (m *Metrics) CriterionSkipped(def achievement.Definition, _ error) {
	m.CriteriaSkippedTotal.WithLabelValues(string(def.Criteria.Type)).Inc()
}

// EventHandled matches messaging.HandlerObserver.
func (m *Metrics) EventHandled(eventType shared.EventType, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.EventHandlersTotal.WithLabelValues(string(eventType), status).Inc()
	m.EventHandlerDuration.WithLabelValues(string(eventType)).Observe(duration.Seconds())
}

// BreakerStateChanged matches the circuit breaker state change callback.
func (m *Metrics) BreakerStateChanged(name string, _, to circuitbreaker.State) {
	m.BreakerState.WithLabelValues(name).Set(float64(to))
}

// JobFinished matches the scheduler's completion hook.
func (m *Metrics) JobFinished(job string, _ time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.JobRunsTotal.WithLabelValues(job, status).Inc()
}

// DeadLetterHandled records what the redelivery job did with one entry.
func (m *Metrics) DeadLetterHandled(outcome string) {
	m.DeadLettersTotal.WithLabelValues(outcome).Inc()
}
