package observability

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting runtime metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Session lifecycle (starts, terminal outcomes, durations)
//   - Planner call performance and token consumption
//   - Step and tool execution patterns and latencies
//   - Permission decisions by outcome and source
//   - Scheduler job activity
//   - Journal append throughput
//   - HTTP and WebSocket activity on the event-stream API
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.SessionStarted("mock")
//	defer metrics.SessionEnded("mock", "completed", time.Since(start).Seconds())
type Metrics struct {
	// SessionCounter counts terminal sessions.
	// Labels: mode (real|dry_run|mock), status (completed|failed|aborted)
	SessionCounter *prometheus.CounterVec

	// ActiveSessions is a gauge tracking currently running sessions.
	// Labels: mode
	ActiveSessions *prometheus.GaugeVec

	// SessionDuration measures session lifetime in seconds.
	// Labels: mode
	SessionDuration *prometheus.HistogramVec

	// PlannerRequestDuration measures planner call latency in seconds.
	// Labels: provider (anthropic|openai|mock)
	PlannerRequestDuration *prometheus.HistogramVec

	// PlannerRequestCounter counts planner calls.
	// Labels: provider, status (success|error)
	PlannerRequestCounter *prometheus.CounterVec

	// PlannerTokens tracks planner token consumption.
	// Labels: provider, type (input|output)
	PlannerTokens *prometheus.CounterVec

	// StepCounter counts step executions.
	// Labels: tool, status (succeeded|failed|skipped)
	StepCounter *prometheus.CounterVec

	// StepDuration measures step execution time in seconds.
	// Labels: tool
	StepDuration *prometheus.HistogramVec

	// StepRetries counts retry attempts beyond the first.
	// Labels: tool
	StepRetries *prometheus.CounterVec

	// PermissionDecisions counts permission resolutions.
	// Labels: decision (allow_once|allow_session|allow_always|allow_constrained|allow_observed|deny),
	// source (policy|pre_grant|session_cache|global_cache|prompt|timeout)
	PermissionDecisions *prometheus.CounterVec

	// SchedulerJobCounter counts scheduler job outcomes.
	// Labels: status (triggered|completed|failed|missed)
	SchedulerJobCounter *prometheus.CounterVec

	// ActiveSchedules is a gauge of schedules in active status.
	ActiveSchedules prometheus.Gauge

	// JournalAppends counts journal appends by event family
	// (the segment before the first dot, e.g. "step" for step.failed).
	JournalAppends *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// WSClients is a gauge of connected event-stream subscribers.
	WSClients prometheus.Gauge

	// WSDropped counts frames dropped by the bounded-buffer policy.
	WSDropped prometheus.Counter
}

// NewMetrics creates all metric families and registers them with the default
// Prometheus registry. Call once at startup; the /metrics endpoint serves
// them via promhttp.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the metric families with reg. Tests pass an
// isolated registry so repeated construction cannot collide.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_sessions_total",
				Help: "Total number of terminal sessions by mode and status",
			},
			[]string{"mode", "status"},
		),

		ActiveSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "keel_active_sessions",
				Help: "Current number of running sessions by mode",
			},
			[]string{"mode"},
		),

		SessionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keel_session_duration_seconds",
				Help:    "Duration of sessions in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800, 3600},
			},
			[]string{"mode"},
		),

		PlannerRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keel_planner_request_duration_seconds",
				Help:    "Duration of planner calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),

		PlannerRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_planner_requests_total",
				Help: "Total number of planner calls by provider and status",
			},
			[]string{"provider", "status"},
		),

		PlannerTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_planner_tokens_total",
				Help: "Total number of planner tokens by provider and type",
			},
			[]string{"provider", "type"},
		),

		StepCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_steps_total",
				Help: "Total number of step executions by tool and status",
			},
			[]string{"tool", "status"},
		),

		StepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keel_step_duration_seconds",
				Help:    "Duration of step executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		StepRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_step_retries_total",
				Help: "Total number of step retry attempts beyond the first",
			},
			[]string{"tool"},
		),

		PermissionDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_permission_decisions_total",
				Help: "Total number of permission resolutions by decision and source",
			},
			[]string{"decision", "source"},
		),

		SchedulerJobCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_scheduler_jobs_total",
				Help: "Total number of scheduler job outcomes",
			},
			[]string{"status"},
		),

		ActiveSchedules: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "keel_active_schedules",
				Help: "Current number of schedules in active status",
			},
		),

		JournalAppends: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_journal_appends_total",
				Help: "Total number of journal appends by event family",
			},
			[]string{"family"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keel_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		WSClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "keel_ws_clients",
				Help: "Current number of connected event-stream subscribers",
			},
		),

		WSDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "keel_ws_dropped_frames_total",
				Help: "Total number of event frames dropped by the bounded-buffer policy",
			},
		),
	}
}

// SessionStarted increments the active-sessions gauge for a mode.
func (m *Metrics) SessionStarted(mode string) {
	m.ActiveSessions.WithLabelValues(mode).Inc()
}

// SessionEnded decrements the active gauge and records the terminal outcome.
func (m *Metrics) SessionEnded(mode, status string, durationSeconds float64) {
	m.ActiveSessions.WithLabelValues(mode).Dec()
	m.SessionCounter.WithLabelValues(mode, status).Inc()
	m.SessionDuration.WithLabelValues(mode).Observe(durationSeconds)
}

// RecordPlannerRequest records one planner call.
func (m *Metrics) RecordPlannerRequest(provider, status string, durationSeconds float64, inputTokens, outputTokens int64) {
	m.PlannerRequestCounter.WithLabelValues(provider, status).Inc()
	m.PlannerRequestDuration.WithLabelValues(provider).Observe(durationSeconds)
	if inputTokens > 0 {
		m.PlannerTokens.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.PlannerTokens.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

// RecordStep records one step execution.
func (m *Metrics) RecordStep(tool, status string, durationSeconds float64) {
	m.StepCounter.WithLabelValues(tool, status).Inc()
	m.StepDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordStepRetry counts one retry attempt for a tool.
func (m *Metrics) RecordStepRetry(tool string) {
	m.StepRetries.WithLabelValues(tool).Inc()
}

// RecordPermissionDecision counts one permission resolution.
func (m *Metrics) RecordPermissionDecision(decision, source string) {
	m.PermissionDecisions.WithLabelValues(decision, source).Inc()
}

// RecordSchedulerJob counts one scheduler job outcome.
func (m *Metrics) RecordSchedulerJob(status string) {
	m.SchedulerJobCounter.WithLabelValues(status).Inc()
}

// SetActiveSchedules sets the active-schedules gauge.
func (m *Metrics) SetActiveSchedules(n int) {
	m.ActiveSchedules.Set(float64(n))
}

// RecordJournalAppend counts one journal append. The event type is reduced
// to its family, the segment before the first dot, to keep cardinality low.
func (m *Metrics) RecordJournalAppend(eventType string) {
	family := eventType
	if i := strings.IndexByte(eventType, '.'); i > 0 {
		family = eventType[:i]
	}
	m.JournalAppends.WithLabelValues(family).Inc()
}

// RecordHTTPRequest records one HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// WSClientConnected increments the subscriber gauge.
func (m *Metrics) WSClientConnected() {
	m.WSClients.Inc()
}

// WSClientDisconnected decrements the subscriber gauge.
func (m *Metrics) WSClientDisconnected() {
	m.WSClients.Dec()
}

// RecordWSDropped counts frames dropped for a slow subscriber.
func (m *Metrics) RecordWSDropped(n int) {
	if n > 0 {
		m.WSDropped.Add(float64(n))
	}
}
