// Package observability provides metrics, structured logging, and
// distributed tracing for the keel runtime.
//
// # Metrics
//
// Metrics are implemented with the Prometheus client libraries and track:
//   - Session lifecycle (started, ended, duration) by run mode
//   - Planner request latency, token usage, and outcomes by provider
//   - Step execution counts, latency, and retries by tool
//   - Permission decisions by outcome and source
//   - Scheduler job outcomes and active schedule counts
//   - Journal append throughput by event family
//   - API request latency and WebSocket client/backpressure counts
//
// Example:
//
//	metrics := observability.NewMetrics()
//	metrics.SessionStarted("real")
//	// ... run the session ...
//	metrics.SessionEnded("real", "completed", time.Since(start).Seconds())
//
// Tests pass an isolated registry via NewMetricsWith to avoid collisions
// with the default registerer.
//
// # Logging
//
// Logging is built on slog with secret redaction (API keys, bearer tokens,
// JWTs) and automatic correlation: request, session, and schedule IDs
// placed in the context appear on every record.
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info"})
//	ctx = observability.WithSessionID(ctx, sessionID)
//	logger.InfoContext(ctx, "plan accepted", "steps", len(plan.Steps))
//
// # Tracing
//
// Tracing uses OpenTelemetry with an OTLP/gRPC exporter. When no endpoint
// is configured the tracer is a no-op, so call sites never branch on
// whether tracing is enabled.
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "keel",
//	    Endpoint:    os.Getenv("OTEL_ENDPOINT"),
//	})
//	defer shutdown(context.Background())
//
// Useful dashboard queries:
//
//	# Session throughput
//	rate(keel_sessions_total[5m])
//
//	# Planner latency (95th percentile)
//	histogram_quantile(0.95, rate(keel_planner_request_duration_seconds_bucket[5m]))
//
//	# Step failure rate by tool
//	rate(keel_steps_total{status="failed"}[5m])
package observability
