// Package observability provides the logging, metrics and tracing used by
// the run engine.
//
// # Logging
//
// NewLogger returns a *slog.Logger whose handler redacts API keys, bearer
// tokens and database passwords, and adds run_id, thread_id and trace_id
// from the context:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "debug", Format: "text"})
//	ctx = observability.WithRun(ctx, threadID, runID)
//	logger.InfoContext(ctx, "run started")
//
// # Metrics
//
// Metrics wraps Prometheus collectors for runs, model turns, tool calls,
// bus publishes, relays, the task queue, the HTTP API and the database.
// Every method is safe on a nil receiver.
//
// # Tracing
//
// Tracer creates OpenTelemetry spans and exports them over OTLP/gRPC when
// an endpoint is configured. InjectContext and ExtractContext carry the
// trace across the task queue.
package observability
