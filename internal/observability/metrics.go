package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for run execution.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RecordRun("completed", time.Since(start))
type Metrics struct {
	// RunCounter counts finished runs.
	// Labels: status (completed|failed|skipped)
	RunCounter *prometheus.CounterVec

	// RunDuration measures run wall time in seconds.
	// Labels: status
	RunDuration *prometheus.HistogramVec

	// LLMRequestCounter counts model turns.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures one streamed model turn in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|not_found|invalid_input|timeout|network|execution|panic)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// BusPublishCounter counts message bus publishes.
	// Labels: kind (content|status), status (success|error)
	BusPublishCounter *prometheus.CounterVec

	// RelayConnections is the number of open stream relays.
	RelayConnections prometheus.Gauge

	// RelayDuration measures relay lifetime in seconds.
	// Labels: reason (finished|client_gone|error)
	RelayDuration *prometheus.HistogramVec

	// TaskCounter counts queue operations.
	// Labels: task, operation (enqueue|execute), status (success|error)
	TaskCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, route, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// DatabaseQueryDuration measures database query latency.
	// Labels: operation, table, status
	DatabaseQueryDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// registers with the Prometheus default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		RunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_runs_total",
				Help: "Total number of runs by final status",
			},
			[]string{"status"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_run_duration_seconds",
				Help:    "Duration of runs in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),
		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_llm_request_duration_seconds",
				Help:    "Duration of streamed LLM turns in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		BusPublishCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_bus_publishes_total",
				Help: "Total number of message bus publishes by topic kind and status",
			},
			[]string{"kind", "status"},
		),
		RelayConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "conduit_relay_connections",
				Help: "Current number of open stream relays",
			},
		),
		RelayDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_relay_duration_seconds",
				Help:    "Lifetime of stream relays in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"reason"},
		),
		TaskCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_tasks_total",
				Help: "Total number of task queue operations",
			},
			[]string{"task", "operation", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "route", "status_code"},
		),
		DatabaseQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_database_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "table", "status"},
		),
	}
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunCounter.WithLabelValues(status).Inc()
	m.RunDuration.WithLabelValues(status).Observe(d.Seconds())
}

// RecordLLMRequest records one model turn.
func (m *Metrics) RecordLLMRequest(provider, model, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(d.Seconds())
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(toolName, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(d.Seconds())
}

// RecordPublish records one bus publish.
func (m *Metrics) RecordPublish(kind string, err error) {
	if m == nil {
		return
	}
	m.BusPublishCounter.WithLabelValues(kind, statusLabel(err)).Inc()
}

// RelayOpened increments the open relay gauge.
func (m *Metrics) RelayOpened() {
	if m == nil {
		return
	}
	m.RelayConnections.Inc()
}

// RelayClosed decrements the open relay gauge and records its lifetime.
func (m *Metrics) RelayClosed(reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.RelayConnections.Dec()
	m.RelayDuration.WithLabelValues(reason).Observe(d.Seconds())
}

// RecordTask records a queue operation.
func (m *Metrics) RecordTask(task, operation string, err error) {
	if m == nil {
		return
	}
	m.TaskCounter.WithLabelValues(task, operation, statusLabel(err)).Inc()
}

// RecordHTTPRequest records an API request.
func (m *Metrics) RecordHTTPRequest(method, route, statusCode string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, route, statusCode).Observe(d.Seconds())
}

// RecordDatabaseQuery records a database query.
func (m *Metrics) RecordDatabaseQuery(operation, table string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.DatabaseQueryDuration.WithLabelValues(operation, table, statusLabel(err)).Observe(d.Seconds())
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
