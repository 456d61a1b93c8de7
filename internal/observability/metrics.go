package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics centralizes the Prometheus counters/histograms emitted across the
// generation lifecycle: LM requests, tool executions, graph generations,
// background jobs, and the HTTP surface serving health/metrics.
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	defer metrics.LLMRequestDuration("anthropic", "claude-3-opus").Observe(time.Since(start).Seconds())
type Metrics struct {
	// GenerationCounter counts completed generations by graph and outcome.
	// Labels: graph_id, status (completed|error)
	GenerationCounter *prometheus.CounterVec

	// GenerationDuration measures a generation's wall-clock time.
	// Labels: graph_id
	GenerationDuration *prometheus.HistogramVec

	// ActiveGenerations is a gauge of in-flight generations per graph.
	ActiveGenerations *prometheus.GaugeVec

	// LLMRequestDuration measures LM provider call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LM requests by provider, model, and status.
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption by provider, model, and type
	// (prompt|completion).
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations by tool name and status.
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	ToolExecutionDuration *prometheus.HistogramVec

	// GraphCompileCounter counts graph compilations by outcome.
	GraphCompileCounter *prometheus.CounterVec

	// BackgroundJobCounter counts background jobs (summarization, titling)
	// by name and outcome.
	BackgroundJobCounter *prometheus.CounterVec

	// ErrorCounter tracks errors by component and error kind.
	// Labels: component (orchestrator|engine|toolpool|registry), error_kind
	ErrorCounter *prometheus.CounterVec

	// HTTPRequestDuration measures the ambient HTTP surface's request
	// latency (health checks, /metrics itself).
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests by method, path, status.
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates and registers every metric with Prometheus's default
// registry. Call once at process startup.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates and registers every metric against reg, letting
// callers that need isolation from the default registry (tests, or more
// than one Metrics instance per process) supply their own.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		GenerationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_generations_total",
				Help: "Total number of generations by graph and outcome",
			},
			[]string{"graph_id", "status"},
		),

		GenerationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_generation_duration_seconds",
				Help:    "Duration of a generation from entry to settlement",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"graph_id"},
		),

		ActiveGenerations: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "conduit_active_generations",
				Help: "Current number of in-flight generations by graph",
			},
			[]string{"graph_id"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_llm_request_duration_seconds",
				Help:    "Duration of LM provider requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_llm_requests_total",
				Help: "Total number of LM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
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

		GraphCompileCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_graph_compiles_total",
				Help: "Total number of graph compilations by outcome",
			},
			[]string{"status"},
		),

		BackgroundJobCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_background_jobs_total",
				Help: "Total number of background jobs by name and outcome",
			},
			[]string{"job", "status"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_errors_total",
				Help: "Total number of errors by component and error kind",
			},
			[]string{"component", "error_kind"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// RecordGeneration records the outcome and duration of a completed
// generation.
func (m *Metrics) RecordGeneration(graphID, status string, durationSeconds float64) {
	m.GenerationCounter.WithLabelValues(graphID, status).Inc()
	m.GenerationDuration.WithLabelValues(graphID).Observe(durationSeconds)
}

// GenerationStarted increments the active-generations gauge for graphID.
func (m *Metrics) GenerationStarted(graphID string) {
	m.ActiveGenerations.WithLabelValues(graphID).Inc()
}

// GenerationEnded decrements the active-generations gauge for graphID.
func (m *Metrics) GenerationEnded(graphID string) {
	m.ActiveGenerations.WithLabelValues(graphID).Dec()
}

// RecordLLMRequest records metrics for an LM provider request.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records metrics for a tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordGraphCompile records the outcome of a graph compilation.
func (m *Metrics) RecordGraphCompile(status string) {
	m.GraphCompileCounter.WithLabelValues(status).Inc()
}

// RecordBackgroundJob records the outcome of a background job.
func (m *Metrics) RecordBackgroundJob(job, status string) {
	m.BackgroundJobCounter.WithLabelValues(job, status).Inc()
}

// RecordError increments the error counter for a given component and kind.
func (m *Metrics) RecordError(component, errorKind string) {
	m.ErrorCounter.WithLabelValues(component, errorKind).Inc()
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
