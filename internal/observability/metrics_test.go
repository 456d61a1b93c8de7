package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// newTestMetrics builds an equivalent Metrics bound to an isolated registry
// so tests never touch (or collide on) the process-wide default registry
// that NewMetrics() registers against.
func newTestMetrics() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		GenerationCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "conduit_generations_total", Help: "test"},
			[]string{"graph_id", "status"},
		),
		GenerationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "conduit_generation_duration_seconds", Help: "test"},
			[]string{"graph_id"},
		),
		ActiveGenerations: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "conduit_active_generations", Help: "test"},
			[]string{"graph_id"},
		),
		LLMRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "conduit_llm_request_duration_seconds", Help: "test"},
			[]string{"provider", "model"},
		),
		LLMRequestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "conduit_llm_requests_total", Help: "test"},
			[]string{"provider", "model", "status"},
		),
		LLMTokensUsed: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "conduit_llm_tokens_total", Help: "test"},
			[]string{"provider", "model", "type"},
		),
		ToolExecutionCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "conduit_tool_executions_total", Help: "test"},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "conduit_tool_execution_duration_seconds", Help: "test"},
			[]string{"tool_name"},
		),
		GraphCompileCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "conduit_graph_compiles_total", Help: "test"},
			[]string{"status"},
		),
		BackgroundJobCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "conduit_background_jobs_total", Help: "test"},
			[]string{"job", "status"},
		),
		ErrorCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "conduit_errors_total", Help: "test"},
			[]string{"component", "error_kind"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "conduit_http_request_duration_seconds", Help: "test"},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "conduit_http_requests_total", Help: "test"},
			[]string{"method", "path", "status_code"},
		),
	}

	reg.MustRegister(
		m.GenerationCounter, m.GenerationDuration, m.ActiveGenerations,
		m.LLMRequestDuration, m.LLMRequestCounter, m.LLMTokensUsed,
		m.ToolExecutionCounter, m.ToolExecutionDuration,
		m.GraphCompileCounter, m.BackgroundJobCounter,
		m.ErrorCounter, m.HTTPRequestDuration, m.HTTPRequestCounter,
	)
	return m, reg
}

func TestRecordGenerationIncrementsCounterAndHistogram(t *testing.T) {
	m, reg := newTestMetrics()

	m.RecordGeneration("default", "completed", 1.5)

	if got := testutil.CollectAndCount(m.GenerationCounter); got != 1 {
		t.Fatalf("GenerationCounter count = %d, want 1", got)
	}
	if got := testutil.CollectAndCount(m.GenerationDuration); got != 1 {
		t.Fatalf("GenerationDuration count = %d, want 1", got)
	}
	_ = reg
}

func TestGenerationStartedAndEndedTrackGauge(t *testing.T) {
	m, _ := newTestMetrics()

	m.GenerationStarted("default")
	m.GenerationStarted("default")
	m.GenerationEnded("default")

	got := testutil.ToFloat64(m.ActiveGenerations.WithLabelValues("default"))
	if got != 1 {
		t.Fatalf("ActiveGenerations = %v, want 1", got)
	}
}

func TestRecordLLMRequestTracksTokensOnlyWhenNonZero(t *testing.T) {
	m, _ := newTestMetrics()

	m.RecordLLMRequest("anthropic", "claude-3-opus", "ok", 0.8, 120, 45)

	if got := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("anthropic", "claude-3-opus", "prompt")); got != 120 {
		t.Fatalf("prompt tokens = %v, want 120", got)
	}
	if got := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("anthropic", "claude-3-opus", "completion")); got != 45 {
		t.Fatalf("completion tokens = %v, want 45", got)
	}

	if got := testutil.CollectAndCount(m.LLMTokensUsed); got != 2 {
		t.Fatalf("LLMTokensUsed series count = %d, want 2 (no series for zero-valued types)", got)
	}
}

func TestRecordToolExecutionLabelsByStatus(t *testing.T) {
	m, _ := newTestMetrics()

	m.RecordToolExecution("search", "success", 0.25)
	m.RecordToolExecution("search", "error", 0.1)

	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("search", "success")); got != 1 {
		t.Fatalf("success count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("search", "error")); got != 1 {
		t.Fatalf("error count = %v, want 1", got)
	}
}

func TestRecordGraphCompileAndBackgroundJob(t *testing.T) {
	m, _ := newTestMetrics()

	m.RecordGraphCompile("ok")
	m.RecordGraphCompile("failed")
	m.RecordBackgroundJob("summarization", "succeeded")

	if got := testutil.ToFloat64(m.GraphCompileCounter.WithLabelValues("ok")); got != 1 {
		t.Fatalf("compile ok count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.GraphCompileCounter.WithLabelValues("failed")); got != 1 {
		t.Fatalf("compile failed count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BackgroundJobCounter.WithLabelValues("summarization", "succeeded")); got != 1 {
		t.Fatalf("background job count = %v, want 1", got)
	}
}

func TestRecordErrorAndHTTPRequest(t *testing.T) {
	m, _ := newTestMetrics()

	m.RecordError("orchestrator", "not_found")
	m.RecordHTTPRequest("GET", "/healthz", "200", 0.01)

	if got := testutil.ToFloat64(m.ErrorCounter.WithLabelValues("orchestrator", "not_found")); got != 1 {
		t.Fatalf("ErrorCounter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.HTTPRequestCounter.WithLabelValues("GET", "/healthz", "200")); got != 1 {
		t.Fatalf("HTTPRequestCounter = %v, want 1", got)
	}
}
