// Package observability provides the metrics, structured logging, tracing,
// and event timeline that conduit's orchestrator, engine, and tool pool
// share across a generation's lifetime.
//
// # Overview
//
// Four pieces make up the package:
//
//  1. Metrics - Prometheus counters and histograms
//  2. Logging - structured logs with sensitive-data redaction
//  3. Tracing - OpenTelemetry spans across orchestrator, engine, and tool pool
//  4. Events - an in-memory timeline for replaying a single generation
//
// # Metrics
//
// Metrics tracks, per graph and per provider:
//   - Generations started, completed, and their duration
//   - LM request latency and token usage, by provider and model
//   - Tool execution latency, by tool name
//   - Graph compilation outcomes
//   - Error counts, by component and kind
//   - The ambient HTTP surface's own request latency
//
// Example usage:
//
//	metrics := observability.NewMetrics()
//
//	start := time.Now()
//	// ... call the LM provider ...
//	metrics.RecordLLMRequest("anthropic", "claude-3-opus", "success",
//	    time.Since(start).Seconds(), promptTokens, completionTokens)
//
//	start = time.Now()
//	// ... execute a tool ...
//	metrics.RecordToolExecution("web_search", "success", time.Since(start).Seconds())
//
// Create one Metrics at process startup with NewMetrics (registers against
// Prometheus's default registry) or NewMetricsWith (an explicit
// Registerer, for tests or a process running more than one instance), and
// share it across every component that records metrics rather than
// letting each one register its own series.
//
// # Logging
//
// Logging is built on slog, enhanced with:
//   - Automatic correlation id propagation from context
//   - Sensitive-data redaction (API keys, passwords, tokens)
//   - JSON output for production, text for development
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:     "info",
//	    Format:    "json",
//	    AddSource: true,
//	})
//
//	ctx = observability.AddGenerationID(ctx, generationID)
//	ctx = observability.AddSessionID(ctx, conversationID)
//
//	logger.Info(ctx, "generation started",
//	    "graph_id", graphID,
//	    "stream", opts.Stream,
//	)
//
//	logger.Error(ctx, "LM request failed",
//	    "error", err,
//	    "provider", "anthropic",
//	    "api_key", apiKey, // automatically redacted
//	)
//
// # Tracing
//
// Tracing uses OpenTelemetry to follow a generation across components:
//   - End-to-end span visualization from request to settlement
//   - LM provider call latency isolated from tool call latency
//   - Error correlation across the orchestrator, engine, and tool pool
//
// Example usage:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName:    "conduit",
//	    ServiceVersion: version,
//	    Endpoint:       "otel-collector:4317",
//	    SamplingRate:   0.1,
//	})
//	defer shutdown(context.Background())
//
//	ctx, end := tracer.TraceGenerationSpan(ctx, generationID)
//	defer end(err)
//
//	ctx, toolSpan := tracer.TraceToolExecution(ctx, "web_search")
//	defer toolSpan.End()
//	if err != nil {
//	    tracer.RecordError(toolSpan, err)
//	}
//
// An empty TraceConfig.Endpoint yields a no-op tracer: spans are created
// but never exported, so tracing stays wired unconditionally rather than
// depending on whether a collector happens to be reachable.
//
// # Events
//
// EventRecorder writes timestamped events into an EventStore keyed by
// generation id: generation start/end, LM request/response, tool
// start/end, tool server connect/disconnect. BuildTimeline assembles a
// generation's recorded events into a Timeline, and FormatTimeline
// renders one as readable text — together they let an operator replay
// what a generation actually did without re-running it.
//
//	recorder := observability.NewEventRecorder(eventStore, logger)
//	recorder.RecordToolStart(ctx, "web_search", args)
//	// ... tool returns ...
//	recorder.RecordToolEnd(ctx, "web_search", elapsed, result, err)
//
//	events, _ := eventStore.GetByGenerationID(generationID)
//	timeline := observability.BuildTimeline(events)
//	fmt.Println(observability.FormatTimeline(timeline))
//
// MemoryEventStore bounds retention by event count (0 means unbounded)
// and evicts the oldest events first; it holds events for the life of
// the process, not across restarts.
//
// # Context Propagation
//
// All four components read correlation ids from context:
//
//	ctx = observability.AddGenerationID(ctx, generationID)
//	ctx = observability.AddSessionID(ctx, conversationID)
//	ctx = observability.AddGraphID(ctx, graphID)
//
//	logger.Info(ctx, "resolved graph") // includes generation_id, session_id, graph_id
//
// # Integration Example
//
// A generation's entry point wires all four together:
//
//	func (o *Orchestrator) Respond(ctx context.Context, req Request) (*Result, error) {
//	    ctx = observability.AddGenerationID(ctx, generationID)
//	    ctx = observability.AddSessionID(ctx, req.ConversationID)
//
//	    ctx, endSpan := o.tracer.TraceGenerationSpan(ctx, generationID)
//	    defer endSpan(err)
//
//	    o.metrics.GenerationStarted(graphID)
//	    o.events.RecordGenerationStart(ctx, generationID, map[string]interface{}{"graph_id": graphID})
//
//	    o.logger.Info(ctx, "generation started", "graph_id", graphID)
//
//	    result, err := o.run(ctx, req)
//
//	    o.events.RecordGenerationEnd(ctx, elapsed, err)
//	    o.metrics.RecordGeneration(graphID, status(err), elapsed.Seconds())
//	    return result, err
//	}
//
// # Security Considerations
//
// Logging automatically redacts:
//   - API keys (Anthropic, OpenAI, generic)
//   - Passwords and secrets
//   - JWT and bearer tokens
//   - Custom patterns supplied via LogConfig.RedactPatterns
//
// Sensitive map keys are also redacted: password, passwd, pwd, secret,
// api_key, apikey, token, auth, authorization, private_key, privatekey.
//
// # Dashboards and Alerts
//
// Series are named conduit_<subsystem>_<unit>. A dashboard built against
// them typically tracks:
//
//	# Generation throughput and error rate
//	rate(conduit_generations_total{status="error"}[5m])
//
//	# LM request latency, p95
//	histogram_quantile(0.95, rate(conduit_llm_request_duration_seconds_bucket[5m]))
//
//	# Tool execution latency, p99
//	histogram_quantile(0.99, rate(conduit_tool_execution_duration_seconds_bucket[5m]))
//
//	# In-flight load
//	conduit_active_generations
//
// A sustained rise in conduit_errors_total{component="toolpool"} usually
// means a configured tool server has gone unreachable, and is worth
// paging on.
//
// # Further Reading
//
//   - Prometheus naming conventions: https://prometheus.io/docs/practices/naming/
//   - OpenTelemetry specification: https://opentelemetry.io/docs/specs/otel/
//   - slog documentation: https://pkg.go.dev/log/slog
package observability
