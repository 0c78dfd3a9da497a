// Package metrics implements the Prometheus exporter: counters,
// histograms and gauges for the provider adapter, tool dispatcher,
// orchestrator guardrails, and git shadow sessions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is a centralized collection of the Prometheus instruments this
// process registers. Construct once at startup with New and pass the
// pointer to the orchestrator, which records the provider-call and
// tool-execution observations around its own calls; the provider adapter
// and tool dispatcher take no Metrics.
type Metrics struct {
	// ProviderRequestDuration measures provider stream/send latency.
	// Labels: provider, model.
	ProviderRequestDuration *prometheus.HistogramVec

	// ProviderRequestCounter counts provider requests by outcome.
	// Labels: provider, model, outcome (ok|error).
	ProviderRequestCounter *prometheus.CounterVec

	// ProviderTokensTotal tracks token consumption.
	// Labels: provider, model, kind (input|output|cache_read|cache_write).
	ProviderTokensTotal *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution latency.
	// Labels: tool_name.
	ToolExecutionDuration *prometheus.HistogramVec

	// ToolExecutionTotal counts tool invocations by outcome.
	// Labels: tool_name, outcome (ok|error|timeout|cancelled).
	ToolExecutionTotal *prometheus.CounterVec

	// GuardrailTriggeredTotal counts loop guardrail trips by kind
	// (iteration_cap|per_iteration_cap|repeated_tool_calls|consecutive_errors).
	GuardrailTriggeredTotal *prometheus.CounterVec

	// ActiveGitSessions is the current count of open shadow-branch
	// sessions.
	ActiveGitSessions prometheus.Gauge
}

// New creates and registers every instrument with the given registerer.
// Pass prometheus.DefaultRegisterer in production, or a fresh
// prometheus.NewRegistry() in tests to avoid cross-test collisions.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ProviderRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "provider_request_duration_seconds",
				Help:    "Duration of provider requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		ProviderRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_requests_total",
				Help: "Total provider requests by provider, model and outcome",
			},
			[]string{"provider", "model", "outcome"},
		),
		ProviderTokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_tokens_total",
				Help: "Total tokens consumed by provider, model and kind",
			},
			[]string{"provider", "model", "kind"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"tool_name"},
		),
		ToolExecutionTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tool_execution_total",
				Help: "Total tool executions by tool name and outcome",
			},
			[]string{"tool_name", "outcome"},
		),
		GuardrailTriggeredTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardrail_triggered_total",
				Help: "Total guardrail trips in the tool-calling loop, by kind",
			},
			[]string{"kind"},
		),
		ActiveGitSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_git_sessions",
				Help: "Current number of open shadow-branch git sessions",
			},
		),
	}
}

// RecordProviderRequest records a completed provider request, including
// the four token kinds the wire protocol reports (input, output, and the
// provider's own prompt-cache read/write counts).
func (m *Metrics) RecordProviderRequest(provider, model, outcome string, durationSeconds float64, inputTokens, outputTokens, cacheReadTokens, cacheWriteTokens int64) {
	m.ProviderRequestCounter.WithLabelValues(provider, model, outcome).Inc()
	m.ProviderRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if inputTokens > 0 {
		m.ProviderTokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.ProviderTokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
	if cacheReadTokens > 0 {
		m.ProviderTokensTotal.WithLabelValues(provider, model, "cache_read").Add(float64(cacheReadTokens))
	}
	if cacheWriteTokens > 0 {
		m.ProviderTokensTotal.WithLabelValues(provider, model, "cache_write").Add(float64(cacheWriteTokens))
	}
}

// RecordToolExecution records a completed tool execution.
func (m *Metrics) RecordToolExecution(toolName, outcome string, durationSeconds float64) {
	m.ToolExecutionTotal.WithLabelValues(toolName, outcome).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordGuardrailTriggered increments the guardrail counter for kind.
func (m *Metrics) RecordGuardrailTriggered(kind string) {
	m.GuardrailTriggeredTotal.WithLabelValues(kind).Inc()
}

// GitSessionOpened/GitSessionClosed track the active-git-sessions gauge.
func (m *Metrics) GitSessionOpened() { m.ActiveGitSessions.Inc() }
func (m *Metrics) GitSessionClosed() { m.ActiveGitSessions.Dec() }
