// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RateLimitDecisions counts per-identity admission decisions.
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_decisions_total",
			Help: "Per-identity rate limit decisions",
		},
		[]string{"decision"},
	)

	// RateLimitIdentities tracks identities with a live window.
	RateLimitIdentities = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_rate_limit_identities",
			Help: "Identities currently tracked by the rate limiter",
		},
	)

	// ToolInvocations counts tool invocations by outcome.
	ToolInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_tool_invocations_total",
			Help: "Tool invocations by tool and result kind",
		},
		[]string{"tool", "kind"},
	)

	// ToolDuration tracks tool execution latency.
	ToolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_tool_duration_seconds",
			Help:    "Tool execution duration in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 15},
		},
		[]string{"tool"},
	)

	// ProviderCacheLookups counts upstream data cache hits and misses.
	ProviderCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_provider_cache_lookups_total",
			Help: "Provider cache lookups by provider and result",
		},
		[]string{"provider", "result"},
	)

	// LLMStreamDuration tracks model turn duration.
	LLMStreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_stream_duration_seconds",
			Help:    "LLM streaming turn duration",
			Buckets: []float64{.5, 1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"model", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)

	// StreamsTotal counts chat streams by how they ended.
	StreamsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_streams_total",
			Help: "Chat streams by outcome",
		},
		[]string{"outcome"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// TurnEventsPublished counts turn summaries sent to NATS.
	TurnEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_turn_events_total",
			Help: "Turn events published to NATS by status",
		},
		[]string{"status"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordRateLimit records a single admission decision.
func RecordRateLimit(allowed bool) {
	if allowed {
		RateLimitDecisions.WithLabelValues("allowed").Inc()
		return
	}
	RateLimitDecisions.WithLabelValues("denied").Inc()
}

// RecordToolInvocation records the outcome and latency of one tool call.
func RecordToolInvocation(tool, kind string, duration float64) {
	ToolInvocations.WithLabelValues(tool, kind).Inc()
	ToolDuration.WithLabelValues(tool).Observe(duration)
}

// RecordCacheLookup records a provider cache hit or miss.
func RecordCacheLookup(provider string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	ProviderCacheLookups.WithLabelValues(provider, result).Inc()
}

// RecordLLMStream records metrics for an LLM streaming turn.
func RecordLLMStream(model, status string, duration float64, tokensIn, tokensOut int) {
	LLMStreamDuration.WithLabelValues(model, status).Observe(duration)
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}

// RecordStream records how a chat stream ended.
func RecordStream(outcome string) {
	StreamsTotal.WithLabelValues(outcome).Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
