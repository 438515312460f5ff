// Package observability collects Prometheus metrics for the orchestration
// core: tool execution, provider supervision, session lifecycle and event
// streaming. Metrics are served from the /metrics endpoint.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the server records into.
type Metrics struct {
	// ToolInvocations counts tool executions.
	// Labels: tool, origin (builtin|user-loaded|external), status (success|error|repetition)
	ToolInvocations *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// TruncatedResults counts oversized tool results cut by the guard.
	// Labels: tool
	TruncatedResults *prometheus.CounterVec

	// ProviderUp reports 1 while a provider is ready or degraded.
	// Labels: provider
	ProviderUp *prometheus.GaugeVec

	// ProviderRestarts counts supervised process restarts.
	// Labels: provider
	ProviderRestarts *prometheus.CounterVec

	// HandshakeFailures counts failed capability handshakes.
	// Labels: provider
	HandshakeFailures *prometheus.CounterVec

	// ActiveSessions is the number of sessions currently running.
	ActiveSessions prometheus.Gauge

	// SessionsEnded counts finished sessions.
	// Labels: reason (completed|cancelled|step_budget_exceeded|fatal_error)
	SessionsEnded *prometheus.CounterVec

	// EventsEmitted counts stream events released to clients.
	// Labels: type
	EventsEmitted *prometheus.CounterVec

	// ReorderedEvents counts events released past the reorder window.
	ReorderedEvents prometheus.Counter

	// RegistryTools is the current tool count per origin.
	// Labels: origin
	RegistryTools *prometheus.GaugeVec

	// HTTPRequestDuration measures HTTP API request latency in seconds.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all collectors. A nil registerer uses the
// Prometheus default registry; tests pass their own.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ToolInvocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_tool_invocations_total",
				Help: "Total tool executions by tool, origin and status",
			},
			[]string{"tool", "origin", "status"},
		),

		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchboard_tool_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		TruncatedResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_truncated_results_total",
				Help: "Total oversized tool results truncated before reaching the model",
			},
			[]string{"tool"},
		),

		ProviderUp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "switchboard_provider_up",
				Help: "1 while the provider is serving invocations",
			},
			[]string{"provider"},
		),

		ProviderRestarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_provider_restarts_total",
				Help: "Total supervised provider process restarts",
			},
			[]string{"provider"},
		),

		HandshakeFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_provider_handshake_failures_total",
				Help: "Total failed provider capability handshakes",
			},
			[]string{"provider"},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "switchboard_active_sessions",
				Help: "Number of sessions currently running",
			},
		),

		SessionsEnded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_sessions_ended_total",
				Help: "Total finished sessions by terminal reason",
			},
			[]string{"reason"},
		),

		EventsEmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_events_emitted_total",
				Help: "Total stream events released to clients by type",
			},
			[]string{"type"},
		),

		ReorderedEvents: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "switchboard_events_reordered_total",
				Help: "Total events released out of order past the reorder window",
			},
		),

		RegistryTools: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "switchboard_registry_tools",
				Help: "Current tool count in the registry by origin",
			},
			[]string{"origin"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchboard_http_request_duration_seconds",
				Help:    "Duration of HTTP API requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}
