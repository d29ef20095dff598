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
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// UpstreamRequestsTotal counts upstream LLM attempts by mode and outcome.
	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_upstream_requests_total",
			Help: "Upstream LLM HTTP attempts",
		},
		[]string{"mode", "outcome"},
	)

	// UpstreamDuration tracks upstream LLM call duration, retries included.
	UpstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_upstream_duration_seconds",
			Help:    "Upstream LLM call duration",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30, 60, 90, 120},
		},
		[]string{"mode", "outcome"},
	)

	// BreakerState exposes the circuit breaker state (0 closed, 1 open, 2 half-open).
	BreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llm_circuit_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		},
	)

	// BreakerTransitionsTotal counts breaker state transitions.
	BreakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"from", "to"},
	)

	// StreamsActive tracks upstream streams currently in flight.
	StreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llm_streams_active",
			Help: "Upstream completion streams in flight",
		},
	)

	// CancellationsTotal counts user-initiated cancellations that hit a live request.
	CancellationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llm_cancellations_total",
			Help: "Cancelled upstream requests",
		},
	)

	// SessionsActive tracks live realtime sessions.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_sessions_active",
			Help: "Number of live realtime sessions",
		},
	)

	// SessionsReapedTotal counts sessions disconnected by the idle reaper.
	SessionsReapedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_sessions_reaped_total",
			Help: "Sessions closed for inactivity",
		},
	)

	// RateLimitedTotal counts chat requests rejected by the per-connection limiter.
	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_rate_limited_total",
			Help: "Chat requests rejected by the per-connection rate limit",
		},
	)

	// ChatRequestsTotal counts chat pipeline runs by terminal outcome.
	ChatRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_requests_total",
			Help: "Chat pipeline runs by terminal outcome",
		},
		[]string{"outcome"},
	)

	// QualityRetriesTotal counts regenerations triggered by the quality gate.
	QualityRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quality_retries_total",
			Help: "Answers regenerated after failing the quality gate",
		},
	)

	// QualityFallbacksTotal counts answers replaced by the persona fallback.
	QualityFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quality_fallbacks_total",
			Help: "Answers replaced by the persona fallback",
		},
	)

	// MessagesTotal tracks total messages persisted.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages persisted",
		},
		[]string{"role"},
	)

	// ConversationsTotal tracks total conversations created.
	ConversationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordUpstream records one upstream LLM call.
func RecordUpstream(mode, outcome string, duration float64) {
	UpstreamRequestsTotal.WithLabelValues(mode, outcome).Inc()
	UpstreamDuration.WithLabelValues(mode, outcome).Observe(duration)
}

// RecordBreakerTransition records a breaker state change.
func RecordBreakerTransition(from, to string, state int) {
	BreakerTransitionsTotal.WithLabelValues(from, to).Inc()
	BreakerState.Set(float64(state))
}
