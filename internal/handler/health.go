package handler

import (
	"net/http"

	"github.com/knath2000/klk-back-sub001/internal/llm"
)

// Pinger reports whether a backing connection is up. *nats.Client implements it.
type Pinger interface {
	IsConnected() bool
}

// SessionCounter reports live realtime sessions.
type SessionCounter interface {
	SessionCount() int
}

// Upstream exposes the completion client's health. *llm.ResilientClient
// implements it.
type Upstream interface {
	Breaker() *llm.CircuitBreaker
	InFlight() int
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	nats     Pinger
	upstream Upstream
	sessions SessionCounter
}

// NewHealthHandler creates a new health handler. nats is nil when messages
// are kept in memory.
func NewHealthHandler(nats Pinger, upstream Upstream, sessions SessionCounter) *HealthHandler {
	return &HealthHandler{
		nats:     nats,
		upstream: upstream,
		sessions: sessions,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	snap := h.upstream.Breaker().Snapshot()
	body := map[string]any{
		"status":  "ready",
		"breaker": snap.State.String(),
		"streams": h.upstream.InFlight(),
	}
	if h.sessions != nil {
		body["sessions"] = h.sessions.SessionCount()
	}

	switch {
	case h.nats != nil && !h.nats.IsConnected():
		body["status"] = "not ready"
		body["reason"] = "NATS not connected"
		writeJSON(w, http.StatusServiceUnavailable, body)
	case snap.State == llm.StateOpen:
		body["status"] = "degraded"
		body["reason"] = "upstream circuit open"
		writeJSON(w, http.StatusServiceUnavailable, body)
	default:
		writeJSON(w, http.StatusOK, body)
	}
}
