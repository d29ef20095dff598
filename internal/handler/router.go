package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/knath2000/klk-back-sub001/internal/middleware"
	"github.com/knath2000/klk-back-sub001/pkg/logger"
)

// RouterConfig holds the HTTP surface settings.
type RouterConfig struct {
	AllowedOrigins  []string
	RateLimit       int
	RateLimitWindow time.Duration
}

// Handlers groups every endpoint handler.
type Handlers struct {
	Health        *HealthHandler
	Conversations *ConversationHandler
	Messages      *MessageHandler
	Stream        *StreamHandler
	WebSocket     *WebSocketHandler
}

// NewRouter wires handlers and middleware into a chi router.
func NewRouter(cfg RouterConfig, h Handlers, verifier *middleware.JWTVerifier, log *logger.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", h.Health.Health)
	r.Get("/ready", h.Health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	// The websocket handshake verifies its own, optional, token.
	r.Get("/ws", h.WebSocket.ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(verifier))
		if cfg.RateLimit > 0 {
			r.Use(middleware.RateLimit(cfg.RateLimit, cfg.RateLimitWindow))
		}

		r.Get("/personas", h.Conversations.Personas)

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", h.Conversations.Create)
			r.Get("/", h.Conversations.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.Conversations.Get)
				r.Delete("/", h.Conversations.Delete)
				r.Post("/share", h.Conversations.Share)

				r.Get("/messages", h.Messages.List)
				r.Post("/stream", h.Stream.StreamWithMessage)
			})
		})
	})

	return r
}
