package main

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/dig"

	"github.com/knath2000/klk-back-sub001/internal/config"
	"github.com/knath2000/klk-back-sub001/internal/handler"
	"github.com/knath2000/klk-back-sub001/internal/llm"
	"github.com/knath2000/klk-back-sub001/internal/middleware"
	natsclient "github.com/knath2000/klk-back-sub001/internal/nats"
	"github.com/knath2000/klk-back-sub001/internal/persona"
	"github.com/knath2000/klk-back-sub001/internal/quality"
	"github.com/knath2000/klk-back-sub001/internal/realtime"
	"github.com/knath2000/klk-back-sub001/internal/service"
	"github.com/knath2000/klk-back-sub001/pkg/logger"
)

// storage is the message log plus the NATS connection backing it, if any.
type storage struct {
	dig.Out

	Log  service.MessageLog
	NATS *natsclient.Client
}

func buildContainer(ctx context.Context, cfg *config.Config, log *logger.Logger) (*dig.Container, error) {
	container := dig.New()

	providers := []any{
		func() *config.Config { return cfg },
		func() *logger.Logger { return log },

		// Storage
		func(cfg *config.Config, log *logger.Logger) (storage, error) {
			return newStorage(ctx, cfg, log)
		},
		service.NewConversationService,
		service.NewMessageService,
		service.NewChatStore,
		func(cfg *config.Config, log *logger.Logger) (*persona.Catalog, error) {
			return persona.NewCatalog(cfg.Personas.File, cfg.Personas.Default, log)
		},

		// Upstream
		func(cfg *config.Config, log *logger.Logger) *llm.CircuitBreaker {
			return llm.NewCircuitBreaker(llm.BreakerConfig{
				FailureThreshold: cfg.Breaker.FailureThreshold,
				TimeoutThreshold: cfg.Breaker.TimeoutThreshold,
				Cooldown:         cfg.Breaker.Cooldown,
			}, llm.WithTransitionHook(llm.BreakerMetricsHook(log.Named("breaker"))))
		},
		func(cfg *config.Config, breaker *llm.CircuitBreaker, log *logger.Logger) *llm.ResilientClient {
			return llm.NewResilientClient(llm.ClientConfig{
				BaseURL:      cfg.Upstream.BaseURL,
				APIKey:       cfg.Upstream.APIKey,
				DefaultModel: cfg.Upstream.DefaultModel,
				MaxTokens:    cfg.Upstream.MaxTokens,
				Timeout:      cfg.Upstream.RequestTimeout,
				MaxAttempts:  cfg.Upstream.MaxAttempts,
				BaseDelay:    cfg.Upstream.RetryBaseDelay,
			}, breaker, log)
		},
		func(cfg *config.Config, client *llm.ResilientClient, log *logger.Logger) *quality.Gate {
			return quality.NewGate(client, quality.Config{
				Enabled:        cfg.Quality.Enabled,
				Threshold:      cfg.Quality.Threshold,
				Deadline:       cfg.Quality.Deadline,
				AppendFollowUp: cfg.Quality.AppendFollowUp,
			}, log)
		},

		// Realtime
		func(cfg *config.Config, store *service.ChatStore, gate *quality.Gate, catalog *persona.Catalog, log *logger.Logger) *realtime.Pipeline {
			return realtime.NewPipeline(store, gate, catalog, realtime.PipelineConfig{
				DefaultModel: cfg.Upstream.DefaultModel,
				HistoryLimit: cfg.Realtime.HistoryLimit,
			}, log)
		},
		func(cfg *config.Config, pipeline *realtime.Pipeline, client *llm.ResilientClient, store *service.ChatStore, log *logger.Logger) *realtime.Manager {
			return realtime.NewManager(realtime.Config{
				ChatRateLimit:  cfg.Realtime.ChatRateLimit,
				ChatRateWindow: cfg.Realtime.ChatRateWindow,
				IdleTimeout:    cfg.Realtime.IdleTimeout,
				SweepInterval:  cfg.Realtime.SweepInterval,
				SendBuffer:     cfg.Realtime.SendBuffer,
			}, pipeline, client, store, log)
		},

		// HTTP layer
		func(cfg *config.Config) *middleware.JWTVerifier {
			return middleware.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
		},
		newRouter,
	}

	for _, p := range providers {
		if err := container.Provide(p); err != nil {
			return nil, fmt.Errorf("failed to provide dependency: %w", err)
		}
	}
	return container, nil
}

func newStorage(ctx context.Context, cfg *config.Config, log *logger.Logger) (storage, error) {
	if cfg.NATS.URL == "" {
		log.Warn("NATS_URL not set, keeping messages in memory")
		return storage{Log: service.NewMemoryLog()}, nil
	}

	nc, err := natsclient.Connect(ctx, natsclient.Config{
		URL:            cfg.NATS.URL,
		Name:           "klk-chat-gateway",
		CAFile:         cfg.NATS.CAFile,
		CertFile:       cfg.NATS.CertFile,
		KeyFile:        cfg.NATS.KeyFile,
		Token:          cfg.NATS.Token,
		ConnectTimeout: cfg.NATS.ConnectTimeout,
	}, log)
	if err != nil {
		return storage{}, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	streams := natsclient.NewStreamManager(nc)
	if err := streams.EnsureStream(ctx); err != nil {
		nc.Close()
		return storage{}, fmt.Errorf("failed to ensure stream: %w", err)
	}
	return storage{Log: streams, NATS: nc}, nil
}

type routerParams struct {
	dig.In

	Config        *config.Config
	Logger        *logger.Logger
	Conversations *service.ConversationService
	Messages      *service.MessageService
	Catalog       *persona.Catalog
	Client        *llm.ResilientClient
	Pipeline      *realtime.Pipeline
	Manager       *realtime.Manager
	Verifier      *middleware.JWTVerifier
	NATS          *natsclient.Client
}

func newRouter(p routerParams) http.Handler {
	// A nil *Client must not become a non-nil interface.
	var pinger handler.Pinger
	if p.NATS != nil {
		pinger = p.NATS
	}

	return handler.NewRouter(handler.RouterConfig{
		AllowedOrigins:  p.Config.Server.AllowedOrigins,
		RateLimit:       p.Config.RateLimit.Requests,
		RateLimitWindow: p.Config.RateLimit.Window,
	}, handler.Handlers{
		Health:        handler.NewHealthHandler(pinger, p.Client, p.Manager),
		Conversations: handler.NewConversationHandler(p.Conversations, p.Catalog, p.Logger),
		Messages:      handler.NewMessageHandler(p.Messages, p.Conversations, p.Logger),
		Stream:        handler.NewStreamHandler(p.Pipeline, p.Manager, p.Logger, handler.WithHeartbeat(p.Config.Server.SSEHeartbeat)),
		WebSocket:     handler.NewWebSocketHandler(p.Manager, p.Verifier, p.Config.Auth.RequireAuth, p.Logger),
	}, p.Verifier, p.Logger)
}
