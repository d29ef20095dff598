// Package main is the entry point for the chat gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/knath2000/klk-back-sub001/internal/config"
	natsclient "github.com/knath2000/klk-back-sub001/internal/nats"
	"github.com/knath2000/klk-back-sub001/internal/persona"
	"github.com/knath2000/klk-back-sub001/internal/realtime"
	"github.com/knath2000/klk-back-sub001/pkg/logger"
	"github.com/knath2000/klk-back-sub001/pkg/tracing"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chat gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	defer logger.SetGlobal(log)()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer(ctx, "klk-chat-gateway", cfg.Tracing.Endpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tracing.Shutdown(shutdownCtx, tp)
			}()
		}
	}

	for _, warning := range configWarnings(cfg) {
		log.Warn(warning)
	}

	container, err := buildContainer(ctx, cfg, log)
	if err != nil {
		return err
	}

	return container.Invoke(func(router http.Handler, manager *realtime.Manager, catalog *persona.Catalog, nc *natsclient.Client) error {
		if nc != nil {
			defer nc.Close()
		}
		return serve(ctx, cfg, log, router, manager, catalog)
	})
}

// configWarnings lists settings that work but are unsafe or incomplete.
func configWarnings(cfg *config.Config) []string {
	var warnings []string
	if cfg.Upstream.APIKey == "" {
		warnings = append(warnings, "LLM_API_KEY not set, upstream requests will likely be rejected")
	}
	if cfg.Auth.JWTSecret == config.DefaultJWTSecret {
		warnings = append(warnings, "JWT_SECRET is the development default, anyone can mint valid tokens")
	}
	return warnings
}

// serve runs the HTTP server, the idle reaper and the persona watcher until
// ctx is cancelled, then shuts everything down.
func serve(ctx context.Context, cfg *config.Config, log *logger.Logger, router http.Handler, manager *realtime.Manager, catalog *persona.Catalog) error {
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return manager.RunReaper(gctx)
	})

	g.Go(func() error {
		if err := catalog.Watch(gctx); err != nil {
			log.Warn("persona hot reload disabled", zap.Error(err))
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("server forced to shutdown", zap.Error(err))
		}
		if err := manager.Shutdown(shutdownCtx); err != nil {
			log.Error("sessions did not drain", zap.Error(err))
		}
		return nil
	})

	err := g.Wait()
	log.Info("server stopped")
	return err
}
