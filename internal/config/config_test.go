package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/knath2000/klk-back-sub001/internal/config"
)

func TestLoad(t *testing.T) {
	t.Run("should load config with defaults", func(t *testing.T) {
		cfg, err := config.Load()

		require.NoError(t, err)
		require.Equal(t, "8080", cfg.Server.Port)
		require.Equal(t, 30*time.Second, cfg.Upstream.RequestTimeout)
		require.Equal(t, 3, cfg.Upstream.MaxAttempts)
		require.Equal(t, 500*time.Millisecond, cfg.Upstream.RetryBaseDelay)
		require.Equal(t, 5, cfg.Breaker.FailureThreshold)
		require.Equal(t, 8, cfg.Breaker.TimeoutThreshold)
		require.Equal(t, 30*time.Second, cfg.Breaker.Cooldown)
		require.Equal(t, 20, cfg.Realtime.ChatRateLimit)
		require.Equal(t, time.Minute, cfg.Realtime.ChatRateWindow)
		require.True(t, cfg.Quality.Enabled)
		require.False(t, cfg.Auth.RequireAuth)
		require.Empty(t, cfg.NATS.URL)
		require.Equal(t, []string{"https://*", "http://*"}, cfg.Server.AllowedOrigins)
		require.Equal(t, "json", cfg.LogFormat)
	})

	t.Run("should load config from environment variables", func(t *testing.T) {
		t.Setenv("PORT", "9000")
		t.Setenv("LLM_BASE_URL", "http://llm.internal/v1")
		t.Setenv("LLM_REQUEST_TIMEOUT", "5s")
		t.Setenv("BREAKER_TIMEOUT_THRESHOLD", "2")
		t.Setenv("CHAT_RATE_LIMIT", "3")
		t.Setenv("REQUIRE_AUTH", "true")
		t.Setenv("CORS_ALLOWED_ORIGINS", "https://klk.app")

		cfg, err := config.Load()

		require.NoError(t, err)
		require.Equal(t, "9000", cfg.Server.Port)
		require.Equal(t, "http://llm.internal/v1", cfg.Upstream.BaseURL)
		require.Equal(t, 5*time.Second, cfg.Upstream.RequestTimeout)
		require.Equal(t, 2, cfg.Breaker.TimeoutThreshold)
		require.Equal(t, 3, cfg.Realtime.ChatRateLimit)
		require.True(t, cfg.Auth.RequireAuth)
		require.Equal(t, []string{"https://klk.app"}, cfg.Server.AllowedOrigins)
	})

	t.Run("should fail on malformed duration", func(t *testing.T) {
		t.Setenv("IDLE_TIMEOUT", "soon")

		_, err := config.Load()

		require.Error(t, err)
	})
}
