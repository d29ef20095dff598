package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/knath2000/klk-back-sub001/internal/config"
)

func TestConfigWarnings(t *testing.T) {
	t.Run("defaults warn about key and secret", func(t *testing.T) {
		t.Setenv("LLM_API_KEY", "")
		t.Setenv("JWT_SECRET", config.DefaultJWTSecret)
		cfg, err := config.Load()
		require.NoError(t, err)

		warnings := configWarnings(cfg)
		require.Len(t, warnings, 2)
		require.Contains(t, warnings[0], "LLM_API_KEY")
		require.Contains(t, warnings[1], "JWT_SECRET")
	})

	t.Run("configured deployment is quiet", func(t *testing.T) {
		t.Setenv("LLM_API_KEY", "sk-test")
		t.Setenv("JWT_SECRET", "a-real-secret")
		cfg, err := config.Load()
		require.NoError(t, err)

		require.Empty(t, configWarnings(cfg))
	})
}
