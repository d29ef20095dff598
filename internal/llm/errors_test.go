package llm_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/knath2000/klk-back-sub001/internal/llm"
)

func TestUpstreamErrorMessage(t *testing.T) {
	t.Run("long bodies are cut on a rune boundary", func(t *testing.T) {
		err := &llm.UpstreamError{StatusCode: 502, Body: strings.Repeat("€", 200)}

		msg := err.Error()
		require.True(t, utf8.ValidString(msg))
		require.True(t, strings.HasSuffix(msg, "€..."))
		require.Less(t, len(msg), 300)
	})

	t.Run("short bodies are kept", func(t *testing.T) {
		err := &llm.UpstreamError{StatusCode: 400, Body: "modelo inválido"}
		require.Contains(t, err.Error(), "modelo inválido")
	})
}
