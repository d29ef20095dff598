package llm_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/knath2000/klk-back-sub001/internal/llm"
)

func deltaLine(content string) string {
	return `data: {"id":"chatcmpl-1","model":"test-model","choices":[{"index":0,"delta":{"content":"` + content + `"}}]}` + "\n\n"
}

func texts(chunks []llm.DeltaChunk) string {
	var sb strings.Builder
	for _, c := range chunks {
		sb.WriteString(c.Text)
	}
	return sb.String()
}

func TestDeltaParser(t *testing.T) {
	t.Run("frames split mid-line", func(t *testing.T) {
		body := deltaLine("Hola") + deltaLine(", amigo") + "data: [DONE]\n\n"

		p := llm.NewDeltaParser(nil)
		var chunks []llm.DeltaChunk
		for i := 0; i < len(body); i += 7 {
			end := i + 7
			if end > len(body) {
				end = len(body)
			}
			chunks = append(chunks, p.Feed([]byte(body[i:end]))...)
		}
		chunks = append(chunks, p.Close()...)

		require.Len(t, chunks, 3)
		require.Equal(t, "Hola, amigo", texts(chunks))
		require.True(t, chunks[2].Final)
		require.Equal(t, "chatcmpl-1", chunks[2].Meta["id"])
		require.Equal(t, "test-model", chunks[2].Meta["model"])
		require.True(t, p.Done())
	})

	t.Run("input after done is ignored", func(t *testing.T) {
		p := llm.NewDeltaParser(nil)
		chunks := p.Feed([]byte("data: [DONE]\n" + deltaLine("late")))
		require.Len(t, chunks, 1)
		require.True(t, chunks[0].Final)

		require.Empty(t, p.Feed([]byte(deltaLine("later"))))
		require.Empty(t, p.Close())
	})

	t.Run("end of stream without done marker yields one final", func(t *testing.T) {
		p := llm.NewDeltaParser(nil)
		chunks := p.Feed([]byte(deltaLine("uno")))
		require.Len(t, chunks, 1)
		require.False(t, p.Done())

		closing := p.Close()
		require.Len(t, closing, 1)
		require.True(t, closing[0].Final)
		require.Empty(t, p.Close())
	})

	t.Run("trailing line without newline is flushed on close", func(t *testing.T) {
		p := llm.NewDeltaParser(nil)
		line := strings.TrimSuffix(deltaLine("cola"), "\n\n")
		require.Empty(t, p.Feed([]byte(line)))

		chunks := p.Close()
		require.Len(t, chunks, 2)
		require.Equal(t, "cola", chunks[0].Text)
		require.True(t, chunks[1].Final)
	})

	t.Run("malformed and non-data lines are skipped", func(t *testing.T) {
		body := ": keep-alive\r\n" +
			"event: message\r\n" +
			"data: {not json}\r\n" +
			"\r\n" +
			strings.ReplaceAll(deltaLine("ok"), "\n", "\r\n") +
			"data: [DONE]\r\n"

		p := llm.NewDeltaParser(nil)
		chunks := p.Feed([]byte(body))
		require.Len(t, chunks, 2)
		require.Equal(t, "ok", chunks[0].Text)
		require.True(t, chunks[1].Final)
	})

	t.Run("empty deltas and finish reason", func(t *testing.T) {
		body := `data: {"id":"x","choices":[{"index":0,"delta":{"role":"assistant"}}]}` + "\n" +
			`data: {"id":"x","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}` + "\n"

		p := llm.NewDeltaParser(nil)
		require.Empty(t, p.Feed([]byte(body)))

		chunks := p.Close()
		require.Len(t, chunks, 1)
		require.Equal(t, "stop", chunks[0].Meta["finish_reason"])
	})
}
