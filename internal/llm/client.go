// Package llm provides the resilient gateway to the upstream LLM provider:
// chunked response parsing, retry with backoff, a shared circuit breaker,
// and cancellation of in-flight requests.
package llm

import (
	"context"
	"strings"
	"time"
)

// ChatMessage represents a chat message for LLM.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest represents a completion request. It is not modified
// after it is issued; zero fields take the client defaults.
type CompletionRequest struct {
	// RequestID identifies the call for cancellation and log correlation.
	RequestID string
	Model     string
	Messages  []ChatMessage
	MaxTokens int
	// Timeout bounds every network attempt.
	Timeout time.Duration
}

// CompletionResponse represents a non-streaming completion response.
type CompletionResponse struct {
	ID           string
	Content      string
	Model        string
	FinishReason string
	TokensIn     int
	TokensOut    int
	Attempts     int
	LatencyMs    int64
}

// DeltaChunk is one element of a completion stream: a text increment, the
// single final marker, or a terminal error.
type DeltaChunk struct {
	Text  string
	Final bool
	// Meta carries optional provider metadata (id, model, finish_reason).
	Meta map[string]string
	Err  error
}

// Client is the interface for the completion gateway.
type Client interface {
	// FetchCompletion sends a blocking completion request.
	FetchCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// StreamCompletion sends a streaming completion request. The channel
	// ends with one final chunk or one error chunk, or closes with neither
	// after the request was cancelled.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan DeltaChunk, error)

	// Cancel aborts an in-flight request. Unknown ids are ignored.
	Cancel(requestID string) bool
}

// Collect drains a stream and returns the assembled text. A stream closed
// without a final marker was cancelled. Chunks that arrive after ctx is done
// are discarded.
func Collect(ctx context.Context, chunks <-chan DeltaChunk) (string, error) {
	var sb strings.Builder
	for chunk := range chunks {
		if ctx.Err() != nil {
			for range chunks {
			}
			return sb.String(), context.Cause(ctx)
		}
		if chunk.Err != nil {
			return sb.String(), chunk.Err
		}
		if chunk.Final {
			return sb.String(), nil
		}
		sb.WriteString(chunk.Text)
	}
	return sb.String(), ErrCanceled
}
