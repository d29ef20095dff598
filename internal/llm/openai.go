package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const (
	completionsPath = "/chat/completions"
	maxErrorBody    = 4 << 10
)

// buildPayload converts a request to the generic chat completion wire format.
func buildPayload(req CompletionRequest, stream bool) ([]byte, error) {
	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	body, err := json.Marshal(openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
		Stream:    stream,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode completion request: %w", err)
	}
	return body, nil
}

// post sends one attempt. Non-2xx responses are drained into an UpstreamError.
func (c *ResilientClient) post(ctx context.Context, payload []byte, stream bool) (*http.Response, error) {
	url := strings.TrimRight(c.cfg.BaseURL, "/") + completionsPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("Cache-Control", "no-cache")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, c.transportError(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return resp, nil
}

// transportError attributes a failed network operation. An expired attempt
// deadline becomes timeout-class; anything else is a general network failure.
func (c *ResilientClient) transportError(attemptCtx context.Context, err error) error {
	if cause := context.Cause(attemptCtx); cause == ErrUpstreamTimeout {
		return &UpstreamError{Cause: ErrUpstreamTimeout}
	}
	return &UpstreamError{Cause: err}
}

// decodeCompletion reads a blocking completion body.
func decodeCompletion(r io.Reader) (*CompletionResponse, error) {
	var resp openai.ChatCompletionResponse
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return nil, err
	}

	out := &CompletionResponse{
		ID:        resp.ID,
		Model:     resp.Model,
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
	}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
		out.FinishReason = string(resp.Choices[0].FinishReason)
	}
	return out, nil
}
