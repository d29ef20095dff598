package quality

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/knath2000/klk-back-sub001/internal/llm"
	"github.com/knath2000/klk-back-sub001/internal/model"
	"github.com/knath2000/klk-back-sub001/pkg/logger"
	"github.com/knath2000/klk-back-sub001/pkg/metrics"
)

// ErrDeadline is the cause used when the overall answer deadline expires.
// It is timeout-class for llm.IsTimeout.
var ErrDeadline = fmt.Errorf("quality: answer deadline exceeded: %w", llm.ErrUpstreamTimeout)

const (
	genericFallback  = "Lo siento, no pude generar una buena respuesta. ¿Puedes intentarlo de nuevo?"
	retryInstruction = "Your previous answer was too short or unclear. Answer the last user message again, " +
		"fully and engagingly, in the same language and persona."
)

// Streamer is the part of the completion client the gate needs.
type Streamer interface {
	StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.DeltaChunk, error)
}

// Config configures the Gate.
type Config struct {
	Enabled   bool
	Threshold float64
	// Deadline spans both attempts; zero disables it.
	Deadline       time.Duration
	AppendFollowUp bool
}

// DeltaFunc receives streamed text. attempt starts at 1 and becomes 2 when
// the answer is regenerated.
type DeltaFunc func(attempt int, text string)

// Result is the answer chosen by the gate. Text is never empty.
type Result struct {
	Text     string
	Model    string
	Score    float64
	Attempts int
	Fallback bool
}

// Gate streams an answer, scores it, and regenerates once or falls back to
// the persona's canned answer when it is too weak.
type Gate struct {
	streamer Streamer
	cfg      Config
	logger   *logger.Logger
}

// NewGate creates a Gate.
func NewGate(streamer Streamer, cfg Config, log *logger.Logger) *Gate {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Gate{streamer: streamer, cfg: cfg, logger: log.Named("quality")}
}

// Run produces the answer for req. Errors of the first attempt, including
// cancellation, are returned unchanged; a failed regeneration falls back.
func (g *Gate) Run(ctx context.Context, req llm.CompletionRequest, p model.Persona, onDelta DeltaFunc) (*Result, error) {
	if g.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, g.cfg.Deadline, ErrDeadline)
		defer cancel()
	}
	if onDelta == nil {
		onDelta = func(int, string) {}
	}
	log := g.logger.With(zap.String("request_id", req.RequestID), zap.String("persona", p.ID))

	text, modelName, err := g.attempt(ctx, req, 1, onDelta)
	if err != nil {
		return nil, err
	}

	if !g.cfg.Enabled {
		if strings.TrimSpace(text) == "" {
			return g.fallback(p, modelName, 1), nil
		}
		return g.accept(text, modelName, Score(text, g.cfg.Threshold).Score, 1, p), nil
	}

	first := Score(text, g.cfg.Threshold)
	if first.Valid {
		return g.accept(text, modelName, first.Score, 1, p), nil
	}

	log.Info("answer failed quality gate, regenerating",
		zap.Float64("score", first.Score),
		zap.Strings("reasons", first.Reasons),
	)
	metrics.QualityRetriesTotal.Inc()

	retryText, retryModel, err := g.attempt(ctx, retryRequest(req, text), 2, onDelta)
	if err != nil {
		if isCancellation(ctx, err) {
			return nil, err
		}
		log.Warn("regeneration failed, using fallback", zap.Error(err))
		return g.fallback(p, modelName, 2), nil
	}
	if retryModel != "" {
		modelName = retryModel
	}

	second := Score(retryText, g.cfg.Threshold)
	if second.Valid {
		return g.accept(retryText, modelName, second.Score, 2, p), nil
	}

	log.Warn("regenerated answer still weak, using fallback",
		zap.Float64("score", second.Score),
		zap.Strings("reasons", second.Reasons),
	)
	return g.fallback(p, modelName, 2), nil
}

// attempt streams one answer to completion.
func (g *Gate) attempt(ctx context.Context, req llm.CompletionRequest, attempt int, onDelta DeltaFunc) (string, string, error) {
	chunks, err := g.streamer.StreamCompletion(ctx, req)
	if err != nil {
		return "", "", err
	}

	var sb strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			drain(chunks)
			return sb.String(), "", chunk.Err
		}
		if chunk.Final {
			// Wait for the stream to release its request id.
			drain(chunks)
			return sb.String(), chunk.Meta["model"], nil
		}
		if ctx.Err() != nil {
			drain(chunks)
			return sb.String(), "", context.Cause(ctx)
		}
		if chunk.Text == "" {
			continue
		}
		sb.WriteString(chunk.Text)
		onDelta(attempt, chunk.Text)
	}

	if cause := context.Cause(ctx); cause != nil {
		return sb.String(), "", cause
	}
	return sb.String(), "", llm.ErrCanceled
}

func (g *Gate) accept(text, modelName string, score float64, attempts int, p model.Persona) *Result {
	text = strings.TrimSpace(text)
	if g.cfg.AppendFollowUp && p.FollowUp != "" && !strings.ContainsAny(text, "?¿") {
		text = text + "\n\n" + p.FollowUp
	}
	return &Result{Text: text, Model: modelName, Score: score, Attempts: attempts}
}

func (g *Gate) fallback(p model.Persona, modelName string, attempts int) *Result {
	metrics.QualityFallbacksTotal.Inc()
	return &Result{Text: FallbackText(p), Model: modelName, Attempts: attempts, Fallback: true}
}

// FallbackText returns the persona's canned answer.
func FallbackText(p model.Persona) string {
	if p.Fallback != "" {
		return p.Fallback
	}
	return genericFallback
}

// retryRequest extends the prompt with the weak answer and an instruction
// to answer again. The request id is reused so cancellation still applies.
func retryRequest(req llm.CompletionRequest, weak string) llm.CompletionRequest {
	messages := make([]llm.ChatMessage, 0, len(req.Messages)+2)
	messages = append(messages, req.Messages...)
	if strings.TrimSpace(weak) != "" {
		messages = append(messages, llm.ChatMessage{Role: string(model.RoleAssistant), Content: weak})
	}
	messages = append(messages, llm.ChatMessage{Role: string(model.RoleUser), Content: retryInstruction})
	req.Messages = messages
	return req
}

// isCancellation reports whether err means the caller gave up, as opposed
// to the answer deadline or an upstream failure.
func isCancellation(ctx context.Context, err error) bool {
	if errors.Is(err, llm.ErrCanceled) {
		return true
	}
	if ctx.Err() == nil {
		return false
	}
	return !errors.Is(context.Cause(ctx), ErrDeadline)
}

func drain(chunks <-chan llm.DeltaChunk) {
	for range chunks {
	}
}
