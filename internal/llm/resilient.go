package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/knath2000/klk-back-sub001/pkg/logger"
	"github.com/knath2000/klk-back-sub001/pkg/metrics"
)

const readFrameSize = 4 << 10

// ClientConfig configures the ResilientClient.
type ClientConfig struct {
	BaseURL      string
	APIKey       string
	DefaultModel string
	MaxTokens    int
	// Timeout bounds each attempt; for streams it also bounds the body read.
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	// HTTPClient must not set its own Timeout; deadlines come from contexts.
	HTTPClient *http.Client
}

// ResilientClient talks to the upstream completion endpoint with retries,
// a shared circuit breaker and per-request cancellation.
type ResilientClient struct {
	cfg      ClientConfig
	http     *http.Client
	breaker  *CircuitBreaker
	registry *Registry
	logger   *logger.Logger
	tracer   trace.Tracer
}

var _ Client = (*ResilientClient)(nil)

// NewResilientClient creates a client. The breaker is shared by every request
// made through the returned client.
func NewResilientClient(cfg ClientConfig, breaker *CircuitBreaker, log *logger.Logger) *ResilientClient {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if breaker == nil {
		breaker = NewCircuitBreaker(DefaultBreakerConfig())
	}
	if log == nil {
		log = logger.NewNop()
	}

	return &ResilientClient{
		cfg:      cfg,
		http:     httpClient,
		breaker:  breaker,
		registry: NewRegistry(),
		logger:   log.Named("llm"),
		tracer:   otel.Tracer("github.com/knath2000/klk-back-sub001/internal/llm"),
	}
}

// Breaker returns the shared circuit breaker.
func (c *ResilientClient) Breaker() *CircuitBreaker {
	return c.breaker
}

// InFlight returns the number of registered requests.
func (c *ResilientClient) InFlight() int {
	return c.registry.Len()
}

// Cancel aborts the in-flight request with the given id.
func (c *ResilientClient) Cancel(requestID string) bool {
	if !c.registry.Cancel(requestID) {
		return false
	}
	metrics.CancellationsTotal.Inc()
	c.logger.Info("request cancelled", zap.String("request_id", requestID))
	return true
}

// FetchCompletion sends a blocking completion request.
func (c *ResilientClient) FetchCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	req, err := c.normalize(req)
	if err != nil {
		return nil, err
	}
	log := c.logger.With(zap.String("request_id", req.RequestID), zap.String("model", req.Model))

	ctx, span := c.tracer.Start(ctx, "llm.fetch_completion", trace.WithAttributes(
		attribute.String("llm.request_id", req.RequestID),
		attribute.String("llm.model", req.Model),
	))
	defer span.End()

	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	entry, err := c.registry.Register(req.RequestID, cancel)
	if err != nil {
		c.observe(span, "fetch", err, 0, 0)
		return nil, err
	}
	defer c.registry.Remove(entry)

	payload, err := buildPayload(req, false)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var out *CompletionResponse
	attempts, err := c.withRetry(reqCtx, log, func(ctx context.Context, _ int) error {
		attemptCtx, stop := context.WithTimeoutCause(ctx, req.Timeout, ErrUpstreamTimeout)
		defer stop()

		resp, err := c.post(attemptCtx, payload, false)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		decoded, err := decodeCompletion(resp.Body)
		if err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				return &UpstreamError{StatusCode: resp.StatusCode, Cause: fmt.Errorf("failed to decode completion: %w", err)}
			}
			return c.transportError(attemptCtx, err)
		}
		out = decoded
		return nil
	})
	elapsed := time.Since(start)
	c.observe(span, "fetch", err, attempts, elapsed)
	if err != nil {
		log.Warn("completion failed", zap.Int("attempts", attempts), zap.Error(err))
		return nil, err
	}

	out.Attempts = attempts
	out.LatencyMs = elapsed.Milliseconds()
	if out.Model == "" {
		out.Model = req.Model
	}
	log.Debug("completion succeeded",
		zap.Int("attempts", attempts),
		zap.Duration("latency", elapsed),
		zap.Int("tokens_out", out.TokensOut),
	)
	return out, nil
}

// StreamCompletion sends a streaming completion request. Connection
// establishment is retried like FetchCompletion; once a 2xx body arrives
// the stream itself is never retried.
func (c *ResilientClient) StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan DeltaChunk, error) {
	req, err := c.normalize(req)
	if err != nil {
		return nil, err
	}
	log := c.logger.With(zap.String("request_id", req.RequestID), zap.String("model", req.Model))

	ctx, span := c.tracer.Start(ctx, "llm.stream_completion", trace.WithAttributes(
		attribute.String("llm.request_id", req.RequestID),
		attribute.String("llm.model", req.Model),
	))

	reqCtx, cancel := context.WithCancelCause(ctx)
	entry, err := c.registry.Register(req.RequestID, cancel)
	if err != nil {
		cancel(nil)
		c.observe(span, "stream", err, 0, 0)
		span.End()
		return nil, err
	}

	payload, err := buildPayload(req, true)
	if err != nil {
		c.registry.Remove(entry)
		cancel(nil)
		span.End()
		return nil, err
	}

	start := time.Now()
	var (
		body      io.ReadCloser
		streamCtx context.Context
		stop      context.CancelFunc
	)
	attempts, err := c.withRetry(reqCtx, log, func(ctx context.Context, _ int) error {
		attemptCtx, attemptStop := context.WithTimeoutCause(ctx, req.Timeout, ErrUpstreamTimeout)
		resp, err := c.post(attemptCtx, payload, true)
		if err != nil {
			attemptStop()
			return err
		}
		body, streamCtx, stop = resp.Body, attemptCtx, attemptStop
		return nil
	})
	if err != nil {
		c.registry.Remove(entry)
		cancel(nil)
		c.observe(span, "stream", err, attempts, time.Since(start))
		span.End()
		log.Warn("stream connection failed", zap.Int("attempts", attempts), zap.Error(err))
		return nil, err
	}

	entry.AttachReader(body)
	// Unbuffered so no chunk is pending once Cancel returns.
	chunks := make(chan DeltaChunk)
	metrics.StreamsActive.Inc()

	go c.pump(&activeStream{
		entry:     entry,
		body:      body,
		reqCtx:    reqCtx,
		streamCtx: streamCtx,
		cancel:    cancel,
		stop:      stop,
		span:      span,
		log:       log,
		start:     start,
		attempts:  attempts,
	}, chunks)

	return chunks, nil
}

type activeStream struct {
	entry     *Entry
	body      io.ReadCloser
	reqCtx    context.Context
	streamCtx context.Context
	cancel    context.CancelCauseFunc
	stop      context.CancelFunc
	span      trace.Span
	log       *logger.Logger
	start     time.Time
	attempts  int
}

// pump reads the body in frames, feeds the parser and forwards chunks. Every
// exit path releases the registry entry, the body and the channel.
func (c *ResilientClient) pump(s *activeStream, out chan<- DeltaChunk) {
	var result error
	defer func() {
		// The id must be free before consumers observe the closed channel.
		c.registry.Remove(s.entry)
		_ = s.body.Close()
		s.stop()
		s.cancel(nil)
		metrics.StreamsActive.Dec()
		c.observe(s.span, "stream", result, s.attempts, time.Since(s.start))
		s.span.End()
		close(out)
	}()

	send := func(chunk DeltaChunk) bool {
		if s.entry.Canceled() || s.reqCtx.Err() != nil {
			return false
		}
		select {
		case out <- chunk:
			return true
		case <-s.reqCtx.Done():
			return false
		}
	}

	parser := NewDeltaParser(s.log)
	buf := make([]byte, readFrameSize)
	for {
		n, err := s.body.Read(buf)
		if n > 0 {
			for _, chunk := range parser.Feed(buf[:n]) {
				if !send(chunk) {
					result = abandoned(s.reqCtx)
					return
				}
				if chunk.Final {
					return
				}
			}
		}
		if err == nil {
			continue
		}

		if s.reqCtx.Err() != nil {
			result = abandoned(s.reqCtx)
			return
		}
		if errors.Is(err, io.EOF) {
			for _, chunk := range parser.Close() {
				if !send(chunk) {
					result = abandoned(s.reqCtx)
					return
				}
			}
			return
		}

		result = c.transportError(s.streamCtx, err)
		c.breaker.RecordFailure(failureKind(result))
		s.log.Warn("upstream stream interrupted", zap.Error(result))
		send(DeltaChunk{Err: result})
		return
	}
}

// withRetry runs fn until it succeeds, fails permanently, or attempts run
// out. The breaker is consulted before every attempt.
func (c *ResilientClient) withRetry(ctx context.Context, log *logger.Logger, fn func(ctx context.Context, attempt int) error) (int, error) {
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return attempts, abandoned(ctx)
		}
		if !c.breaker.Allow() {
			log.Debug("circuit open, rejecting attempt", zap.Int("attempt", attempt))
			return attempts, ErrCircuitOpen
		}

		attempts = attempt
		err := fn(ctx, attempt)
		if err == nil {
			c.breaker.RecordSuccess()
			return attempts, nil
		}

		// Cancellation says nothing about upstream health.
		if ctx.Err() != nil {
			c.breaker.Release()
			return attempts, abandoned(ctx)
		}

		var ue *UpstreamError
		if !errors.As(err, &ue) {
			c.breaker.Release()
			return attempts, err
		}
		if ue.StatusCode >= 200 && ue.StatusCode < 300 {
			c.breaker.RecordSuccess()
			return attempts, err
		}

		c.breaker.RecordFailure(failureKind(ue))
		lastErr = err
		log.Warn("upstream attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("status", ue.StatusCode),
			zap.Bool("timeout", ue.Timeout()),
			zap.Error(err),
		)

		if !ue.Retryable() || attempt == c.cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(c.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempts, abandoned(ctx)
		case <-timer.C:
		}
	}

	return attempts, lastErr
}

// backoff returns BaseDelay * 2^(attempt-1).
func (c *ResilientClient) backoff(attempt int) time.Duration {
	return c.cfg.BaseDelay * time.Duration(1<<(attempt-1))
}

func (c *ResilientClient) normalize(req CompletionRequest) (CompletionRequest, error) {
	if len(req.Messages) == 0 {
		return req, ErrEmptyPrompt
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Model == "" {
		req.Model = c.cfg.DefaultModel
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = c.cfg.MaxTokens
	}
	if req.Timeout <= 0 {
		req.Timeout = c.cfg.Timeout
	}
	return req, nil
}

func (c *ResilientClient) observe(span trace.Span, mode string, err error, attempts int, elapsed time.Duration) {
	result := outcome(err)
	metrics.RecordUpstream(mode, result, elapsed.Seconds())
	span.SetAttributes(
		attribute.Int("llm.attempts", attempts),
		attribute.String("llm.outcome", result),
	)
	if err != nil && result != "canceled" {
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
	}
}

// abandoned returns the reason a request context ended.
func abandoned(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrCanceled) {
		return ErrCanceled
	}
	if cause == nil {
		return ctx.Err()
	}
	return cause
}

func failureKind(err error) FailureKind {
	if IsTimeout(err) {
		return FailureTimeout
	}
	return FailureGeneral
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrCanceled):
		return "canceled"
	case IsTimeout(err):
		return "timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "aborted"
	case errors.Is(err, ErrDuplicateRequest):
		return "duplicate"
	default:
		return "error"
	}
}

// BreakerMetricsHook returns a transition hook that logs and exports
// breaker state changes.
func BreakerMetricsHook(log *logger.Logger) func(from, to BreakerState) {
	return func(from, to BreakerState) {
		metrics.RecordBreakerTransition(from.String(), to.String(), int(to))
		if log != nil {
			log.Warn("circuit breaker transition",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}
	}
}
