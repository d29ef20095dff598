package llm

import (
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"
)

var (
	// ErrCircuitOpen is returned without a network call while the breaker is open.
	// Callers should surface it as "service temporarily unavailable".
	ErrCircuitOpen = errors.New("llm: service temporarily unavailable")

	// ErrCanceled marks a request stopped through Cancel. It is a normal
	// terminal state, not an upstream failure.
	ErrCanceled = errors.New("llm: request canceled")

	// ErrUpstreamTimeout is the cause attached to attempts that outlive their deadline.
	ErrUpstreamTimeout = errors.New("llm: upstream timeout")

	// ErrDuplicateRequest is returned when a request id is already in flight.
	ErrDuplicateRequest = errors.New("llm: request id already in flight")

	// ErrEmptyPrompt is returned for requests without messages.
	ErrEmptyPrompt = errors.New("llm: request has no messages")
)

// UpstreamError describes a failed attempt against the upstream endpoint.
// StatusCode is 0 for transport failures.
type UpstreamError struct {
	StatusCode int
	Body       string
	Cause      error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	switch {
	case e.StatusCode > 0 && e.Cause != nil:
		return fmt.Sprintf("llm upstream error (status %d): %v", e.StatusCode, e.Cause)
	case e.StatusCode > 0:
		return fmt.Sprintf("llm upstream error (status %d): %s", e.StatusCode, truncate(e.Body, 256))
	default:
		return fmt.Sprintf("llm upstream error: %v", e.Cause)
	}
}

// Unwrap returns the underlying error for error chain support.
func (e *UpstreamError) Unwrap() error {
	return e.Cause
}

// Timeout reports whether the failure belongs to the upstream-timeout class:
// a gateway timeout status or an attempt that ran past its deadline.
func (e *UpstreamError) Timeout() bool {
	if e.StatusCode == http.StatusGatewayTimeout || e.StatusCode == 524 {
		return true
	}
	return errors.Is(e.Cause, ErrUpstreamTimeout)
}

// Retryable reports whether another attempt may succeed.
func (e *UpstreamError) Retryable() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode >= 200 && e.StatusCode < 300:
		return false
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusRequestTimeout:
		return true
	default:
		return false
	}
}

// IsTimeout reports whether err is an upstream-timeout-class failure.
func IsTimeout(err error) bool {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Timeout()
	}
	return errors.Is(err, ErrUpstreamTimeout)
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
