package realtime

import (
	"context"
	"errors"

	"github.com/knath2000/klk-back-sub001/internal/llm"
	"github.com/knath2000/klk-back-sub001/internal/service"
)

// Error codes carried by client-facing error events.
const (
	CodeInvalidRequest     = "invalid_request"
	CodeForbidden          = "forbidden"
	CodeNotFound           = "not_found"
	CodeRateLimited        = "rate_limited"
	CodeServiceUnavailable = "service_unavailable"
	CodeUpstreamTimeout    = "upstream_timeout"
	CodeUpstreamError      = "upstream_error"
	CodeInternal           = "internal_error"
)

// ErrSessionClosed is the cancel cause of chats whose session went away.
var ErrSessionClosed = errors.New("realtime: session closed")

// classify maps an error to a client error code and a message safe to show.
func classify(err error) (code, message string) {
	var ue *llm.UpstreamError
	switch {
	case errors.Is(err, llm.ErrCircuitOpen):
		return CodeServiceUnavailable, "The assistant is temporarily unavailable. Please try again shortly."
	case llm.IsTimeout(err):
		return CodeUpstreamTimeout, "The assistant took too long to answer."
	case errors.As(err, &ue):
		return CodeUpstreamError, "The assistant could not answer right now."
	case errors.Is(err, llm.ErrDuplicateRequest):
		return CodeInvalidRequest, "A request with this message id is already in progress."
	case errors.Is(err, service.ErrNotFound):
		return CodeNotFound, "Conversation not found."
	case errors.Is(err, service.ErrForbidden):
		return CodeForbidden, "You do not have access to this conversation."
	default:
		return CodeInternal, "Something went wrong while generating the answer."
	}
}

// isCancellation reports whether a pipeline ended because the user cancelled
// it or disconnected.
func isCancellation(err error, cause error) bool {
	for _, target := range []error{llm.ErrCanceled, ErrSessionClosed, context.Canceled} {
		if errors.Is(err, target) || errors.Is(cause, target) {
			return true
		}
	}
	return false
}
