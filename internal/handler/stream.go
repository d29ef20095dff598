package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/knath2000/klk-back-sub001/internal/middleware"
	"github.com/knath2000/klk-back-sub001/internal/model"
	"github.com/knath2000/klk-back-sub001/internal/realtime"
	"github.com/knath2000/klk-back-sub001/pkg/logger"
)

// Broadcaster fans events out to websocket members of a conversation room.
type Broadcaster interface {
	Broadcast(conversationID string, env model.Envelope, exceptSessionID string) int
}

const defaultHeartbeat = 15 * time.Second

// StreamHandler serves the chat pipeline over server-sent events.
type StreamHandler struct {
	runner    realtime.ChatRunner
	rooms     Broadcaster
	heartbeat time.Duration
	logger    *logger.Logger
}

// StreamOption configures a StreamHandler.
type StreamOption func(*StreamHandler)

// WithHeartbeat sets how often an SSE comment is written while an answer is
// being generated.
func WithHeartbeat(d time.Duration) StreamOption {
	return func(h *StreamHandler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// NewStreamHandler creates a new stream handler. rooms may be nil.
func NewStreamHandler(runner realtime.ChatRunner, rooms Broadcaster, log *logger.Logger, opts ...StreamOption) *StreamHandler {
	h := &StreamHandler{
		runner:    runner,
		rooms:     rooms,
		heartbeat: defaultHeartbeat,
		logger:    log,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// StreamWithMessage handles POST /api/v1/conversations/{id}/stream
// The id "new" starts a conversation. Events use the realtime event names;
// the stream ends after the terminal event.
func (h *StreamHandler) StreamWithMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")
	if conversationID == "new" {
		conversationID = ""
	}

	var req model.ChatRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.ConversationID = conversationID

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := &sseSink{w: w, flusher: flusher, rooms: h.rooms, log: h.logger}
	origin := realtime.Origin{UserID: middleware.GetUserID(ctx)}

	// Keep proxies from closing the response while the answer is generated.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sink.keepAlive(h.heartbeat, stop)
	}()

	outcome := h.runner.Run(ctx, origin, req, sink)
	close(stop)
	wg.Wait()
	h.logger.Debug("sse chat finished", zap.String("outcome", string(outcome)))
}

// sseSink writes pipeline events as SSE frames. Room broadcasts go to
// websocket members.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	rooms   Broadcaster
	log     *logger.Logger
}

func (s *sseSink) Emit(env model.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := sendSSEEvent(s.w, s.flusher, string(env.Type), env.Data); err != nil {
		s.log.Debug("failed to write sse event", zap.Error(err))
	}
}

func (s *sseSink) Broadcast(conversationID string, env model.Envelope) {
	if s.rooms != nil {
		s.rooms.Broadcast(conversationID, env, "")
	}
}

func (s *sseSink) Resolved(string) {}

// keepAlive writes an SSE comment every interval until stop is closed.
func (s *sseSink) keepAlive(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			if _, err := fmt.Fprint(s.w, ": heartbeat\n\n"); err == nil {
				s.flusher.Flush()
			}
			s.mu.Unlock()
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
