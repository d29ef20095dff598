package realtime_test

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/knath2000/klk-back-sub001/internal/llm"
	"github.com/knath2000/klk-back-sub001/internal/model"
	"github.com/knath2000/klk-back-sub001/internal/persona"
	"github.com/knath2000/klk-back-sub001/internal/quality"
	"github.com/knath2000/klk-back-sub001/internal/realtime"
	"github.com/knath2000/klk-back-sub001/internal/service"
)

const goodAnswer = "¡Hola! Estoy muy bien, gracias por preguntar. ¿Y tú cómo estás hoy?"

// fakeConn is an in-memory transport. Inbound frames are raw JSON.
type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once
	block  bool

	mu  sync.Mutex
	out []model.Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadJSON(v any) error {
	select {
	case raw := <-c.in:
		return json.Unmarshal(raw, v)
	case <-c.closed:
		return io.EOF
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	if c.block {
		<-c.closed
		return io.ErrClosedPipe
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, v.(model.Envelope))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) send(t *testing.T, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	c.in <- raw
}

func (c *fakeConn) events() []model.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Envelope(nil), c.out...)
}

func (c *fakeConn) ofType(eventType model.EventType) []model.Envelope {
	var out []model.Envelope
	for _, env := range c.events() {
		if env.Type == eventType {
			out = append(out, env)
		}
	}
	return out
}

// waitFor blocks until n events of the type were written and returns them.
func (c *fakeConn) waitFor(t *testing.T, eventType model.EventType, n int) []model.Envelope {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(c.ofType(eventType)) >= n
	}, 2*time.Second, 5*time.Millisecond, "waiting for %d %s events", n, eventType)
	return c.ofType(eventType)
}

// fakeStreamer streams scripted answers word by word.
type fakeStreamer struct {
	mu       sync.Mutex
	text     string
	err      error
	block    bool
	requests []llm.CompletionRequest
}

func (f *fakeStreamer) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.DeltaChunk, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	text, err, block := f.text, f.err, f.block
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	out := make(chan llm.DeltaChunk)
	go func() {
		defer close(out)
		for _, word := range strings.SplitAfter(text, " ") {
			select {
			case out <- llm.DeltaChunk{Text: word}:
			case <-ctx.Done():
				return
			}
		}
		if block {
			<-ctx.Done()
			select {
			case out <- llm.DeltaChunk{Err: llm.ErrCanceled}:
			default:
			}
			return
		}
		select {
		case out <- llm.DeltaChunk{Final: true, Meta: map[string]string{"model": "test-model"}}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func (f *fakeStreamer) calls() []llm.CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.CompletionRequest(nil), f.requests...)
}

// fakeCanceler records upstream cancellations.
type fakeCanceler struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeCanceler) Cancel(requestID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, requestID)
	return true
}

func (f *fakeCanceler) canceled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newChatStore() *service.ChatStore {
	convs := service.NewConversationService(nil)
	msgs := service.NewMessageService(service.NewMemoryLog(), convs, nil)
	return service.NewChatStore(convs, msgs)
}

func newPipeline(t *testing.T, store realtime.Store, streamer quality.Streamer) *realtime.Pipeline {
	t.Helper()
	catalog, err := persona.NewCatalog("", persona.DefaultID, nil)
	require.NoError(t, err)
	gate := quality.NewGate(streamer, quality.Config{
		Enabled:   true,
		Threshold: quality.DefaultThreshold,
		Deadline:  5 * time.Second,
	}, nil)
	return realtime.NewPipeline(store, gate, catalog, realtime.PipelineConfig{
		DefaultModel: "default-model",
		HistoryLimit: 10,
	}, nil)
}

// recordingSink captures pipeline events without a session.
type recordingSink struct {
	mu        sync.Mutex
	emitted   []model.Envelope
	broadcast []model.Envelope
	resolved  []string
}

func (r *recordingSink) Emit(env model.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emitted = append(r.emitted, env)
}

func (r *recordingSink) Broadcast(_ string, env model.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcast = append(r.broadcast, env)
}

func (r *recordingSink) Resolved(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = append(r.resolved, conversationID)
}

func (r *recordingSink) terminals() []model.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Envelope
	for _, env := range r.emitted {
		if env.Type.IsTerminal() {
			out = append(out, env)
		}
	}
	return out
}
