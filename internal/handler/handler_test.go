package handler_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/knath2000/klk-back-sub001/internal/handler"
	"github.com/knath2000/klk-back-sub001/internal/llm"
	"github.com/knath2000/klk-back-sub001/internal/middleware"
	"github.com/knath2000/klk-back-sub001/internal/model"
	"github.com/knath2000/klk-back-sub001/internal/persona"
	"github.com/knath2000/klk-back-sub001/internal/quality"
	"github.com/knath2000/klk-back-sub001/internal/realtime"
	"github.com/knath2000/klk-back-sub001/internal/service"
	"github.com/knath2000/klk-back-sub001/pkg/logger"
)

const answer = "¡Claro! El cielo es azul por la dispersión de la luz solar. ¿Quieres saber más?"

type cannedStreamer struct{}

func (cannedStreamer) StreamCompletion(ctx context.Context, _ llm.CompletionRequest) (<-chan llm.DeltaChunk, error) {
	out := make(chan llm.DeltaChunk)
	go func() {
		defer close(out)
		for _, word := range strings.SplitAfter(answer, " ") {
			select {
			case out <- llm.DeltaChunk{Text: word}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- llm.DeltaChunk{Final: true}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// slowRunner answers after a pause.
type slowRunner struct{ pause time.Duration }

func (r slowRunner) Run(_ context.Context, _ realtime.Origin, req model.ChatRequest, sink realtime.Sink) model.EventType {
	time.Sleep(r.pause)
	sink.Emit(model.Envelope{Type: model.EventChatFinal, Data: model.ChatFinalEvent{Content: "ok"}})
	return model.EventChatFinal
}

type fakePinger struct{ up bool }

func (f fakePinger) IsConnected() bool { return f.up }

type testServer struct {
	*httptest.Server
	verifier *middleware.JWTVerifier
	manager  *realtime.Manager
	breaker  *llm.CircuitBreaker
	store    *service.ChatStore
}

func newTestServer(t *testing.T, requireAuth bool, nats handler.Pinger) *testServer {
	t.Helper()

	convs := service.NewConversationService(nil)
	msgs := service.NewMessageService(service.NewMemoryLog(), convs, nil)
	store := service.NewChatStore(convs, msgs)

	catalog, err := persona.NewCatalog("", persona.DefaultID, nil)
	require.NoError(t, err)

	gate := quality.NewGate(cannedStreamer{}, quality.Config{Enabled: true, Threshold: quality.DefaultThreshold, Deadline: 5 * time.Second}, nil)
	pipeline := realtime.NewPipeline(store, gate, catalog, realtime.PipelineConfig{DefaultModel: "test-model", HistoryLimit: 10}, nil)
	manager := realtime.NewManager(realtime.Config{}, pipeline, nil, store, nil)
	breaker := llm.NewCircuitBreaker(llm.BreakerConfig{FailureThreshold: 1, TimeoutThreshold: 1, Cooldown: time.Hour})
	upstream := llm.NewResilientClient(llm.ClientConfig{BaseURL: "http://127.0.0.1:1"}, breaker, nil)
	verifier := middleware.NewJWTVerifier("test-secret", "klk-auth")

	log := logger.NewNop()
	router := handler.NewRouter(handler.RouterConfig{}, handler.Handlers{
		Health:        handler.NewHealthHandler(nats, upstream, manager),
		Conversations: handler.NewConversationHandler(convs, catalog, log),
		Messages:      handler.NewMessageHandler(msgs, convs, log),
		Stream:        handler.NewStreamHandler(pipeline, manager, log),
		WebSocket:     handler.NewWebSocketHandler(manager, verifier, requireAuth, log),
	}, verifier, log)

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
		srv.Close()
	})
	return &testServer{Server: srv, verifier: verifier, manager: manager, breaker: breaker, store: store}
}

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := s.verifier.Sign(middleware.Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	require.NoError(t, err)
	return tok
}

func (s *testServer) wsURL(query string) string {
	u, _ := url.Parse(s.URL)
	u.Scheme = "ws"
	u.Path = "/ws"
	u.RawQuery = query
	return u.String()
}

func (s *testServer) do(t *testing.T, method, path, userID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+s.token(t, userID))
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// frame is an outbound event decoded from the wire.
type frame struct {
	Type model.EventType `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readUntil(t *testing.T, conn *websocket.Conn, eventType model.EventType) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Type == eventType {
			return f
		}
	}
}

func TestWebSocket(t *testing.T) {
	t.Run("authenticated chat round trip", func(t *testing.T) {
		srv := newTestServer(t, false, nil)

		conn, _, err := websocket.DefaultDialer.Dial(srv.wsURL("token="+srv.token(t, "alice")), nil)
		require.NoError(t, err)
		defer conn.Close()

		var connected model.ConnectedEvent
		require.NoError(t, json.Unmarshal(readUntil(t, conn, model.EventConnected).Data, &connected))
		require.Equal(t, "alice", connected.UserID)
		require.True(t, connected.Authenticated)

		require.NoError(t, conn.WriteJSON(model.Inbound{Type: model.InboundChat, Chat: &model.ChatRequest{Content: "hello"}}))

		var final model.ChatFinalEvent
		require.NoError(t, json.Unmarshal(readUntil(t, conn, model.EventChatFinal).Data, &final))
		require.Equal(t, answer, final.Content)
		require.NotEmpty(t, final.ConversationID)

		msgs, err := srv.store.History(context.Background(), final.ConversationID, 10)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
	})

	t.Run("anonymous connections are accepted when auth is optional", func(t *testing.T) {
		srv := newTestServer(t, false, nil)

		conn, _, err := websocket.DefaultDialer.Dial(srv.wsURL(""), nil)
		require.NoError(t, err)
		defer conn.Close()

		var connected model.ConnectedEvent
		require.NoError(t, json.Unmarshal(readUntil(t, conn, model.EventConnected).Data, &connected))
		require.False(t, connected.Authenticated)
		require.True(t, strings.HasPrefix(connected.UserID, "anon:"))
	})

	t.Run("invalid tokens are rejected", func(t *testing.T) {
		srv := newTestServer(t, false, nil)

		_, resp, err := websocket.DefaultDialer.Dial(srv.wsURL("token=garbage"), nil)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("missing token is rejected when auth is required", func(t *testing.T) {
		srv := newTestServer(t, true, nil)

		_, resp, err := websocket.DefaultDialer.Dial(srv.wsURL(""), nil)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		header := http.Header{"Authorization": []string{"Bearer " + srv.token(t, "bob")}}
		conn, _, err := websocket.DefaultDialer.Dial(srv.wsURL(""), header)
		require.NoError(t, err)
		conn.Close()
	})
}

func TestStreamEndpoint(t *testing.T) {
	srv := newTestServer(t, false, nil)

	resp := srv.do(t, http.MethodPost, "/api/v1/conversations/new/stream", "alice", `{"content":"¿Por qué el cielo es azul?"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []string
	var finalData string
	scanner := bufio.NewScanner(resp.Body)
	var current string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current = strings.TrimPrefix(line, "event: ")
			events = append(events, current)
		case strings.HasPrefix(line, "data: ") && current == string(model.EventChatFinal):
			finalData = strings.TrimPrefix(line, "data: ")
		}
	}

	require.Contains(t, events, string(model.EventChatDelta))
	require.Equal(t, string(model.EventTypingEnd), events[len(events)-1])

	var final model.ChatFinalEvent
	require.NoError(t, json.Unmarshal([]byte(finalData), &final))
	require.Equal(t, answer, final.Content)

	t.Run("unauthenticated requests are rejected", func(t *testing.T) {
		resp := srv.do(t, http.MethodPost, "/api/v1/conversations/new/stream", "", `{"content":"hola"}`)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("empty content is rejected before streaming", func(t *testing.T) {
		resp := srv.do(t, http.MethodPost, "/api/v1/conversations/new/stream", "alice", `{"content":"  "}`)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestConversationEndpoints(t *testing.T) {
	srv := newTestServer(t, false, nil)

	resp := srv.do(t, http.MethodPost, "/api/v1/conversations", "alice", `{"title":"Planes","persona_id":"profesor"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var conv model.Conversation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&conv))
	require.Equal(t, "alice", conv.OwnerID)
	require.Equal(t, "profesor", conv.PersonaID)

	resp = srv.do(t, http.MethodPost, "/api/v1/conversations", "alice", `{"persona_id":"pirata"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	path := "/api/v1/conversations/" + conv.ID
	require.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, path, "alice", "").StatusCode)
	require.Equal(t, http.StatusNotFound, srv.do(t, http.MethodGet, path, "bob", "").StatusCode)
	require.Equal(t, http.StatusNotFound, srv.do(t, http.MethodGet, path+"/messages", "bob", "").StatusCode)

	require.Equal(t, http.StatusForbidden, srv.do(t, http.MethodPost, path+"/share", "bob", `{"user_id":"bob"}`).StatusCode)
	require.Equal(t, http.StatusBadRequest, srv.do(t, http.MethodPost, path+"/share", "alice", `{}`).StatusCode)
	require.Equal(t, http.StatusNoContent, srv.do(t, http.MethodPost, path+"/share", "alice", `{"user_id":"bob"}`).StatusCode)
	require.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, path, "bob", "").StatusCode)

	resp = srv.do(t, http.MethodGet, path+"/messages", "bob", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page model.ListMessagesResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	require.Empty(t, page.Messages)

	resp = srv.do(t, http.MethodGet, "/api/v1/conversations", "bob", "")
	var list model.ListConversationsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Equal(t, 1, list.Total)

	require.Equal(t, http.StatusForbidden, srv.do(t, http.MethodDelete, path, "bob", "").StatusCode)
	require.Equal(t, http.StatusNoContent, srv.do(t, http.MethodDelete, path, "alice", "").StatusCode)
	require.Equal(t, http.StatusNotFound, srv.do(t, http.MethodGet, path, "alice", "").StatusCode)

	resp = srv.do(t, http.MethodGet, "/api/v1/personas", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReadiness(t *testing.T) {
	check := func(srv *testServer, want int) {
		resp, err := http.Get(srv.URL + "/ready")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, want, resp.StatusCode)

		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		require.EqualValues(t, 0, body["streams"])
	}

	srv := newTestServer(t, false, nil)
	check(srv, http.StatusOK)

	require.True(t, srv.breaker.Allow())
	srv.breaker.RecordFailure(llm.FailureGeneral)
	check(srv, http.StatusServiceUnavailable)

	down := newTestServer(t, false, fakePinger{up: false})
	check(down, http.StatusServiceUnavailable)

	resp, err := http.Get(down.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStreamHeartbeat(t *testing.T) {
	h := handler.NewStreamHandler(slowRunner{pause: 80 * time.Millisecond}, nil, logger.NewNop(),
		handler.WithHeartbeat(10*time.Millisecond))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations/new/stream", strings.NewReader(`{"content":"hola"}`))
	h.StreamWithMessage(rec, req)

	body := rec.Body.String()
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, body, ": heartbeat\n\n")
	require.Contains(t, body, "event: chat_final")

	// Nothing is written once the request finished.
	size := rec.Body.Len()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, size, rec.Body.Len())
}
