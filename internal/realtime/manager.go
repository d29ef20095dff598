// Package realtime manages persistent client sessions: the read loop,
// conversation rooms, per-connection chat rate limits, idle reaping and the
// chat pipeline that turns a chat event into streamed answer events.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/knath2000/klk-back-sub001/internal/llm"
	"github.com/knath2000/klk-back-sub001/internal/model"
	"github.com/knath2000/klk-back-sub001/pkg/logger"
	"github.com/knath2000/klk-back-sub001/pkg/metrics"
)

// ChatRunner executes one chat request. *Pipeline implements it.
type ChatRunner interface {
	Run(ctx context.Context, origin Origin, req model.ChatRequest, sink Sink) model.EventType
}

// Canceler aborts an in-flight upstream request. *llm.ResilientClient implements it.
type Canceler interface {
	Cancel(requestID string) bool
}

// AccessChecker decides who may join a conversation room.
type AccessChecker interface {
	HasAccess(ctx context.Context, conversationID, userID string) (bool, error)
}

// Config configures the Manager.
type Config struct {
	ChatRateLimit  int
	ChatRateWindow time.Duration
	IdleTimeout    time.Duration
	SweepInterval  time.Duration
	SendBuffer     int
}

func (c Config) withDefaults() Config {
	if c.ChatRateWindow <= 0 {
		c.ChatRateWindow = time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	return c
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source used for activity and rate limits.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns every live session and the conversation rooms they joined.
type Manager struct {
	cfg      Config
	runner   ChatRunner
	canceler Canceler
	access   AccessChecker
	logger   *logger.Logger
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	rooms    map[string]map[string]*Session // conversation -> session id -> session

	wg sync.WaitGroup
}

// NewManager creates a Manager.
func NewManager(cfg Config, runner ChatRunner, canceler Canceler, access AccessChecker, log *logger.Logger, opts ...Option) *Manager {
	if log == nil {
		log = logger.NewNop()
	}
	m := &Manager{
		cfg:      cfg.withDefaults(),
		runner:   runner,
		canceler: canceler,
		access:   access,
		logger:   log.Named("realtime"),
		now:      time.Now,
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Attach registers a new session for conn and starts its writer. Anonymous
// identities get a per-session user id.
func (m *Manager) Attach(conn Conn, identity Identity) *Session {
	id := uuid.Must(uuid.NewV7()).String()
	if identity.UserID == "" {
		identity = Identity{UserID: "anon:" + id}
	}

	log := m.logger.With(zap.String("session_id", id), zap.String("user_id", identity.UserID))
	s := newSession(id, identity, conn, m.cfg.SendBuffer,
		NewRateWindow(m.cfg.ChatRateLimit, m.cfg.ChatRateWindow), m.now(), log)

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	s.state.Store(int32(StateActive))
	go s.writeLoop()

	metrics.SessionsActive.Inc()
	log.Info("session attached", zap.Bool("authenticated", identity.Authenticated))
	return s
}

// Serve sends the connected event and reads client events until the
// connection fails or ctx is done. The session is detached on return.
func (m *Manager) Serve(ctx context.Context, s *Session) {
	defer m.detach(s)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.Done():
		}
	}()

	s.Send(model.Envelope{Type: model.EventConnected, Data: model.ConnectedEvent{
		SessionID:     s.ID(),
		UserID:        s.Identity().UserID,
		Authenticated: s.Identity().Authenticated,
	}})

	for {
		var in model.Inbound
		if err := s.conn.ReadJSON(&in); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				s.touch(m.now())
				s.Send(errorEnvelope(CodeInvalidRequest, "malformed event", "", ""))
				continue
			}
			if s.State() < StateClosing && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("read failed", zap.Error(err))
			}
			return
		}

		s.touch(m.now())
		m.dispatch(ctx, s, in)
	}
}

func (m *Manager) dispatch(ctx context.Context, s *Session, in model.Inbound) {
	switch in.Type {
	case model.InboundChat:
		m.chat(ctx, s, in)
	case model.InboundCancel:
		m.Cancel(s, in.MessageID, in.ConversationID)
	case model.InboundJoin:
		m.Join(ctx, s, in.ConversationID)
	case model.InboundLeave:
		m.Leave(s, in.ConversationID)
	case model.InboundTyping:
		m.typing(s, in)
	case model.InboundPing:
		s.Send(model.Envelope{Type: model.EventPong, Data: model.PongEvent{Timestamp: m.now().UTC()}})
	default:
		s.Send(errorEnvelope(CodeInvalidRequest, "unknown event type", in.ConversationID, in.MessageID))
	}
}

func (m *Manager) chat(ctx context.Context, s *Session, in model.Inbound) {
	if in.Chat == nil {
		s.Send(errorEnvelope(CodeInvalidRequest, "chat payload is required", in.ConversationID, in.MessageID))
		return
	}
	req := *in.Chat
	if req.ConversationID == "" {
		req.ConversationID = in.ConversationID
	}
	if req.MessageID == "" {
		req.MessageID = in.MessageID
	}
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}

	if ok, retryAfter := s.rate.Allow(m.now()); !ok {
		metrics.RateLimitedTotal.Inc()
		env := errorEnvelope(CodeRateLimited, "Too many messages. Please slow down.", req.ConversationID, req.MessageID)
		data := env.Data.(model.ErrorEvent)
		data.RetryAfter = int(math.Ceil(retryAfter.Seconds()))
		env.Data = data
		s.Send(env)
		return
	}

	chatCtx, cancel := context.WithCancelCause(ctx)
	task := chatTask{requestID: uuid.NewString(), cancel: cancel}
	if !s.startChat(req.MessageID, task) {
		cancel(nil)
		code, message := classify(llm.ErrDuplicateRequest)
		s.Send(errorEnvelope(code, message, req.ConversationID, req.MessageID))
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel(nil)
		defer s.takeChat(req.MessageID)

		origin := Origin{UserID: s.Identity().UserID, SessionID: s.ID(), RequestID: task.requestID}
		m.runner.Run(chatCtx, origin, req, &sessionSink{m: m, s: s})
	}()
}

// Cancel stops a chat started by this session. An unknown or finished id is
// acknowledged immediately with Active false; a running one is acknowledged
// by its pipeline.
func (m *Manager) Cancel(s *Session, messageID, conversationID string) bool {
	task, ok := s.takeChat(messageID)
	if !ok {
		s.Send(model.Envelope{Type: model.EventCancelAck, Data: model.CancelAckEvent{
			MessageID:      messageID,
			ConversationID: conversationID,
		}})
		return false
	}

	task.cancel(llm.ErrCanceled)
	if m.canceler != nil {
		m.canceler.Cancel(task.requestID)
	}
	s.logger.Info("chat cancel requested",
		zap.String("message_id", messageID),
		zap.String("request_id", task.requestID),
	)
	return true
}

// Join adds the session to a conversation room after an access check.
func (m *Manager) Join(ctx context.Context, s *Session, conversationID string) bool {
	if conversationID == "" {
		s.Send(errorEnvelope(CodeInvalidRequest, "conversationId is required", "", ""))
		return false
	}

	if m.access != nil {
		ok, err := m.access.HasAccess(ctx, conversationID, s.Identity().UserID)
		if err != nil {
			code, message := classify(err)
			s.Send(errorEnvelope(code, message, conversationID, ""))
			return false
		}
		if !ok {
			s.Send(errorEnvelope(CodeForbidden, "You do not have access to this conversation.", conversationID, ""))
			return false
		}
	}

	first, members := m.enterRoom(s, conversationID)
	s.Send(model.Envelope{Type: model.EventRoomJoined, Data: model.RoomEvent{
		ConversationID: conversationID,
		UserID:         s.Identity().UserID,
		Members:        members,
	}})
	if first {
		m.Broadcast(conversationID, model.Envelope{Type: model.EventMemberJoined, Data: model.RoomEvent{
			ConversationID: conversationID,
			UserID:         s.Identity().UserID,
		}}, s.ID())
	}
	return true
}

// Leave removes the session from a conversation room.
func (m *Manager) Leave(s *Session, conversationID string) {
	if conversationID == "" {
		s.Send(errorEnvelope(CodeInvalidRequest, "conversationId is required", "", ""))
		return
	}
	m.exitRoom(s, conversationID)
	s.Send(model.Envelope{Type: model.EventRoomLeft, Data: model.RoomEvent{
		ConversationID: conversationID,
		UserID:         s.Identity().UserID,
	}})
}

func (m *Manager) typing(s *Session, in model.Inbound) {
	if in.ConversationID == "" || !s.inRoom(in.ConversationID) {
		s.Send(errorEnvelope(CodeInvalidRequest, "join the conversation before typing", in.ConversationID, ""))
		return
	}
	eventType := model.EventTypingEnd
	if in.Typing {
		eventType = model.EventTypingStart
	}
	m.Broadcast(in.ConversationID, model.Envelope{Type: eventType, Data: model.TypingEvent{
		ConversationID: in.ConversationID,
		UserID:         s.Identity().UserID,
	}}, s.ID())
}

// Broadcast sends env to every session in the room except exceptSessionID.
func (m *Manager) Broadcast(conversationID string, env model.Envelope, exceptSessionID string) int {
	m.mu.RLock()
	targets := make([]*Session, 0, len(m.rooms[conversationID]))
	for id, s := range m.rooms[conversationID] {
		if id != exceptSessionID {
			targets = append(targets, s)
		}
	}
	m.mu.RUnlock()

	sent := 0
	for _, s := range targets {
		if s.Send(env) {
			sent++
		}
	}
	return sent
}

// enterRoom reports whether the user was not yet in the room, and the
// room's members afterwards.
func (m *Manager) enterRoom(s *Session, conversationID string) (bool, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, live := m.sessions[s.ID()]; !live {
		return false, nil
	}
	s.addRoom(conversationID)
	room, ok := m.rooms[conversationID]
	if !ok {
		room = make(map[string]*Session)
		m.rooms[conversationID] = room
	}
	first := !userInRoom(room, s.Identity().UserID, s.ID())
	room[s.ID()] = s
	return first, members(room)
}

func (m *Manager) exitRoom(s *Session, conversationID string) {
	s.removeRoom(conversationID)

	m.mu.Lock()
	room, ok := m.rooms[conversationID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if _, in := room[s.ID()]; !in {
		m.mu.Unlock()
		return
	}
	delete(room, s.ID())
	last := !userInRoom(room, s.Identity().UserID, s.ID())
	if len(room) == 0 {
		delete(m.rooms, conversationID)
	}
	m.mu.Unlock()

	if last {
		m.Broadcast(conversationID, model.Envelope{Type: model.EventMemberLeft, Data: model.RoomEvent{
			ConversationID: conversationID,
			UserID:         s.Identity().UserID,
		}}, s.ID())
	}
}

func userInRoom(room map[string]*Session, userID, exceptSessionID string) bool {
	for id, other := range room {
		if id != exceptSessionID && other.Identity().UserID == userID {
			return true
		}
	}
	return false
}

func members(room map[string]*Session) []string {
	seen := make(map[string]struct{}, len(room))
	out := make([]string, 0, len(room))
	for _, s := range room {
		uid := s.Identity().UserID
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}

// detach closes the session and purges it from every room. It is idempotent.
func (m *Manager) detach(s *Session) {
	s.Close()

	m.mu.Lock()
	_, ok := m.sessions[s.ID()]
	delete(m.sessions, s.ID())
	m.mu.Unlock()
	if !ok {
		return
	}

	for _, conversationID := range s.roomList() {
		m.exitRoom(s, conversationID)
	}
	metrics.SessionsActive.Dec()
	s.logger.Info("session detached")
}

// Sweep closes sessions idle for longer than the idle timeout and returns
// how many were reaped.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.RLock()
	var idle []*Session
	for _, s := range m.sessions {
		if now.Sub(s.LastActivity()) > m.cfg.IdleTimeout {
			idle = append(idle, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range idle {
		s.logger.Info("reaping idle session", zap.Time("last_activity", s.LastActivity()))
		m.detach(s)
		metrics.SessionsReapedTotal.Inc()
	}
	return len(idle)
}

// RunReaper sweeps idle sessions every SweepInterval until ctx is done.
func (m *Manager) RunReaper(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := m.Sweep(m.now()); n > 0 {
				m.logger.Info("idle sessions reaped", zap.Int("count", n))
			}
		}
	}
}

// Shutdown closes every session and waits for running chats to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	for _, s := range all {
		m.detach(s)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// sessionSink routes pipeline events to the requesting session and its rooms.
type sessionSink struct {
	m *Manager
	s *Session
}

func (k *sessionSink) Emit(env model.Envelope) { k.s.Send(env) }

func (k *sessionSink) Broadcast(conversationID string, env model.Envelope) {
	k.m.Broadcast(conversationID, env, k.s.ID())
}

// Resolved puts the requester in the conversation room without a room_joined
// event; other members still see member_joined.
func (k *sessionSink) Resolved(conversationID string) {
	if k.s.inRoom(conversationID) {
		return
	}
	if first, _ := k.m.enterRoom(k.s, conversationID); first {
		k.m.Broadcast(conversationID, model.Envelope{Type: model.EventMemberJoined, Data: model.RoomEvent{
			ConversationID: conversationID,
			UserID:         k.s.Identity().UserID,
		}}, k.s.ID())
	}
}

func errorEnvelope(code, message, conversationID, messageID string) model.Envelope {
	return model.Envelope{Type: model.EventError, Data: model.ErrorEvent{
		Code:           code,
		Message:        message,
		ConversationID: conversationID,
		MessageID:      messageID,
	}}
}
