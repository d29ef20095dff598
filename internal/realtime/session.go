package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/knath2000/klk-back-sub001/internal/model"
	"github.com/knath2000/klk-back-sub001/pkg/logger"
)

// State is the lifecycle state of a session.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const writeTimeout = 10 * time.Second

// Conn is the transport of a session. *websocket.Conn satisfies it.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Identity is who is on the other end of a session.
type Identity struct {
	UserID        string
	Authenticated bool
}

// Session is one client connection. Outbound events go through a buffered
// channel drained by a dedicated writer goroutine.
type Session struct {
	id       string
	identity Identity
	conn     Conn
	rate     *RateWindow
	logger   *logger.Logger

	state        atomic.Int32
	lastActivity atomic.Int64

	send      chan model.Envelope
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	rooms    map[string]struct{}
	inflight map[string]chatTask
}

// chatTask is a running chat. requestID is the upstream request id, which
// the server assigns so one session can never name another's request.
type chatTask struct {
	requestID string
	cancel    context.CancelCauseFunc
}

func newSession(id string, identity Identity, conn Conn, buffer int, rate *RateWindow, now time.Time, log *logger.Logger) *Session {
	s := &Session{
		id:       id,
		identity: identity,
		conn:     conn,
		rate:     rate,
		logger:   log,
		send:     make(chan model.Envelope, buffer),
		done:     make(chan struct{}),
		rooms:    make(map[string]struct{}),
		inflight: make(map[string]chatTask),
	}
	s.state.Store(int32(StateConnecting))
	s.touch(now)
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Identity returns the session identity.
func (s *Session) Identity() Identity { return s.identity }

// State returns the lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.done }

// LastActivity returns the time of the last inbound event.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

// Send queues an event. A session whose buffer is full is a slow consumer
// and is closed.
func (s *Session) Send(env model.Envelope) bool {
	if s.State() >= StateClosing {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- env:
		return true
	default:
		s.logger.Warn("session send buffer full, closing slow consumer")
		s.Close()
		return false
	}
}

// Close stops the writer and closes the transport. Safe to call repeatedly.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		close(s.done)
		s.cancelAll()
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("failed to close connection", zap.Error(err))
		}
		s.state.Store(int32(StateClosed))
	})
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case env := <-s.send:
			if d, ok := s.conn.(writeDeadliner); ok {
				_ = d.SetWriteDeadline(time.Now().Add(writeTimeout))
			}
			if err := s.conn.WriteJSON(env); err != nil {
				s.logger.Debug("write failed, closing session", zap.Error(err))
				s.Close()
				return
			}
		}
	}
}

func (s *Session) addRoom(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[conversationID]; ok {
		return false
	}
	s.rooms[conversationID] = struct{}{}
	return true
}

func (s *Session) removeRoom(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[conversationID]; !ok {
		return false
	}
	delete(s.rooms, conversationID)
	return true
}

func (s *Session) inRoom(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[conversationID]
	return ok
}

func (s *Session) roomList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	return out
}

// startChat registers a running chat. It fails if the id is already running.
func (s *Session) startChat(messageID string, task chatTask) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.inflight[messageID]; exists {
		return false
	}
	s.inflight[messageID] = task
	return true
}

// takeChat removes and returns a running chat.
func (s *Session) takeChat(messageID string) (chatTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.inflight[messageID]
	if ok {
		delete(s.inflight, messageID)
	}
	return task, ok
}

func (s *Session) cancelAll() {
	s.mu.Lock()
	pending := s.inflight
	s.inflight = make(map[string]chatTask)
	s.mu.Unlock()

	for _, task := range pending {
		task.cancel(ErrSessionClosed)
	}
}
