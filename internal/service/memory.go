package service

import (
	"context"
	"sync"

	"github.com/knath2000/klk-back-sub001/internal/model"
)

// MemoryLog is an in-process MessageLog used when NATS is not configured
// and in tests. Sequences are global and start at 1, like a JetStream stream.
type MemoryLog struct {
	mu       sync.RWMutex
	seq      uint64
	messages map[string][]model.Message
	events   map[string][]model.ConversationEvent
}

var _ MessageLog = (*MemoryLog)(nil)

// NewMemoryLog creates an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		messages: make(map[string][]model.Message),
		events:   make(map[string][]model.ConversationEvent),
	}
}

// PublishMessage appends a message.
func (l *MemoryLog) PublishMessage(ctx context.Context, msg *model.Message) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	stored := *msg
	stored.Sequence = l.seq
	l.messages[msg.ConversationID] = append(l.messages[msg.ConversationID], stored)
	return l.seq, nil
}

// PublishEvent appends an event.
func (l *MemoryLog) PublishEvent(ctx context.Context, event *model.ConversationEvent) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	l.events[event.ConversationID] = append(l.events[event.ConversationID], *event)
	return l.seq, nil
}

// GetMessages returns up to limit messages with a sequence above afterSequence.
func (l *MemoryLog) GetMessages(ctx context.Context, conversationID string, afterSequence uint64, limit int) ([]model.Message, uint64, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, false, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	var (
		out     []model.Message
		lastSeq uint64
	)
	for _, msg := range l.messages[conversationID] {
		if msg.Sequence <= afterSequence {
			continue
		}
		if len(out) == limit {
			return out, lastSeq, true, nil
		}
		out = append(out, msg)
		lastSeq = msg.Sequence
	}
	return out, lastSeq, false, nil
}

// Events returns the recorded events of a conversation.
func (l *MemoryLog) Events(conversationID string) []model.ConversationEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]model.ConversationEvent(nil), l.events[conversationID]...)
}
