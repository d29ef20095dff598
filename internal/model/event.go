package model

import (
	"time"
)

// EventType names a client-facing realtime event.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventChatDelta    EventType = "chat_delta"
	EventChatFinal    EventType = "chat_final"
	EventError        EventType = "error"
	EventTypingStart  EventType = "typing_start"
	EventTypingEnd    EventType = "typing_end"
	EventRoomJoined   EventType = "room_joined"
	EventRoomLeft     EventType = "room_left"
	EventMemberJoined EventType = "member_joined"
	EventMemberLeft   EventType = "member_left"
	EventCancelAck    EventType = "cancel_ack"
	EventPong         EventType = "pong"
)

// IsTerminal reports whether the event ends a chat request.
func (t EventType) IsTerminal() bool {
	return t == EventChatFinal || t == EventError || t == EventCancelAck
}

// Envelope is the wire frame for every outbound realtime event.
type Envelope struct {
	Type EventType `json:"type"`
	Data any       `json:"data,omitempty"`
}

// ConnectedEvent is sent once a session becomes active.
type ConnectedEvent struct {
	SessionID     string `json:"sessionId"`
	UserID        string `json:"userId"`
	Authenticated bool   `json:"authenticated"`
}

// ChatDeltaEvent carries one streamed text increment. Attempt starts at 1 and
// increases when the answer is regenerated; clients reset on a new attempt.
type ChatDeltaEvent struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Delta          string `json:"delta"`
	Attempt        int    `json:"attempt"`
}

// ChatFinalEvent carries the complete assistant answer.
type ChatFinalEvent struct {
	ConversationID string  `json:"conversationId"`
	MessageID      string  `json:"messageId"`
	Content        string  `json:"content"`
	Model          string  `json:"model"`
	PersonaID      string  `json:"personaId"`
	Score          float64 `json:"score"`
	Fallback       bool    `json:"fallback,omitempty"`
}

// ErrorEvent represents an error event.
type ErrorEvent struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	// Fallback is a best-effort answer shown instead of nothing.
	Fallback   string `json:"fallback,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// TypingEvent marks the start or end of typing. UserID is empty while the
// assistant is generating.
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId,omitempty"`
	UserID         string `json:"userId,omitempty"`
}

// RoomEvent notifies about room membership.
type RoomEvent struct {
	ConversationID string   `json:"conversationId"`
	UserID         string   `json:"userId"`
	Members        []string `json:"members,omitempty"`
}

// CancelAckEvent acknowledges a cancellation request.
type CancelAckEvent struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId,omitempty"`
	// Active is true when a running generation was stopped.
	Active bool `json:"active"`
}

// PongEvent answers a client ping.
type PongEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// InboundType names a client-to-server realtime event.
type InboundType string

const (
	InboundChat   InboundType = "chat"
	InboundCancel InboundType = "cancel"
	InboundJoin   InboundType = "join"
	InboundLeave  InboundType = "leave"
	InboundTyping InboundType = "typing"
	InboundPing   InboundType = "ping"
)

// Inbound is the wire frame for every client event.
type Inbound struct {
	Type           InboundType  `json:"type"`
	ConversationID string       `json:"conversationId,omitempty"`
	MessageID      string       `json:"messageId,omitempty"`
	Chat           *ChatRequest `json:"chat,omitempty"`
	// Typing is true while the user types and false when they stop.
	Typing bool `json:"typing,omitempty"`
}

// ConversationEventType represents the type of persisted conversation event.
type ConversationEventType string

const (
	ConversationEventError    ConversationEventType = "error"
	ConversationEventCancel   ConversationEventType = "cancel"
	ConversationEventFallback ConversationEventType = "fallback"
)

// ConversationEvent is an audit record appended next to conversation messages.
type ConversationEvent struct {
	ID             string                `json:"id"`
	ConversationID string                `json:"conversation_id"`
	Type           ConversationEventType `json:"type"`
	Reason         string                `json:"reason"`
	Metadata       map[string]any        `json:"metadata,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
}
