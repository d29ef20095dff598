package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message represents a persisted conversation message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Model          string    `json:"model,omitempty"`
	PersonaID      string    `json:"persona_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`

	// Sequence is the JetStream (or in-memory log) sequence, populated on read.
	Sequence uint64 `json:"sequence,omitempty"`
}

// ChatRequest is an inbound request to generate an assistant reply.
// An empty ConversationID starts a new conversation.
type ChatRequest struct {
	ConversationID string `json:"conversationId" validate:"omitempty,max=64"`
	MessageID      string `json:"messageId"      validate:"omitempty,max=64"`
	Content        string `json:"content"        validate:"required,max=100000"`
	Model          string `json:"model"          validate:"omitempty,max=128"`
	PersonaID      string `json:"personaId"      validate:"omitempty,max=64"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages     []Message `json:"messages"`
	HasMore      bool      `json:"has_more"`
	LastSequence uint64    `json:"last_sequence"`
}
