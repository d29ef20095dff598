// Package model defines data structures shared by the chat gateway.
package model

import (
	"time"
)

// Conversation represents a conversation thread.
type Conversation struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Title        string    `json:"title"`
	Model        string    `json:"model"`
	PersonaID    string    `json:"persona_id"`
	SharedWith   []string  `json:"shared_with,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count,omitempty"`
	LastMessage  *Message  `json:"last_message,omitempty"`
	Deleted      bool      `json:"-"`
}

// CreateConversationRequest is the request to create a new conversation.
type CreateConversationRequest struct {
	Title     string `json:"title"      validate:"max=256"`
	Model     string `json:"model"      validate:"omitempty,max=128"`
	PersonaID string `json:"persona_id" validate:"omitempty,max=64"`
}

// ShareConversationRequest grants another user access to a conversation.
type ShareConversationRequest struct {
	UserID string `json:"user_id" validate:"required,max=128"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
	HasMore       bool           `json:"has_more"`
}
