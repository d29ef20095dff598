// Package service provides the conversation and message stores used by the
// chat pipeline and the REST handlers.
package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/knath2000/klk-back-sub001/internal/model"
	"github.com/knath2000/klk-back-sub001/pkg/logger"
	"github.com/knath2000/klk-back-sub001/pkg/metrics"
)

var (
	// ErrNotFound is returned for unknown or deleted conversations.
	ErrNotFound = errors.New("conversation not found")
	// ErrForbidden is returned when a user may not act on a conversation.
	ErrForbidden = errors.New("access to conversation denied")
)

const maxTitleRunes = 60

// ConversationService handles conversation operations.
type ConversationService struct {
	logger *logger.Logger

	// In-memory storage; messages themselves live in the MessageLog.
	conversations map[string]*model.Conversation
	mu            sync.RWMutex
	now           func() time.Time
}

// NewConversationService creates a new conversation service.
func NewConversationService(log *logger.Logger) *ConversationService {
	if log == nil {
		log = logger.NewNop()
	}
	return &ConversationService{
		logger:        log.Named("conversations"),
		conversations: make(map[string]*model.Conversation),
		now:           time.Now,
	}
}

// CreateConversation creates a conversation owned by ownerID.
func (s *ConversationService) CreateConversation(ctx context.Context, ownerID string, req model.CreateConversationRequest) (*model.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.now()

	conv := &model.Conversation{
		ID:        uuid.Must(uuid.NewV7()).String(),
		OwnerID:   ownerID,
		Title:     TitleFrom(req.Title),
		Model:     req.Model,
		PersonaID: req.PersonaID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.conversations[conv.ID] = conv
	out := cloneConversation(conv)
	s.mu.Unlock()

	metrics.ConversationsTotal.Inc()
	s.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("owner_id", ownerID),
	)

	return out, nil
}

// GetConversation retrieves a conversation by ID.
func (s *ConversationService) GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, err := s.lookup(conversationID)
	if err != nil {
		return nil, err
	}
	return cloneConversation(conv), nil
}

// CurrentModel returns the model selected for a conversation. An empty
// string means the caller should use its default.
func (s *ConversationService) CurrentModel(ctx context.Context, conversationID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, err := s.lookup(conversationID)
	if err != nil {
		return "", err
	}
	return conv.Model, nil
}

// SetModel changes the model used for later answers.
func (s *ConversationService) SetModel(ctx context.Context, conversationID, modelName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.lookup(conversationID)
	if err != nil {
		return err
	}
	conv.Model = modelName
	conv.UpdatedAt = s.now()
	return nil
}

// HasAccess reports whether userID owns the conversation or it was shared with them.
func (s *ConversationService) HasAccess(ctx context.Context, conversationID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, err := s.lookup(conversationID)
	if err != nil {
		return false, err
	}
	return canAccess(conv, userID), nil
}

// Share grants userID access. Only the owner may share.
func (s *ConversationService) Share(ctx context.Context, conversationID, ownerID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.lookup(conversationID)
	if err != nil {
		return err
	}
	if conv.OwnerID != ownerID {
		return ErrForbidden
	}
	if canAccess(conv, userID) {
		return nil
	}
	conv.SharedWith = append(conv.SharedWith, userID)
	conv.UpdatedAt = s.now()

	s.logger.Info("conversation shared",
		zap.String("conversation_id", conversationID),
		zap.String("user_id", userID),
	)
	return nil
}

// List retrieves conversations visible to userID, most recently updated first.
func (s *ConversationService) List(ctx context.Context, userID string, limit, offset int) (*model.ListConversationsResponse, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.RLock()
	convs := make([]model.Conversation, 0)
	for _, conv := range s.conversations {
		if !conv.Deleted && canAccess(conv, userID) {
			convs = append(convs, *cloneConversation(conv))
		}
	}
	s.mu.RUnlock()

	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})

	total := len(convs)
	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	return &model.ListConversationsResponse{
		Conversations: convs[start:end],
		Total:         total,
		HasMore:       end < total,
	}, nil
}

// Delete soft deletes a conversation. Only the owner may delete.
func (s *ConversationService) Delete(ctx context.Context, conversationID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.lookup(conversationID)
	if err != nil {
		return err
	}
	if conv.OwnerID != userID {
		return ErrForbidden
	}

	conv.Deleted = true
	conv.UpdatedAt = s.now()
	return nil
}

// UpdateLastMessage updates the last message for a conversation.
func (s *ConversationService) UpdateLastMessage(ctx context.Context, conversationID string, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.lookup(conversationID)
	if err != nil {
		return err
	}

	last := *msg
	conv.LastMessage = &last
	conv.MessageCount++
	conv.UpdatedAt = s.now()
	return nil
}

// lookup must be called with mu held.
func (s *ConversationService) lookup(conversationID string) (*model.Conversation, error) {
	conv, exists := s.conversations[conversationID]
	if !exists || conv.Deleted {
		return nil, ErrNotFound
	}
	return conv, nil
}

func canAccess(conv *model.Conversation, userID string) bool {
	if conv.OwnerID == userID {
		return true
	}
	for _, shared := range conv.SharedWith {
		if shared == userID {
			return true
		}
	}
	return false
}

func cloneConversation(conv *model.Conversation) *model.Conversation {
	out := *conv
	if conv.SharedWith != nil {
		out.SharedWith = append([]string(nil), conv.SharedWith...)
	}
	if conv.LastMessage != nil {
		last := *conv.LastMessage
		out.LastMessage = &last
	}
	return &out
}

// TitleFrom derives a conversation title from its first message.
func TitleFrom(content string) string {
	runes := []rune(content)
	for i, r := range runes {
		if r == '\n' || r == '\r' {
			runes = runes[:i]
			break
		}
	}
	if len(runes) > maxTitleRunes {
		return string(runes[:maxTitleRunes]) + "…"
	}
	return string(runes)
}
