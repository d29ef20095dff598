package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/knath2000/klk-back-sub001/internal/model"
	"github.com/knath2000/klk-back-sub001/pkg/logger"
	"github.com/knath2000/klk-back-sub001/pkg/metrics"
)

const historyPage = 100

// MessageLog is the append-only log backing conversation messages and events.
// The NATS JetStream StreamManager and MemoryLog implement it.
type MessageLog interface {
	PublishMessage(ctx context.Context, msg *model.Message) (uint64, error)
	PublishEvent(ctx context.Context, event *model.ConversationEvent) (uint64, error)
	GetMessages(ctx context.Context, conversationID string, afterSequence uint64, limit int) ([]model.Message, uint64, bool, error)
}

// MessageService handles message operations.
type MessageService struct {
	log                 MessageLog
	conversationService *ConversationService
	logger              *logger.Logger
}

// NewMessageService creates a new message service.
func NewMessageService(messageLog MessageLog, conversationService *ConversationService, log *logger.Logger) *MessageService {
	if log == nil {
		log = logger.NewNop()
	}
	return &MessageService{
		log:                 messageLog,
		conversationService: conversationService,
		logger:              log.Named("messages"),
	}
}

// AppendMessage persists a message and updates the conversation summary.
func (s *MessageService) AppendMessage(ctx context.Context, conversationID string, role model.Role, content, modelName, personaID string) (*model.Message, error) {
	msg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Model:          modelName,
		PersonaID:      personaID,
		CreatedAt:      time.Now(),
	}

	seq, err := s.log.PublishMessage(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to publish %s message: %w", role, err)
	}
	msg.Sequence = seq

	if s.conversationService != nil {
		if err := s.conversationService.UpdateLastMessage(ctx, conversationID, msg); err != nil {
			s.logger.Warn("failed to update conversation summary",
				zap.String("conversation_id", conversationID),
				zap.Error(err),
			)
		}
	}

	metrics.MessagesTotal.WithLabelValues(string(role)).Inc()
	return msg, nil
}

// ListMessages retrieves a page of messages after the given sequence.
func (s *MessageService) ListMessages(ctx context.Context, conversationID string, afterSequence uint64, limit int) (*model.ListMessagesResponse, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}

	messages, lastSeq, hasMore, err := s.log.GetMessages(ctx, conversationID, afterSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	if messages == nil {
		messages = []model.Message{}
	}

	return &model.ListMessagesResponse{
		Messages:     messages,
		HasMore:      hasMore,
		LastSequence: lastSeq,
	}, nil
}

// History returns the most recent limit messages in chronological order.
func (s *MessageService) History(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	var (
		recent []model.Message
		after  uint64
	)
	for {
		page, lastSeq, hasMore, err := s.log.GetMessages(ctx, conversationID, after, historyPage)
		if err != nil {
			return nil, fmt.Errorf("failed to load history: %w", err)
		}
		recent = append(recent, page...)
		if len(recent) > limit {
			recent = recent[len(recent)-limit:]
		}
		if !hasMore || len(page) == 0 || lastSeq <= after {
			break
		}
		after = lastSeq
	}

	return recent, nil
}

// RecordEvent appends an audit event (error, cancel, fallback) next to the messages.
func (s *MessageService) RecordEvent(ctx context.Context, conversationID string, eventType model.ConversationEventType, reason string, metadata map[string]any) error {
	_, err := s.log.PublishEvent(ctx, &model.ConversationEvent{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		Type:           eventType,
		Reason:         reason,
		Metadata:       metadata,
		CreatedAt:      time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", eventType, err)
	}
	return nil
}

// ChatStore combines both stores into the single collaborator the chat
// pipeline depends on.
type ChatStore struct {
	*ConversationService
	*MessageService
}

// NewChatStore creates a ChatStore.
func NewChatStore(conversations *ConversationService, messages *MessageService) *ChatStore {
	return &ChatStore{ConversationService: conversations, MessageService: messages}
}
