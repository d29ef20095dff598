package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/knath2000/klk-back-sub001/internal/model"
)

const (
	// StreamName is the name of the chat stream.
	StreamName = "CHAT"

	// SubjectPrefix is the prefix for all chat subjects.
	SubjectPrefix = "chat"
)

// StreamManager stores conversation messages and events in JetStream.
// It implements service.MessageLog.
type StreamManager struct {
	client *Client
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{client: client}
}

// EnsureStream creates the chat stream if it does not exist.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      90 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Chat messages and conversation events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	m.client.logger.Info("created JetStream stream", zap.String("stream", StreamName))
	return nil
}

// MessageSubject returns the subject for a message.
func MessageSubject(conversationID string, role model.Role) string {
	return fmt.Sprintf("%s.%s.msg.%s", SubjectPrefix, conversationID, role)
}

// EventSubject returns the subject for a conversation event.
func EventSubject(conversationID string, eventType model.ConversationEventType) string {
	return fmt.Sprintf("%s.%s.event.%s", SubjectPrefix, conversationID, eventType)
}

// messageFilter matches every message of a conversation.
func messageFilter(conversationID string) string {
	return fmt.Sprintf("%s.%s.msg.>", SubjectPrefix, conversationID)
}

// PublishMessage publishes a message to JetStream.
func (m *StreamManager) PublishMessage(ctx context.Context, msg *model.Message) (uint64, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal message: %w", err)
	}

	ack, err := m.client.JetStream().Publish(ctx, MessageSubject(msg.ConversationID, msg.Role), data,
		jetstream.WithMsgID(msg.ID),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to publish message: %w", err)
	}
	return ack.Sequence, nil
}

// PublishEvent publishes a conversation event to JetStream.
func (m *StreamManager) PublishEvent(ctx context.Context, event *model.ConversationEvent) (uint64, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := m.client.JetStream().Publish(ctx, EventSubject(event.ConversationID, event.Type), data)
	if err != nil {
		return 0, fmt.Errorf("failed to publish event: %w", err)
	}
	return ack.Sequence, nil
}

// GetMessages retrieves up to limit messages of a conversation after a stream sequence.
func (m *StreamManager) GetMessages(ctx context.Context, conversationID string, afterSequence uint64, limit int) ([]model.Message, uint64, bool, error) {
	js := m.client.JetStream()

	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject:     messageFilter(conversationID),
		AckPolicy:         jetstream.AckNonePolicy,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		InactiveThreshold: 30 * time.Second,
	}
	if afterSequence > 0 {
		consumerConfig.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerConfig.OptStartSeq = afterSequence + 1
	}

	consumer, err := js.CreateConsumer(ctx, StreamName, consumerConfig)
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to create consumer: %w", err)
	}
	defer func() {
		name := consumer.CachedInfo().Name
		if err := js.DeleteConsumer(context.Background(), StreamName, name); err != nil {
			m.client.logger.Debug("failed to delete ephemeral consumer", zap.String("consumer", name), zap.Error(err))
		}
	}()

	batch, err := consumer.FetchNoWait(limit)
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to fetch messages: %w", err)
	}

	var (
		messages     []model.Message
		lastSequence uint64
	)
	for msg := range batch.Messages() {
		var message model.Message
		if err := json.Unmarshal(msg.Data(), &message); err != nil {
			m.client.logger.Warn("skipping undecodable message", zap.String("subject", msg.Subject()), zap.Error(err))
			continue
		}

		if meta, err := msg.Metadata(); err == nil {
			message.Sequence = meta.Sequence.Stream
			lastSequence = meta.Sequence.Stream
		}
		messages = append(messages, message)
	}

	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, 0, false, fmt.Errorf("batch error: %w", err)
	}

	return messages, lastSequence, len(messages) == limit, nil
}
