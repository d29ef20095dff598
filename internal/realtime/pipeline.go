package realtime

import (
	"context"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/knath2000/klk-back-sub001/internal/llm"
	"github.com/knath2000/klk-back-sub001/internal/model"
	"github.com/knath2000/klk-back-sub001/internal/quality"
	"github.com/knath2000/klk-back-sub001/internal/service"
	"github.com/knath2000/klk-back-sub001/pkg/logger"
	"github.com/knath2000/klk-back-sub001/pkg/metrics"
)

// Store is the conversation store the pipeline depends on.
// *service.ChatStore implements it.
type Store interface {
	CreateConversation(ctx context.Context, ownerID string, req model.CreateConversationRequest) (*model.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error)
	HasAccess(ctx context.Context, conversationID, userID string) (bool, error)
	CurrentModel(ctx context.Context, conversationID string) (string, error)
	SetModel(ctx context.Context, conversationID, modelName string) error
	History(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
	AppendMessage(ctx context.Context, conversationID string, role model.Role, content, modelName, personaID string) (*model.Message, error)
	RecordEvent(ctx context.Context, conversationID string, eventType model.ConversationEventType, reason string, metadata map[string]any) error
}

// Answerer produces a validated answer. *quality.Gate implements it.
type Answerer interface {
	Run(ctx context.Context, req llm.CompletionRequest, p model.Persona, onDelta quality.DeltaFunc) (*quality.Result, error)
}

// PersonaResolver returns the persona for a key, falling back to the default.
type PersonaResolver interface {
	Resolve(id string) model.Persona
}

// Sink receives the events of one chat request.
type Sink interface {
	// Emit delivers an event to the requesting client.
	Emit(env model.Envelope)
	// Broadcast delivers an event to the other members of the conversation room.
	Broadcast(conversationID string, env model.Envelope)
	// Resolved is called once the conversation is known and access is granted.
	Resolved(conversationID string)
}

// Origin identifies who issued a chat request.
type Origin struct {
	UserID    string
	SessionID string
	// RequestID is the upstream request id. A fresh one is generated when
	// empty; client message ids are never used for it.
	RequestID string
}

// PipelineConfig configures the Pipeline.
type PipelineConfig struct {
	DefaultModel string
	HistoryLimit int
}

// Pipeline runs one chat request from validation to the terminal event.
type Pipeline struct {
	store    Store
	answerer Answerer
	personas PersonaResolver
	validate *validator.Validate
	cfg      PipelineConfig
	logger   *logger.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(store Store, answerer Answerer, personas PersonaResolver, cfg PipelineConfig, log *logger.Logger) *Pipeline {
	if cfg.HistoryLimit < 0 {
		cfg.HistoryLimit = 0
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Pipeline{
		store:    store,
		answerer: answerer,
		personas: personas,
		validate: validator.New(),
		cfg:      cfg,
		logger:   log.Named("pipeline"),
	}
}

// run holds the state of a single request.
type run struct {
	origin  Origin
	req     model.ChatRequest
	sink    Sink
	persona model.Persona
	log     *logger.Logger

	terminal model.EventType
	typing   bool
}

func (r *run) finish(env model.Envelope) {
	if r.terminal != "" {
		return
	}
	r.terminal = env.Type
	r.sink.Emit(env)
}

func (r *run) fail(code, message string) {
	r.finish(model.Envelope{Type: model.EventError, Data: model.ErrorEvent{
		Code:           code,
		Message:        message,
		ConversationID: r.req.ConversationID,
		MessageID:      r.req.MessageID,
		Fallback:       quality.FallbackText(r.persona),
	}})
}

func (r *run) both(env model.Envelope) {
	r.sink.Emit(env)
	if r.req.ConversationID != "" {
		r.sink.Broadcast(r.req.ConversationID, env)
	}
}

// Run executes the request and returns the type of the single terminal event
// it emitted: chat_final, error or cancel_ack.
func (p *Pipeline) Run(ctx context.Context, origin Origin, req model.ChatRequest, sink Sink) model.EventType {
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}
	if origin.RequestID == "" {
		origin.RequestID = uuid.NewString()
	}
	log := p.logger.ForRequest(origin.RequestID, origin.UserID, req.ConversationID).
		With(zap.String("message_id", req.MessageID))
	r := &run{
		origin:  origin,
		req:     req,
		sink:    sink,
		persona: p.personas.Resolve(req.PersonaID),
		log:     log,
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("chat pipeline panicked", zap.Any("panic", rec), zap.Stack("stack"))
		}
		if r.terminal == "" {
			r.fail(CodeInternal, "Something went wrong while generating the answer.")
		}
		if r.typing {
			r.both(model.Envelope{Type: model.EventTypingEnd, Data: model.TypingEvent{
				ConversationID: r.req.ConversationID,
				MessageID:      r.req.MessageID,
			}})
		}
		metrics.ChatRequestsTotal.WithLabelValues(string(r.terminal)).Inc()
	}()

	p.execute(ctx, r)
	return r.terminal
}

func (p *Pipeline) execute(ctx context.Context, r *run) {
	if err := p.validate.Struct(r.req); err != nil {
		r.fail(CodeInvalidRequest, validationMessage(err))
		return
	}
	content := strings.TrimSpace(r.req.Content)
	if content == "" {
		r.fail(CodeInvalidRequest, "content must not be empty")
		return
	}

	if !p.resolveConversation(ctx, r, content) {
		return
	}
	r.sink.Resolved(r.req.ConversationID)

	modelName := p.selectModel(ctx, r)

	// History is read before the new message is appended so it is not duplicated.
	history, err := p.store.History(ctx, r.req.ConversationID, p.cfg.HistoryLimit)
	if err != nil {
		r.log.Warn("failed to load history, continuing without it", zap.Error(err))
		history = nil
	}

	if _, err := p.store.AppendMessage(ctx, r.req.ConversationID, model.RoleUser, content, modelName, r.persona.ID); err != nil {
		r.log.Warn("failed to persist user message", zap.Error(err))
	}

	prompt := buildPrompt(r.persona, history, content)

	if err := ctx.Err(); err != nil {
		p.handleFailure(r, err, context.Cause(ctx))
		return
	}

	r.typing = true
	r.both(model.Envelope{Type: model.EventTypingStart, Data: model.TypingEvent{
		ConversationID: r.req.ConversationID,
		MessageID:      r.req.MessageID,
	}})

	result, err := p.answerer.Run(ctx, llm.CompletionRequest{
		RequestID: r.origin.RequestID,
		Model:     modelName,
		Messages:  prompt,
	}, r.persona, func(attempt int, text string) {
		r.both(model.Envelope{Type: model.EventChatDelta, Data: model.ChatDeltaEvent{
			ConversationID: r.req.ConversationID,
			MessageID:      r.req.MessageID,
			Delta:          text,
			Attempt:        attempt,
		}})
	})
	if err != nil {
		p.handleFailure(r, err, context.Cause(ctx))
		return
	}

	if result.Model != "" {
		modelName = result.Model
	}
	// The answer was generated; a cancel arriving now no longer changes it.
	persistCtx := context.WithoutCancel(ctx)
	if _, err := p.store.AppendMessage(persistCtx, r.req.ConversationID, model.RoleAssistant, result.Text, modelName, r.persona.ID); err != nil {
		r.log.Warn("failed to persist assistant message", zap.Error(err))
	}
	if result.Fallback {
		p.recordEvent(persistCtx, r, model.ConversationEventFallback, "answer failed quality gate", map[string]any{
			"message_id": r.req.MessageID,
			"attempts":   result.Attempts,
		})
	}

	final := model.Envelope{Type: model.EventChatFinal, Data: model.ChatFinalEvent{
		ConversationID: r.req.ConversationID,
		MessageID:      r.req.MessageID,
		Content:        result.Text,
		Model:          modelName,
		PersonaID:      r.persona.ID,
		Score:          result.Score,
		Fallback:       result.Fallback,
	}}
	r.finish(final)
	r.sink.Broadcast(r.req.ConversationID, final)

	r.log.Info("chat answered",
		zap.Int("attempts", result.Attempts),
		zap.Bool("fallback", result.Fallback),
		zap.Float64("score", result.Score),
	)
}

// resolveConversation creates or loads the target conversation and checks access.
func (p *Pipeline) resolveConversation(ctx context.Context, r *run, content string) bool {
	if r.req.ConversationID == "" {
		conv, err := p.store.CreateConversation(ctx, r.origin.UserID, model.CreateConversationRequest{
			Title:     content,
			Model:     r.req.Model,
			PersonaID: r.persona.ID,
		})
		if err != nil {
			if isCancellation(err, context.Cause(ctx)) {
				p.handleFailure(r, err, context.Cause(ctx))
				return false
			}
			r.log.Error("failed to create conversation", zap.Error(err))
			r.fail(CodeInternal, "Could not start a new conversation.")
			return false
		}
		r.req.ConversationID = conv.ID
		r.log = r.log.With(zap.String("conversation_id", conv.ID))
		return true
	}

	conv, err := p.store.GetConversation(ctx, r.req.ConversationID)
	switch {
	case errors.Is(err, service.ErrNotFound):
		r.fail(CodeNotFound, "Conversation not found.")
		return false
	case err != nil:
		r.log.Warn("failed to load conversation", zap.Error(err))
	case r.req.PersonaID == "" && conv.PersonaID != "":
		r.persona = p.personas.Resolve(conv.PersonaID)
	}

	ok, err := p.store.HasAccess(ctx, r.req.ConversationID, r.origin.UserID)
	if err != nil {
		if isCancellation(err, context.Cause(ctx)) {
			p.handleFailure(r, err, context.Cause(ctx))
			return false
		}
		code, message := classify(err)
		if code == CodeInternal {
			r.log.Error("access check failed", zap.Error(err))
		}
		r.fail(code, message)
		return false
	}
	if !ok {
		r.fail(CodeForbidden, "You do not have access to this conversation.")
		return false
	}
	return true
}

// selectModel picks the request's model, else the conversation's, else the
// default. An explicit model on the request sticks to the conversation.
func (p *Pipeline) selectModel(ctx context.Context, r *run) string {
	current, err := p.store.CurrentModel(ctx, r.req.ConversationID)
	if err != nil {
		r.log.Warn("failed to read conversation model", zap.Error(err))
		current = ""
	}

	if r.req.Model != "" {
		if r.req.Model != current {
			if err := p.store.SetModel(ctx, r.req.ConversationID, r.req.Model); err != nil {
				r.log.Warn("failed to switch conversation model", zap.Error(err))
			}
		}
		return r.req.Model
	}
	if current == "" {
		return p.cfg.DefaultModel
	}
	return current
}

func (p *Pipeline) handleFailure(r *run, err, cause error) {
	bg := context.Background()

	if isCancellation(err, cause) {
		reason := "client disconnected"
		if errors.Is(err, llm.ErrCanceled) || errors.Is(cause, llm.ErrCanceled) {
			reason = "cancelled by user"
		}
		p.recordEvent(bg, r, model.ConversationEventCancel, reason, map[string]any{
			"message_id": r.req.MessageID,
		})
		r.finish(model.Envelope{Type: model.EventCancelAck, Data: model.CancelAckEvent{
			MessageID:      r.req.MessageID,
			ConversationID: r.req.ConversationID,
			Active:         true,
		}})
		r.log.Info("chat cancelled")
		return
	}

	code, message := classify(err)
	p.recordEvent(bg, r, model.ConversationEventError, err.Error(), map[string]any{
		"message_id": r.req.MessageID,
		"code":       code,
	})
	r.log.Warn("chat failed", zap.String("code", code), zap.Error(err))
	r.fail(code, message)
}

func (p *Pipeline) recordEvent(ctx context.Context, r *run, eventType model.ConversationEventType, reason string, metadata map[string]any) {
	if r.req.ConversationID == "" {
		return
	}
	if err := p.store.RecordEvent(ctx, r.req.ConversationID, eventType, reason, metadata); err != nil {
		r.log.Warn("failed to record conversation event", zap.String("type", string(eventType)), zap.Error(err))
	}
}

// buildPrompt assembles persona system message, recent history and the new
// user message.
func buildPrompt(p model.Persona, history []model.Message, content string) []llm.ChatMessage {
	prompt := make([]llm.ChatMessage, 0, len(history)+2)
	prompt = append(prompt, llm.ChatMessage{Role: string(model.RoleSystem), Content: p.SystemPrompt})
	for _, msg := range history {
		if msg.Role != model.RoleUser && msg.Role != model.RoleAssistant {
			continue
		}
		prompt = append(prompt, llm.ChatMessage{Role: string(msg.Role), Content: msg.Content})
	}
	return append(prompt, llm.ChatMessage{Role: string(model.RoleUser), Content: content})
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid chat request"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return strings.ToLower(fe.Field()) + " is required"
	case "max":
		return strings.ToLower(fe.Field()) + " is too long"
	default:
		return strings.ToLower(fe.Field()) + " is invalid"
	}
}
