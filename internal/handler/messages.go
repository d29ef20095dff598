package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/knath2000/klk-back-sub001/internal/middleware"
	"github.com/knath2000/klk-back-sub001/internal/service"
	"github.com/knath2000/klk-back-sub001/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	messageService      *service.MessageService
	conversationService *service.ConversationService
	logger              *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(
	msgSvc *service.MessageService,
	convSvc *service.ConversationService,
	log *logger.Logger,
) *MessageHandler {
	return &MessageHandler{
		messageService:      msgSvc,
		conversationService: convSvc,
		logger:              log,
	}
}

// List handles GET /api/v1/conversations/{id}/messages
// Supports ?after_sequence=N&limit=M for paging.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	ok, err := h.conversationService.HasAccess(ctx, conversationID, middleware.GetUserID(ctx))
	if err != nil {
		writeServiceError(w, err, "failed to get messages")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	var afterSequence uint64
	if seq := r.URL.Query().Get("after_sequence"); seq != "" {
		if parsed, err := strconv.ParseUint(seq, 10, 64); err == nil {
			afterSequence = parsed
		}
	}
	limit := queryInt(r, "limit", 50, 1, 100)

	resp, err := h.messageService.ListMessages(ctx, conversationID, afterSequence, limit)
	if err != nil {
		h.logger.Error("failed to get messages", zap.String("conversation_id", conversationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get messages")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
