// Package handler provides HTTP handlers for the API.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/knath2000/klk-back-sub001/internal/middleware"
	"github.com/knath2000/klk-back-sub001/internal/model"
	"github.com/knath2000/klk-back-sub001/internal/service"
	"github.com/knath2000/klk-back-sub001/pkg/logger"
)

// PersonaLister exposes the persona catalog. *persona.Catalog implements it.
type PersonaLister interface {
	Get(id string) (model.Persona, bool)
	List() []model.Persona
}

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	service  *service.ConversationService
	personas PersonaLister
	logger   *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.ConversationService, personas PersonaLister, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service:  svc,
		personas: personas,
		logger:   log,
	}
}

// Create handles POST /api/v1/conversations
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req model.CreateConversationRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.PersonaID != "" {
		if _, ok := h.personas.Get(req.PersonaID); !ok {
			writeError(w, http.StatusBadRequest, "unknown persona")
			return
		}
	}

	conv, err := h.service.CreateConversation(ctx, userID, req)
	if err != nil {
		h.logger.Error("failed to create conversation", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}

	writeJSON(w, http.StatusCreated, conv)
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := queryInt(r, "limit", 20, 1, 100)
	offset := queryInt(r, "offset", 0, 0, 1<<30)

	resp, err := h.service.List(ctx, middleware.GetUserID(ctx), limit, offset)
	if err != nil {
		h.logger.Error("failed to list conversations", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/conversations/{id}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	ok, err := h.service.HasAccess(ctx, conversationID, middleware.GetUserID(ctx))
	if err != nil {
		writeServiceError(w, err, "failed to load conversation")
		return
	}
	if !ok {
		// Do not reveal conversations the caller cannot see.
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	conv, err := h.service.GetConversation(ctx, conversationID)
	if err != nil {
		writeServiceError(w, err, "failed to load conversation")
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// Share handles POST /api/v1/conversations/{id}/share
func (h *ConversationHandler) Share(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	var req model.ShareConversationRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.Share(ctx, conversationID, middleware.GetUserID(ctx), req.UserID); err != nil {
		writeServiceError(w, err, "failed to share conversation")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Delete handles DELETE /api/v1/conversations/{id}
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := h.service.Delete(ctx, conversationID, middleware.GetUserID(ctx)); err != nil {
		writeServiceError(w, err, "failed to delete conversation")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Personas handles GET /api/v1/personas
func (h *ConversationHandler) Personas(w http.ResponseWriter, r *http.Request) {
	type personaView struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	list := h.personas.List()
	out := make([]personaView, 0, len(list))
	for _, p := range list {
		out = append(out, personaView{ID: p.ID, Name: p.Name})
	}
	writeJSON(w, http.StatusOK, map[string]any{"personas": out})
}
