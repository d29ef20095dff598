package handler

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/knath2000/klk-back-sub001/internal/middleware"
	"github.com/knath2000/klk-back-sub001/internal/realtime"
	"github.com/knath2000/klk-back-sub001/pkg/logger"
)

const maxInboundBytes = 256 << 10

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// WebSocketHandler upgrades connections and hands them to the session manager.
type WebSocketHandler struct {
	manager     *realtime.Manager
	verifier    *middleware.JWTVerifier
	requireAuth bool
	logger      *logger.Logger
}

// NewWebSocketHandler creates a new websocket handler. Without requireAuth,
// connections without a token are accepted as anonymous; a token that is
// present must still verify.
func NewWebSocketHandler(manager *realtime.Manager, verifier *middleware.JWTVerifier, requireAuth bool, log *logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		manager:     manager,
		verifier:    verifier,
		requireAuth: requireAuth,
		logger:      log,
	}
}

// ServeHTTP handles GET /ws
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity := realtime.Identity{}
	if token := middleware.BearerToken(r); token != "" {
		claims, err := h.verifier.Verify(token)
		if err != nil {
			h.logger.Debug("websocket handshake rejected", zap.Error(err))
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		identity = realtime.Identity{UserID: claims.Subject, Authenticated: true}
	} else if h.requireAuth {
		writeError(w, http.StatusUnauthorized, "missing token")
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade the websocket", zap.Error(err))
		return
	}
	ws.SetReadLimit(maxInboundBytes)

	session := h.manager.Attach(ws, identity)
	h.manager.Serve(r.Context(), session)
}
