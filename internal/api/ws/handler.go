package ws

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chatrelay/backend/internal/domain/conn"
	"github.com/chatrelay/backend/internal/domain/history"
	"github.com/chatrelay/backend/internal/domain/task"
	"github.com/chatrelay/backend/internal/infrastructure/logging"
	"github.com/chatrelay/backend/internal/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in dev
	},
}

// Handler manages chat channel connections and the frame protocol.
type Handler struct {
	registry *conn.Registry
	control  *task.Controller
	store    history.Store
	logger   *logging.Logger
}

// NewHandler creates a new WebSocket handler.
func NewHandler(registry *conn.Registry, control *task.Controller, store history.Store, logger *logging.Logger) *Handler {
	return &Handler{
		registry: registry,
		control:  control,
		store:    store,
		logger:   logger,
	}
}

// HandleConnection upgrades the request and runs the session's read loop.
// The caller identifier is mandatory; a missing session id means the server
// generates one and returns it in the acknowledgement frame.
func (h *Handler) HandleConnection(c *gin.Context) {
	user := c.Query("uuid")
	if user == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "uuid is required"})
		return
	}
	session := c.Query("session_id")
	if session == "" {
		session = uuid.NewString()
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	ctx := c.Request.Context()
	if err := h.store.EnsureSystemPreamble(ctx, user, session); err != nil {
		h.logger.Error("Failed to seed system preamble",
			zap.String("session_id", session),
			zap.Error(err),
		)
	}

	h.registry.Connect(ws, session)
	defer h.registry.Disconnect(session)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("WebSocket read error",
					zap.String("session_id", session),
					zap.Error(err),
				)
			}
			return
		}

		var frame types.InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.logger.Warn("Ignoring undecodable frame",
				zap.String("session_id", session),
				zap.Error(err),
			)
			continue
		}

		switch frame.Type {
		case types.FrameUserMessage:
			h.handleUserMessage(ctx, user, session, frame.Content)
		case types.FrameStopGeneration:
			if h.control.Stop(session) {
				h.logger.Info("Generation stopped by user",
					zap.String("user_id", user),
					zap.String("session_id", session),
				)
			}
		default:
			h.logger.Warn("Ignoring unknown frame type",
				zap.String("session_id", session),
				zap.String("type", frame.Type),
			)
		}
	}
}

// handleUserMessage supersedes any in-flight generation, records the user
// turn, and spawns a new generation task. The superseded task finishes its
// partial save before the new turn is appended.
func (h *Handler) handleUserMessage(ctx context.Context, user, session, content string) {
	if content == "" {
		h.logger.Warn("Ignoring user message without content", zap.String("session_id", session))
		return
	}

	h.control.Stop(session)

	if err := h.store.EnsureSystemPreamble(ctx, user, session); err != nil {
		h.registry.Send(session, types.Frame{Type: types.FrameError, Content: "failed to record message"})
		h.logger.Error("Failed to seed system preamble",
			zap.String("session_id", session),
			zap.Error(err),
		)
		return
	}
	if err := h.store.Append(ctx, user, session, history.RoleUser, content); err != nil {
		h.registry.Send(session, types.Frame{Type: types.FrameError, Content: "failed to record message"})
		h.logger.Error("Failed to append user message",
			zap.String("session_id", session),
			zap.Error(err),
		)
		return
	}

	h.logger.Info("User message received",
		zap.String("user_id", user),
		zap.String("session_id", session),
	)
	h.control.StartGeneration(user, session)
}
