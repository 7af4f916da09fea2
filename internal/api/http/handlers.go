package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chatrelay/backend/internal/domain/history"
	"github.com/chatrelay/backend/internal/generation"
	"github.com/chatrelay/backend/internal/infrastructure/logging"
)

const healthProbeTimeout = 2 * time.Second

// Pinger is implemented by stores that can verify backend connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers serves the REST surface: history reads, health, and the banner.
type Handlers struct {
	store  history.Store
	gen    *generation.Client
	logger *logging.Logger
}

// NewHandlers creates the HTTP handlers.
func NewHandlers(store history.Store, gen *generation.Client, logger *logging.Logger) *Handlers {
	return &Handlers{
		store:  store,
		gen:    gen,
		logger: logger,
	}
}

// Root returns the service banner.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "chat-relay-backend",
		"status":  "running",
	})
}

// Health reports store and generation backend reachability.
func (h *Handlers) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthProbeTimeout)
	defer cancel()

	status := http.StatusOK
	storeStatus := "ok"
	if p, ok := h.store.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			storeStatus = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	genStatus := "ok"
	if err := h.gen.Ping(ctx); err != nil {
		genStatus = err.Error()
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status":     "up",
		"store":      storeStatus,
		"generation": genStatus,
	})
}

// ListSessions returns all session metadata for a user, most recent first.
func (h *Handlers) ListSessions(c *gin.Context) {
	user := c.Query("uuid")
	if user == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "uuid is required"})
		return
	}

	sessions, err := h.store.ListSessions(c.Request.Context(), user)
	if err != nil {
		h.logger.Error("Failed to list sessions", zap.String("user_id", user), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}
	if sessions == nil {
		sessions = []history.SessionMetadata{}
	}
	c.JSON(http.StatusOK, sessions)
}

// GetHistory returns the full message sequence for one session.
func (h *Handlers) GetHistory(c *gin.Context) {
	user := c.Query("uuid")
	if user == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "uuid is required"})
		return
	}
	session := c.Param("session_id")

	messages, err := h.store.Read(c.Request.Context(), user, session)
	if err != nil {
		h.logger.Error("Failed to read history",
			zap.String("user_id", user),
			zap.String("session_id", session),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": session,
		"history":    messages,
	})
}
