package conn

import (
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chatrelay/backend/internal/infrastructure/logging"
	"github.com/chatrelay/backend/internal/infrastructure/monitoring"
	"github.com/chatrelay/backend/internal/types"
)

// TaskStopper cancels a session's live generation work and waits for its
// partial output to be persisted.
type TaskStopper interface {
	Stop(session string) bool
}

// Connection wraps a websocket endpoint with a write lock; gorilla/websocket
// supports at most one concurrent writer per connection.
type Connection struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// WriteFrame serializes and sends one outbound frame.
func (c *Connection) WriteFrame(frame types.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(frame)
}

// Registry maps session identifiers to their live duplex channel. It holds
// at most one connection per session and tears down the session's generation
// task together with the channel on disconnect.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection

	tasks   TaskStopper
	logger  *logging.Logger
	metrics *monitoring.Metrics
}

// NewRegistry creates an empty connection registry. Wire the task stopper
// with BindStopper before serving connections.
func NewRegistry(logger *logging.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]*Connection),
		logger: logger,
	}
}

// WithMetrics attaches a metrics collector.
func (r *Registry) WithMetrics(m *monitoring.Metrics) *Registry {
	r.metrics = m
	return r
}

// BindStopper wires the controller that owns generation tasks. Registry and
// controller reference each other, so one side binds after construction.
func (r *Registry) BindStopper(tasks TaskStopper) {
	r.tasks = tasks
}

// Connect registers the channel under the session identifier, replacing any
// previous registration, and acknowledges with the session id so the client
// can persist it for reconnection.
func (r *Registry) Connect(ws *websocket.Conn, session string) *Connection {
	c := &Connection{ws: ws}

	r.mu.Lock()
	_, replaced := r.conns[session]
	r.conns[session] = c
	r.mu.Unlock()

	if err := c.WriteFrame(types.Frame{Type: types.FrameSessionID, SessionID: session}); err != nil {
		r.logger.Warn("Failed to send session acknowledgement",
			zap.String("session_id", session),
			zap.Error(err),
		)
	}

	if r.metrics != nil && !replaced {
		r.metrics.WSConnections.Inc()
	}
	r.logger.Info("WebSocket connected", zap.String("session_id", session))
	return c
}

// Disconnect removes the registration and cancels any live generation task
// so no task outlives its channel. Blocks until the cancelled task has
// persisted its partial output. Idempotent.
func (r *Registry) Disconnect(session string) {
	r.mu.Lock()
	_, ok := r.conns[session]
	delete(r.conns, session)
	r.mu.Unlock()

	if !ok {
		return
	}

	if r.tasks != nil {
		r.tasks.Stop(session)
	}

	if r.metrics != nil {
		r.metrics.WSConnections.Dec()
	}
	r.logger.Info("WebSocket disconnected", zap.String("session_id", session))
}

// Send delivers a frame to the session's channel if one is registered.
// A missing channel is a silent no-op; under cancellation races the channel
// is expected to be gone already.
func (r *Registry) Send(session string, frame types.Frame) {
	r.mu.RLock()
	c := r.conns[session]
	r.mu.RUnlock()

	if c == nil {
		return
	}
	if r.metrics != nil {
		r.metrics.WSFrames.WithLabelValues("out", frame.Type).Inc()
	}
	if err := c.WriteFrame(frame); err != nil {
		r.logger.Warn("Failed to deliver frame",
			zap.String("session_id", session),
			zap.String("type", frame.Type),
			zap.Error(err),
		)
	}
}
