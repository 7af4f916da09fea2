package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chatrelay/backend/internal/domain/history"
	"github.com/chatrelay/backend/internal/infrastructure/logging"
	"github.com/chatrelay/backend/internal/infrastructure/monitoring"
	"github.com/chatrelay/backend/internal/types"
)

// finalizeTimeout bounds the history write that persists a partial or full
// response after the task's own context is gone.
const finalizeTimeout = 5 * time.Second

// ChunkStream is a finite, non-restartable sequence of response fragments.
// Once Chunks is closed, Err reports how the sequence ended.
type ChunkStream interface {
	Chunks() <-chan string
	Err() error
}

// Generator starts a streaming generation over a message history.
type Generator interface {
	Stream(ctx context.Context, msgs []history.Message) (ChunkStream, error)
}

// Sender delivers an outbound frame to a session's channel, dropping it
// silently when no channel is registered.
type Sender interface {
	Send(session string, frame types.Frame)
}

// Controller owns, per session, at most one live generation task. Start and
// Stop are mutually exclusive with the task's own terminal transition for a
// given session; different sessions share no lock beyond slot lookup.
type Controller struct {
	store   history.Store
	gen     Generator
	sender  Sender
	logger  *logging.Logger
	metrics *monitoring.Metrics

	mu    sync.Mutex
	slots map[string]*slot
}

// slot tracks the live generation task for one session. Its mutex guards the
// cancel/done pair; gen distinguishes successive tasks so a finished task
// never clobbers its replacement's bookkeeping.
type slot struct {
	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// NewController creates a controller with no live tasks.
func NewController(store history.Store, gen Generator, sender Sender, logger *logging.Logger) *Controller {
	return &Controller{
		store:  store,
		gen:    gen,
		sender: sender,
		logger: logger,
		slots:  make(map[string]*slot),
	}
}

// WithMetrics attaches a metrics collector.
func (c *Controller) WithMetrics(m *monitoring.Metrics) *Controller {
	c.metrics = m
	return c
}

func (c *Controller) slot(session string) *slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[session]
	if !ok {
		s = &slot{}
		c.slots[session] = s
	}
	return s
}

// StartGeneration replaces any live task for the session with a fresh one.
// The prior task is cancelled and fully finalized (partial saved, terminal
// frame sent) before the new task spawns, so a superseded generation can
// never interleave chunks with its successor.
func (c *Controller) StartGeneration(user, session string) {
	s := c.slot(session)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.interruptLocked()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.gen++
	s.cancel = cancel
	s.done = done

	if c.metrics != nil {
		c.metrics.GenerationsStarted.Inc()
	}
	go c.run(ctx, user, session, s, s.gen, done)
}

// Stop cancels the session's live task and waits for its finalizer to finish.
// Returns false, without error, when the session is idle.
func (c *Controller) Stop(session string) bool {
	s := c.slot(session)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return false
	}
	s.interruptLocked()
	return true
}

// interruptLocked cancels the live task, if any, and blocks until its
// finalizer has run. Callers must hold s.mu.
func (s *slot) interruptLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
}

// run is the generation task. It streams chunks to the session's channel,
// then takes exactly one terminal transition: natural completion,
// cancellation with partial save, or error with partial save.
func (c *Controller) run(ctx context.Context, user, session string, s *slot, gen uint64, done chan struct{}) {
	defer s.detach(gen)
	defer close(done)

	var accumulated strings.Builder
	err := c.generate(ctx, user, session, &accumulated)
	partial := accumulated.String()

	switch {
	case err == nil:
		c.complete(user, session, partial)
	case errors.Is(err, context.Canceled):
		c.stopped(user, session, partial)
	default:
		c.failed(user, session, partial, err)
	}
}

// detach clears the slot after natural completion, unless a successor task
// already owns it.
func (s *slot) detach(gen uint64) {
	s.mu.Lock()
	if s.gen == gen {
		s.cancel = nil
		s.done = nil
	}
	s.mu.Unlock()
}

// generate reads the session history, streams the backend response, and
// relays each chunk. The accumulated text survives in out on every path.
func (c *Controller) generate(ctx context.Context, user, session string, out *strings.Builder) error {
	msgs, err := c.store.Read(ctx, user, session)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}

	stream, err := c.gen.Stream(ctx, msgs)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	for chunk := range stream.Chunks() {
		out.WriteString(chunk)
		c.sender.Send(session, types.Frame{Type: types.FrameResponseChunk, Content: chunk})
		if c.metrics != nil {
			c.metrics.ChunksRelayed.Inc()
		}
	}

	if err := stream.Err(); err != nil {
		return err
	}
	return ctx.Err()
}

func (c *Controller) complete(user, session, response string) {
	if err := c.appendAssistant(user, session, response); err != nil {
		c.logger.Error("Failed to persist response",
			zap.String("session_id", session),
			zap.Error(err),
		)
		c.sender.Send(session, types.Frame{Type: types.FrameError, Content: "failed to persist response"})
		if c.metrics != nil {
			c.metrics.GenerationsFailed.Inc()
		}
		return
	}
	c.sender.Send(session, types.Frame{Type: types.FrameResponseEnd})
	if c.metrics != nil {
		c.metrics.GenerationsCompleted.Inc()
	}
	c.logger.Info("Generation completed",
		zap.String("user_id", user),
		zap.String("session_id", session),
	)
}

func (c *Controller) stopped(user, session, partial string) {
	if strings.TrimSpace(partial) != "" {
		if err := c.appendAssistant(user, session, partial); err != nil {
			c.logger.Error("Failed to persist partial response",
				zap.String("session_id", session),
				zap.Error(err),
			)
		} else {
			c.logger.Info("Generation stopped, partial saved",
				zap.String("user_id", user),
				zap.String("session_id", session),
			)
		}
	}
	c.sender.Send(session, types.Frame{Type: types.FrameStopped})
	if c.metrics != nil {
		c.metrics.GenerationsStopped.Inc()
	}
}

func (c *Controller) failed(user, session, partial string, cause error) {
	if strings.TrimSpace(partial) != "" {
		if err := c.appendAssistant(user, session, partial); err != nil {
			c.logger.Error("Failed to persist partial response",
				zap.String("session_id", session),
				zap.Error(err),
			)
		}
	}
	c.logger.Error("Generation failed",
		zap.String("user_id", user),
		zap.String("session_id", session),
		zap.Error(cause),
	)
	c.sender.Send(session, types.Frame{Type: types.FrameError, Content: cause.Error()})
	if c.metrics != nil {
		c.metrics.GenerationsFailed.Inc()
	}
}

// appendAssistant persists a response with a fresh context; the task's own
// context may already be cancelled by the time a finalizer runs.
func (c *Controller) appendAssistant(user, session, content string) error {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	if err := c.store.Append(ctx, user, session, history.RoleAssistant, content); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.HistoryAppends.WithLabelValues(history.RoleAssistant).Inc()
	}
	return nil
}
