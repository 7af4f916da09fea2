package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chatrelay/backend/internal/infrastructure/logging"
)

// RedisStore persists history as Redis lists keyed per (user, session),
// with a companion hash per session for metadata. Redis executes commands
// one at a time, which gives the per-session append ordering for free.
type RedisStore struct {
	client *redis.Client
	logger *logging.Logger
}

// NewRedisStore creates a Redis-backed history store.
func NewRedisStore(client *redis.Client, logger *logging.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		logger: logger,
	}
}

func sessionKey(user, session string) string {
	return fmt.Sprintf("chat:%s:%s", user, session)
}

func sessionMetaKey(user, session string) string {
	return fmt.Sprintf("chatmeta:%s:%s", user, session)
}

// EnsureSystemPreamble appends the default system prompt iff the history is empty.
func (s *RedisStore) EnsureSystemPreamble(ctx context.Context, user, session string) error {
	n, err := s.client.LLen(ctx, sessionKey(user, session)).Result()
	if err != nil {
		return fmt.Errorf("failed to check history length: %w", err)
	}
	if n > 0 {
		return nil
	}
	return s.Append(ctx, user, session, RoleSystem, DefaultSystemPrompt)
}

// Append records a message and refreshes session metadata.
func (s *RedisStore) Append(ctx context.Context, user, session, role, content string) error {
	entry := Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().Unix(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	if err := s.client.RPush(ctx, sessionKey(user, session), data).Err(); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}

	if err := s.updateMetadata(ctx, user, session, role, content, entry.Timestamp); err != nil {
		return err
	}

	s.logger.Debug("History appended",
		zap.String("user_id", user),
		zap.String("session_id", session),
		zap.String("role", role),
	)
	return nil
}

// updateMetadata refreshes preview and updated_at on every user or assistant
// message; title is set once, from the first user message.
func (s *RedisStore) updateMetadata(ctx context.Context, user, session, role, content string, ts int64) error {
	key := sessionMetaKey(user, session)

	switch role {
	case RoleUser:
		title, err := s.client.HGet(ctx, key, "title").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to read session title: %w", err)
		}
		fields := map[string]interface{}{
			"session_id": session,
			"preview":    truncate(content, previewLimit),
			"updated_at": strconv.FormatInt(ts, 10),
		}
		if title == "" {
			fields["title"] = truncate(content, titleLimit)
		}
		if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
			return fmt.Errorf("failed to update session metadata: %w", err)
		}
	case RoleAssistant:
		fields := map[string]interface{}{
			"session_id": session,
			"preview":    truncate(content, previewLimit),
			"updated_at": strconv.FormatInt(ts, 10),
		}
		if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
			return fmt.Errorf("failed to update session metadata: %w", err)
		}
	}
	// System messages do not touch metadata.
	return nil
}

// Read returns the full ordered message sequence for a session.
func (s *RedisStore) Read(ctx context.Context, user, session string) ([]Message, error) {
	entries, err := s.client.LRange(ctx, sessionKey(user, session), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	messages := make([]Message, 0, len(entries))
	for _, raw := range entries {
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			s.logger.Warn("Skipping malformed history entry",
				zap.String("session_id", session),
				zap.Error(err),
			)
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// ListSessions returns all session metadata for a user, most recent first.
func (s *RedisStore) ListSessions(ctx context.Context, user string) ([]SessionMetadata, error) {
	var sessions []SessionMetadata

	iter := s.client.Scan(ctx, 0, fmt.Sprintf("chatmeta:%s:*", user), 0).Iterator()
	for iter.Next(ctx) {
		meta, err := s.client.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read session metadata: %w", err)
		}
		if len(meta) == 0 {
			continue
		}
		updatedAt, _ := strconv.ParseInt(meta["updated_at"], 10, 64)
		sessions = append(sessions, SessionMetadata{
			SessionID: meta["session_id"],
			Title:     meta["title"],
			Preview:   meta["preview"],
			UpdatedAt: updatedAt,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to enumerate sessions: %w", err)
	}

	sortSessions(sessions)
	return sessions, nil
}

// Ping verifies the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}
	return nil
}
