package history

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and Redis-less development.
// A single mutex covers all sessions; appends within a session are therefore
// serialized, and cross-session calls never block on I/O.
type MemoryStore struct {
	mu       sync.RWMutex
	logs     map[string][]Message
	metadata map[string]map[string]SessionMetadata // user -> session -> meta
}

// NewMemoryStore creates an empty in-memory history store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logs:     make(map[string][]Message),
		metadata: make(map[string]map[string]SessionMetadata),
	}
}

func memKey(user, session string) string {
	return user + "\x00" + session
}

// EnsureSystemPreamble appends the default system prompt iff the history is empty.
func (s *MemoryStore) EnsureSystemPreamble(ctx context.Context, user, session string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.logs[memKey(user, session)]) > 0 {
		return nil
	}
	s.appendLocked(user, session, RoleSystem, DefaultSystemPrompt)
	return nil
}

// Append records a message and refreshes session metadata.
func (s *MemoryStore) Append(ctx context.Context, user, session, role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(user, session, role, content)
	return nil
}

func (s *MemoryStore) appendLocked(user, session, role, content string) {
	ts := time.Now().Unix()
	s.logs[memKey(user, session)] = append(s.logs[memKey(user, session)], Message{
		Role:      role,
		Content:   content,
		Timestamp: ts,
	})

	if role != RoleUser && role != RoleAssistant {
		return
	}

	userMeta, ok := s.metadata[user]
	if !ok {
		userMeta = make(map[string]SessionMetadata)
		s.metadata[user] = userMeta
	}
	meta := userMeta[session]
	meta.SessionID = session
	meta.Preview = truncate(content, previewLimit)
	meta.UpdatedAt = ts
	if role == RoleUser && meta.Title == "" {
		meta.Title = truncate(content, titleLimit)
	}
	userMeta[session] = meta
}

// Read returns a copy of the full ordered message sequence for a session.
func (s *MemoryStore) Read(ctx context.Context, user, session string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.logs[memKey(user, session)]
	out := make([]Message, len(log))
	copy(out, log)
	return out, nil
}

// ListSessions returns all session metadata for a user, most recent first.
func (s *MemoryStore) ListSessions(ctx context.Context, user string) ([]SessionMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sessions []SessionMetadata
	for _, meta := range s.metadata[user] {
		sessions = append(sessions, meta)
	}
	sortSessions(sessions)
	return sessions, nil
}
