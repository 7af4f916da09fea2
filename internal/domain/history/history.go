package history

import (
	"context"
	"sort"
)

// Message roles, in the order they may legally appear: a session's first
// entry is always the system preamble.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultSystemPrompt seeds every new session's history.
const DefaultSystemPrompt = "You are a helpful assistant."

const (
	titleLimit   = 32
	previewLimit = 64
)

// Message is one immutable turn in a session's history.
type Message struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// SessionMetadata summarizes one session for listing. Title is write-once,
// derived from the first user message; preview tracks the latest message.
type SessionMetadata struct {
	SessionID string `json:"session_id"`
	Title     string `json:"title"`
	Preview   string `json:"preview"`
	UpdatedAt int64  `json:"updated_at"`
}

// Store is an append-only, per-(user, session) ordered log of messages.
// Implementations must be safe for concurrent use across sessions and must
// serialize appends within a session.
type Store interface {
	// EnsureSystemPreamble appends the default system prompt iff the
	// session's history is empty. Idempotent.
	EnsureSystemPreamble(ctx context.Context, user, session string) error

	// Append records a message and refreshes the session metadata.
	Append(ctx context.Context, user, session, role, content string) error

	// Read returns the full ordered message sequence, empty if none.
	Read(ctx context.Context, user, session string) ([]Message, error)

	// ListSessions returns all session metadata for a user, most recently
	// updated first; equal timestamps break ties by session id ascending.
	ListSessions(ctx context.Context, user string) ([]SessionMetadata, error)
}

// truncate clips s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// sortSessions orders metadata by updated_at descending, session id ascending.
func sortSessions(sessions []SessionMetadata) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].UpdatedAt != sessions[j].UpdatedAt {
			return sessions[i].UpdatedAt > sessions[j].UpdatedAt
		}
		return sessions[i].SessionID < sessions[j].SessionID
	})
}
