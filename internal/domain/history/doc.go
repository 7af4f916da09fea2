// Package history provides per-session conversation storage.
//
// Each (user, session) pair owns an append-only log of role-tagged messages
// plus a small metadata record used to render session lists: a write-once
// title taken from the first user message, a preview of the most recent
// user message, and a last-activity timestamp.
//
// Components:
//   - Store: the storage contract shared by all backends
//   - RedisStore: production backend on Redis lists and hashes
//   - MemoryStore: in-process backend for tests and development
//
// Ordering Guarantees:
//   - Messages within one session read back in exact append order
//   - Session listings sort by recency, newest first
//
// Example Usage:
//
//	store := history.NewRedisStore(client, logger)
//	err := store.Append(ctx, userID, sessionID, history.RoleUser, "hello")
//	msgs, err := store.Read(ctx, userID, sessionID)
package history
