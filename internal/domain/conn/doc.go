// Package conn tracks live WebSocket channels by session.
//
// The registry is the single delivery point for outbound frames: tasks send
// through it without holding connection references, and a send to a session
// with no registered channel is a silent no-op, which is what makes client
// disconnects safe while a generation is still finishing.
//
// Disconnecting a session also stops its live task and does not return until
// the task's partial output is durable.
package conn
