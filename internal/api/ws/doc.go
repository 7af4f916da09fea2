// Package ws implements the chat WebSocket endpoint.
//
// Each connection serves one session. The read loop decodes inbound frames
// and dispatches them: user_message persists the turn and starts a generation
// task (superseding any live one), stop_generation interrupts the live task.
// Malformed frames are logged and ignored; the channel survives them.
//
// Protocol:
//   - Inbound: user_message{content}, stop_generation{}
//   - Outbound: session_id, response_chunk{content}, response_end, stopped,
//     error{content}
package ws
