package types

// Inbound frame types sent by clients over the chat channel.
const (
	FrameUserMessage    = "user_message"
	FrameStopGeneration = "stop_generation"
)

// Outbound frame types produced by the server.
const (
	FrameSessionID     = "session_id"
	FrameResponseChunk = "response_chunk"
	FrameResponseEnd   = "response_end"
	FrameStopped       = "stopped"
	FrameError         = "error"
)

// InboundFrame is a decoded client message.
type InboundFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// Frame is an outbound message delivered over the chat channel.
type Frame struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}
