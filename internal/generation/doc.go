// Package generation provides a streaming client for Ollama-compatible
// chat backends.
//
// A call to Stream posts the full message history and returns a Stream whose
// channel yields content chunks as NDJSON lines arrive. The channel closes on
// the backend's done marker, on transport failure, or on context cancellation;
// Err reports which, and is valid only after the channel closes. Chunks
// delivered before a failure are never retracted, so callers can keep partial
// output.
package generation
