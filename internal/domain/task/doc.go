// Package task provides generation task lifecycle management.
//
// Each session owns at most one live generation task. Starting a new task
// interrupts any predecessor and waits for it to finish its shutdown work
// before spawning, so a session's frame stream never interleaves output from
// two generations and partial output is durable before anything replaces it.
//
// Lifecycle:
//  1. Start cancels the previous task (if any) and waits for its finalizer
//  2. The task reads history, opens a backend stream, and relays chunks
//  3. On completion, stop, or failure the accumulated text is persisted and
//     a single terminal frame (response_end, stopped, or error) is emitted
//
// Stop is synchronous: when it returns true, the interrupted task's partial
// response has already been saved and its terminal frame sent.
package task
