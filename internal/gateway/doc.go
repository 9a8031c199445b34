// Package gateway wires tutorline together and serves it over HTTP.
//
// # Overview
//
// New builds the durable store (SQLite or MongoDB, optionally with Redis
// sessions), the Assistants client, the summary extractor, the
// conversation service and its janitor, and the LINE router. NewWithDeps
// accepts prebuilt components, which is how the tests drive it.
//
// # HTTP API
//
//   - POST /api/callback - LINE webhook (X-Line-Signature required)
//   - POST /api/messages - One synchronous turn, {user_id, text}
//   - GET /api/sessions/{user} - Session record and busy flag
//   - POST /api/sessions/{user}/end - End the open task, {summarize}
//   - POST /api/sessions/{user}/logout - Log out and discard the task
//   - GET /api/users/{user}/chats - Summarized transcripts, newest first
//   - GET /api/users/{user}/events - SSE stream of turns and outcomes
//   - GET /api/chats/{thread} - Full transcript with rendered summary
//   - GET /health, /health/ready - Liveness and store readiness
//   - GET /metrics - Prometheus metrics, when enabled
//
// Turn errors are reported as {error, tag}: error is the text a learner
// would see and tag is the short outcome label (busy, timeout, run_failed,
// ...). Busy maps to 409, timeouts to 504 and failed runs to 502.
//
// # Lifecycle
//
// Run listens, starts the janitor and blocks until its context ends.
// Shutdown stops the HTTP server, waits for webhook dispatches still in
// flight (cancelling them if the shutdown context expires), stops the
// janitor and closes the store.
package gateway
