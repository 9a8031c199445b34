// Package store provides persistence for per-user conversation sessions and
// the transcripts of tutoring tasks.
//
// # Architecture
//
// Two interfaces split the concerns:
//
//   - SessionStore: one record per user holding login state, the open thread
//     id and the outstanding run id
//   - TranscriptStore: append-only turns plus the end-of-task summary, keyed
//     by thread id
//
// SQLiteStore and MongoStore implement both. RedisSessionStore implements
// SessionStore only and is joined with a transcript backend by Composite so
// several gateway instances can share admission state.
//
// # Run reservations
//
// The RunID field doubles as the durable admission lock. A caller reserves it
// with SwapRunID(user, "", token) where token starts with RunPending, then
// swaps the token for the remote run id, and finally swaps it back to "".
// Every backend performs SwapRunID as a single atomic operation.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateTranscript: transcript already exists
//   - ErrUnavailable: wrapped around every driver failure
//
// # Testing
//
// Use NewMockStore() for unit tests. FailNext injects ErrUnavailable into a
// chosen operation. Use NewSQLiteStore with a t.TempDir() path for
// integration tests with real SQLite.
package store
