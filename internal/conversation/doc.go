// Package conversation orchestrates tutoring conversations against a remote
// assistants service.
//
// # Overview
//
// The package sits between the dispatch layer (LINE webhook, HTTP API) and
// the assistant provider. For each user it keeps one remote thread open per
// task and runs at most one generation request against it at a time.
//
//	svc := conversation.New(store, provider, logger,
//	    conversation.WithExtractor(extractor),
//	    conversation.WithMetrics(conversation.NewMetrics(prometheus.DefaultRegisterer)),
//	)
//
// Key operations:
//
//   - SubmitTurn(ctx, user, text, opts): send one message and wait for the reply
//   - EndSession(ctx, user, opts): optionally summarize, then close the task
//   - Logout(ctx, user): mark the user logged out and drop any open task
//   - Busy(ctx, user): whether a request for the user is outstanding
//
// # Admission
//
// A request is admitted only if both the process-local guard and the
// session's RunID agree the user is idle. RunID is reserved with a
// compare-and-set to a unique pending token, then swapped for the real run
// id once the run exists. A second request for the same user is rejected
// with ErrBusy, never queued.
//
// # Turn lifecycle
//
//	idle -> thread_ensuring -> submitting -> running -> completed | failed | timed_out
//
// While running, the service polls the run every PollInterval. A deadline
// timer races the poll loop; if it fires first the turn returns ErrTimeout
// and a cancellation request is sent in the background. Whatever the
// outcome, RunID is cleared before the call returns. Clears that keep
// failing are queued and retried by the Janitor.
//
// # Transcripts
//
// With SaveTurns set, the user's message is appended before it is
// submitted and the reply (or the apology shown to the user) after the
// run resolves. Transcripts are append-only and outlive the remote thread.
//
// # Events
//
// A Broadcaster fans persisted turns and request outcomes out to
// subscribers such as the gateway's event stream.
package conversation
