// Package client is the Go client for the tutorline HTTP API.
//
// # Overview
//
// The admin CLI and the Matrix bridge talk to a running gateway through
// this package rather than opening the store themselves:
//
//	c := client.New("http://localhost:8080")
//	res, err := c.SendMessage(ctx, gateway.SendMessageRequest{UserID: "U1", Text: "hi"})
//
// # Errors
//
// Non-2xx responses become *APIError carrying the status code, the
// learner-facing message and, for failed turns, the outcome tag (busy,
// timeout, run_failed, ...). IsBusy and IsNoActiveTask test for the two
// outcomes callers usually branch on.
//
// # Events
//
// StreamEvents follows GET /api/users/{user}/events and calls back once
// per turn, outcome or teardown event until the context ends or the
// gateway closes the stream.
package client
