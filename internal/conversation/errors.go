// ABOUTME: Sentinel errors for conversation turns and their user-facing texts
// ABOUTME: RunError carries the terminal status of a failed remote run

package conversation

import (
	"errors"
	"fmt"

	"github.com/2389/tutorline/internal/assistant"
)

var (
	// ErrBusy means another request for the same user is outstanding.
	ErrBusy = errors.New("a request for this user is already in progress")

	// ErrThreadCreationFailed means the remote thread could not be created.
	ErrThreadCreationFailed = errors.New("thread creation failed")

	// ErrRunFailed means the remote run ended without completing.
	ErrRunFailed = errors.New("run failed")

	// ErrTimeout means the run did not finish before the deadline.
	ErrTimeout = errors.New("run timed out")

	// ErrStoreUnavailable means a critical state write failed and the
	// attempt was abandoned.
	ErrStoreUnavailable = errors.New("state store unavailable")

	// ErrExtractionFailed is logged when the summary could not be structured.
	// It is never returned to callers.
	ErrExtractionFailed = errors.New("summary extraction failed")

	// ErrNoActiveTask means the user has no open thread to end.
	ErrNoActiveTask = errors.New("no active task")
)

// RunError describes a run that reached a terminal status other than completed.
type RunError struct {
	RunID  string
	Status assistant.RunStatus
	Detail string
}

func (e *RunError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("run %s ended with status %s", e.RunID, e.Status)
	}
	return fmt.Sprintf("run %s ended with status %s: %s", e.RunID, e.Status, e.Detail)
}

// Is makes errors.Is(err, ErrRunFailed) match any RunError.
func (e *RunError) Is(target error) bool {
	return target == ErrRunFailed
}

// User-facing texts.
const (
	BusyText         = "系統正在回覆您的訊息，請稍後......"
	ApologyText      = "很抱歉，系統目前無法回覆你的訊息"
	NoReplyText      = "No assistant reply found."
	NoActiveTaskText = "目前沒有進行中的任務"
)

// Tag returns the short label used in logs, metrics and apology texts.
func Tag(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrRunFailed):
		return "run_failed"
	case errors.Is(err, ErrThreadCreationFailed):
		return "thread_creation_failed"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrNoActiveTask):
		return "no_active_task"
	default:
		return "internal_error"
	}
}

// UserText maps an error to what the user is shown. Raw error text is never
// exposed; anything unrecognized becomes internal_error.
func UserText(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBusy):
		return BusyText
	case errors.Is(err, ErrNoActiveTask):
		return NoActiveTaskText
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrRunFailed):
		return ApologyText + " - " + Tag(err)
	default:
		return ApologyText + " - internal_error"
	}
}
