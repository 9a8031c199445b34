// ABOUTME: Provider and Extractor interfaces for the external conversational AI service
// ABOUTME: Defines Run, RunStatus and the structured Summary returned by extraction

package assistant

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the remote thread or run does not exist.
var ErrNotFound = errors.New("assistant resource not found")

// RunStatus is the lifecycle status of a remote run.
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunRequiresAction RunStatus = "requires_action"
	RunCancelling     RunStatus = "cancelling"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunCancelled      RunStatus = "cancelled"
	RunExpired        RunStatus = "expired"
	RunIncomplete     RunStatus = "incomplete"
)

// Terminal reports whether the run will not change status again.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunExpired, RunIncomplete:
		return true
	}
	return false
}

// Run is a generation request against a thread.
type Run struct {
	ID       string
	ThreadID string
	Status   RunStatus

	// LastError is set by the service for failed runs.
	LastError string
}

// Provider is the multi-turn conversation capability. Threads hold context
// across turns; each run generates one assistant reply.
type Provider interface {
	CreateThread(ctx context.Context) (string, error)
	PostMessage(ctx context.Context, threadID, text string) error
	CreateRun(ctx context.Context, threadID string) (*Run, error)
	GetRun(ctx context.Context, threadID, runID string) (*Run, error)
	CancelRun(ctx context.Context, threadID, runID string) error

	// LatestAssistantMessage returns the text of the newest assistant message
	// on the thread, or "" if there is none.
	LatestAssistantMessage(ctx context.Context, threadID string) (string, error)

	DeleteThread(ctx context.Context, threadID string) error
}

// Summary is the structured form of an end-of-task review. Fields the model
// did not produce, or produced in an unusable form, are nil.
type Summary struct {
	Topic             *string
	InvolvedKnowledge *string
	Score             *float64
	Comment           *string
}

// Extractor turns free-form summary text into a Summary. It is stateless and
// never touches the conversation thread.
type Extractor interface {
	ExtractSummary(ctx context.Context, text string) (*Summary, error)
}
