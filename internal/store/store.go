// ABOUTME: Store interfaces and data types for tutorline persistence
// ABOUTME: Defines Session, Transcript, Turn and the SessionStore/TranscriptStore contracts

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateTranscript is returned when creating a transcript whose thread id already exists
var ErrDuplicateTranscript = errors.New("transcript already exists")

// ErrUnavailable wraps every driver-level failure. A failed write means the
// stored state is unknown, not that it is unchanged.
var ErrUnavailable = errors.New("store unavailable")

// RunPending prefixes the RunID of a session whose run reservation is held
// but whose remote run has not been created yet. Each reservation gets a
// unique suffix so compare-and-set never confuses two reservations.
const RunPending = "creating"

// IsPendingRun reports whether runID is a reservation rather than a remote run id.
func IsPendingRun(runID string) bool {
	return runID == RunPending || strings.HasPrefix(runID, RunPending+":")
}

// SessionState is the named state derived from which session fields are present.
type SessionState string

const (
	StateIdle    SessionState = "idle"
	StateActive  SessionState = "active"
	StateRunning SessionState = "running"
)

// Session is the per-user conversation record.
// ThreadID and RunID are empty when absent.
type Session struct {
	UserID       string
	LoggedIn     bool
	ThreadID     string
	RunID        string
	RunUpdatedAt time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// State returns Idle when no thread is open, Running while a run is
// outstanding and Active otherwise.
func (s *Session) State() SessionState {
	switch {
	case s == nil:
		return StateIdle
	case s.RunID != "":
		return StateRunning
	case s.ThreadID != "":
		return StateActive
	default:
		return StateIdle
	}
}

// SessionUpdate carries a partial session update. Nil fields are left
// untouched; a non-nil empty string clears the field.
type SessionUpdate struct {
	LoggedIn *bool
	ThreadID *string
	RunID    *string
}

// SessionField names a clearable session field.
type SessionField string

const (
	FieldThreadID SessionField = "thread_id"
	FieldRunID    SessionField = "run_id"
)

// Role is the author of a transcript turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one append-only entry in a transcript.
type Turn struct {
	Seq       int
	Role      Role
	Text      string
	CreatedAt time.Time
}

// StructuredSummary is the machine-readable end-of-task summary. Any field
// the extraction could not produce is nil.
type StructuredSummary struct {
	Topic             *string  `json:"topic"`
	InvolvedKnowledge *string  `json:"involved_knowledge"`
	Score             *float64 `json:"score"`
	Comment           *string  `json:"comment"`
}

// Transcript is the durable log of one tutoring task, keyed by thread id.
// It outlives the remote thread.
type Transcript struct {
	ID          string
	UserID      string
	Turns       []Turn
	SummaryText *string
	Summary     *StructuredSummary
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SessionStore holds per-user session records. Every operation is atomic
// for a single user.
type SessionStore interface {
	// GetSession returns ErrNotFound if the user has no record.
	GetSession(ctx context.Context, userID string) (*Session, error)

	// UpdateSession merges the update into the record, creating it if needed.
	UpdateSession(ctx context.Context, userID string, update SessionUpdate) error

	// ClearSessionFields removes the named fields. Clearing an absent field
	// or an absent record is not an error.
	ClearSessionFields(ctx context.Context, userID string, fields ...SessionField) error

	// SwapRunID sets RunID to next only if it currently equals expected
	// ("" meaning absent). next == "" clears it. Reports whether the swap happened.
	SwapRunID(ctx context.Context, userID, expected, next string) (bool, error)

	// ListStaleRuns returns sessions whose RunID was set before the cutoff.
	ListStaleRuns(ctx context.Context, before time.Time) ([]*Session, error)
}

// TranscriptStore holds the append-only transcripts.
type TranscriptStore interface {
	// CreateTranscript returns ErrDuplicateTranscript if the id exists.
	CreateTranscript(ctx context.Context, t *Transcript) error

	// AppendTurn appends a turn and returns it with its assigned sequence
	// number. Returns ErrNotFound if the transcript does not exist.
	AppendTurn(ctx context.Context, threadID string, role Role, text string) (*Turn, error)

	// SetSummary replaces the summary fields. Returns ErrNotFound if the
	// transcript does not exist.
	SetSummary(ctx context.Context, threadID, text string, summary *StructuredSummary) error

	// GetTranscript returns the transcript with all turns in order.
	GetTranscript(ctx context.Context, threadID string) (*Transcript, error)

	// ListSummarizedTranscripts returns the user's summarized transcripts,
	// newest first, without their turns.
	ListSummarizedTranscripts(ctx context.Context, userID string, limit int) ([]*Transcript, error)
}

// Store is the full persistence surface used by the gateway.
type Store interface {
	SessionStore
	TranscriptStore
	Close() error
}

// DefaultListLimit is applied when a list call passes a non-positive limit.
const DefaultListLimit = 5

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
