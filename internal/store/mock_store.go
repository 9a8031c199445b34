// ABOUTME: Mock Store implementation for testing
// ABOUTME: In-memory sessions and transcripts with injectable per-operation failures

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Op names a MockStore operation for fault injection.
type Op string

const (
	OpGetSession        Op = "get_session"
	OpUpdateSession     Op = "update_session"
	OpClearSession      Op = "clear_session"
	OpSwapRunID         Op = "swap_run_id"
	OpCreateTranscript  Op = "create_transcript"
	OpAppendTurn        Op = "append_turn"
	OpSetSummary        Op = "set_summary"
	OpGetTranscript     Op = "get_transcript"
	OpListTranscripts   Op = "list_transcripts"
	OpListStaleSessions Op = "list_stale_runs"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	sessions    map[string]*Session    // keyed by user ID
	transcripts map[string]*Transcript // keyed by thread ID
	faults      map[Op]int             // remaining injected failures per op
	calls       map[Op]int
	now         func() time.Time
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions:    make(map[string]*Session),
		transcripts: make(map[string]*Transcript),
		faults:      make(map[Op]int),
		calls:       make(map[Op]int),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// FailNext makes the next n calls of op fail with ErrUnavailable.
// n < 0 fails every call until cleared with n == 0.
func (m *MockStore) FailNext(op Op, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = n
}

// Calls returns how many times op has been invoked.
func (m *MockStore) Calls(op Op) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}

// SetClock overrides the store's time source.
func (m *MockStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// enter records a call and returns an injected failure if one is pending.
// Caller must hold mu.
func (m *MockStore) enter(op Op) error {
	m.calls[op]++
	n := m.faults[op]
	if n == 0 {
		return nil
	}
	if n > 0 {
		m.faults[op] = n - 1
	}
	return unavailable(string(op), fmt.Errorf("injected failure"))
}

// Close is a no-op.
func (m *MockStore) Close() error { return nil }

// GetSession returns a copy of the user's session.
func (m *MockStore) GetSession(ctx context.Context, userID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpGetSession); err != nil {
		return nil, err
	}

	sess, ok := m.sessions[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (m *MockStore) ensureLocked(userID string) *Session {
	sess, ok := m.sessions[userID]
	if !ok {
		now := m.now()
		sess = &Session{UserID: userID, CreatedAt: now, UpdatedAt: now}
		m.sessions[userID] = sess
	}
	return sess
}

// UpdateSession merges the update into the user's session.
func (m *MockStore) UpdateSession(ctx context.Context, userID string, update SessionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpUpdateSession); err != nil {
		return err
	}

	sess := m.ensureLocked(userID)
	now := m.now()
	if update.LoggedIn != nil {
		sess.LoggedIn = *update.LoggedIn
	}
	if update.ThreadID != nil {
		sess.ThreadID = *update.ThreadID
	}
	if update.RunID != nil {
		sess.RunID = *update.RunID
		sess.RunUpdatedAt = time.Time{}
		if sess.RunID != "" {
			sess.RunUpdatedAt = now
		}
	}
	sess.UpdatedAt = now
	return nil
}

// ClearSessionFields removes fields from the user's session if it exists.
func (m *MockStore) ClearSessionFields(ctx context.Context, userID string, fields ...SessionField) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpClearSession); err != nil {
		return err
	}

	sess, ok := m.sessions[userID]
	if !ok {
		return nil
	}
	for _, f := range fields {
		switch f {
		case FieldThreadID:
			sess.ThreadID = ""
		case FieldRunID:
			sess.RunID = ""
			sess.RunUpdatedAt = time.Time{}
		default:
			return fmt.Errorf("unknown session field %q", f)
		}
	}
	sess.UpdatedAt = m.now()
	return nil
}

// SwapRunID replaces RunID when it equals expected.
func (m *MockStore) SwapRunID(ctx context.Context, userID, expected, next string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpSwapRunID); err != nil {
		return false, err
	}

	sess := m.ensureLocked(userID)
	if sess.RunID != expected {
		return false, nil
	}
	now := m.now()
	sess.RunID = next
	sess.RunUpdatedAt = time.Time{}
	if next != "" {
		sess.RunUpdatedAt = now
	}
	sess.UpdatedAt = now
	return true, nil
}

// ListStaleRuns returns sessions whose run was set before the cutoff.
func (m *MockStore) ListStaleRuns(ctx context.Context, before time.Time) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpListStaleSessions); err != nil {
		return nil, err
	}

	var out []*Session
	for _, sess := range m.sessions {
		if sess.RunID != "" && sess.RunUpdatedAt.Before(before) {
			cp := *sess
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunUpdatedAt.Before(out[j].RunUpdatedAt) })
	return out, nil
}

// CreateTranscript stores a new transcript.
func (m *MockStore) CreateTranscript(ctx context.Context, t *Transcript) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpCreateTranscript); err != nil {
		return err
	}

	if _, exists := m.transcripts[t.ID]; exists {
		return ErrDuplicateTranscript
	}
	now := m.now()
	cp := Transcript{ID: t.ID, UserID: t.UserID, CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	m.transcripts[t.ID] = &cp
	return nil
}

// AppendTurn appends a turn to an existing transcript.
func (m *MockStore) AppendTurn(ctx context.Context, threadID string, role Role, text string) (*Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpAppendTurn); err != nil {
		return nil, err
	}

	t, ok := m.transcripts[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	now := m.now()
	turn := Turn{Seq: len(t.Turns) + 1, Role: role, Text: text, CreatedAt: now}
	t.Turns = append(t.Turns, turn)
	t.UpdatedAt = now
	return &turn, nil
}

// SetSummary replaces the transcript summary.
func (m *MockStore) SetSummary(ctx context.Context, threadID, text string, summary *StructuredSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpSetSummary); err != nil {
		return err
	}

	t, ok := m.transcripts[threadID]
	if !ok {
		return ErrNotFound
	}
	t.SummaryText = &text
	t.Summary = nil
	if summary != nil {
		cp := *summary
		t.Summary = &cp
	}
	t.UpdatedAt = m.now()
	return nil
}

// GetTranscript returns a copy of the transcript.
func (m *MockStore) GetTranscript(ctx context.Context, threadID string) (*Transcript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpGetTranscript); err != nil {
		return nil, err
	}

	t, ok := m.transcripts[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	cp.Turns = append([]Turn(nil), t.Turns...)
	return &cp, nil
}

// ListSummarizedTranscripts returns summarized transcripts newest first.
func (m *MockStore) ListSummarizedTranscripts(ctx context.Context, userID string, limit int) ([]*Transcript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpListTranscripts); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var out []*Transcript
	for _, t := range m.transcripts {
		if t.UserID != userID || t.Summary == nil {
			continue
		}
		cp := *t
		cp.Turns = nil
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
