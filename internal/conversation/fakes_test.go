// ABOUTME: In-memory assistant provider and extractor fakes for conversation tests
// ABOUTME: New runs complete after a configurable number of polls, or never; seeded runs hold their status

package conversation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/tutorline/internal/assistant"
	"github.com/2389/tutorline/internal/retry"
	"github.com/2389/tutorline/internal/store"
)

type fakeProvider struct {
	mu sync.Mutex

	threads   map[string]bool
	runs      map[string]*assistant.Run
	seeded    map[string]bool
	polls     map[string]int
	posted    map[string][]string
	cancelled []string
	deleted   []string
	nextID    int

	// completeAfter is the number of polls before a new run reaches
	// finalStatus. Negative means never.
	completeAfter int
	finalStatus   assistant.RunStatus
	lastError     string
	reply         string

	createThreadErr error
	postErr         error
	createRunErr    error
	getRunErr       error

	// postEntered is signalled and postGate awaited inside PostMessage when set.
	postEntered chan struct{}
	postGate    chan struct{}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		threads:     make(map[string]bool),
		runs:        make(map[string]*assistant.Run),
		seeded:      make(map[string]bool),
		polls:       make(map[string]int),
		posted:      make(map[string][]string),
		finalStatus: assistant.RunCompleted,
		reply:       "好的，我們開始學文法吧！",
	}
}

func (f *fakeProvider) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s_%d", prefix, f.nextID)
}

func (f *fakeProvider) CreateThread(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createThreadErr != nil {
		return "", f.createThreadErr
	}
	id := f.id("thread")
	f.threads[id] = true
	return id, nil
}

func (f *fakeProvider) PostMessage(ctx context.Context, threadID, text string) error {
	f.mu.Lock()
	entered, gate := f.postEntered, f.postGate
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return f.postErr
	}
	if !f.threads[threadID] {
		return fmt.Errorf("post message: %w", assistant.ErrNotFound)
	}
	f.posted[threadID] = append(f.posted[threadID], text)
	return nil
}

func (f *fakeProvider) CreateRun(ctx context.Context, threadID string) (*assistant.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createRunErr != nil {
		return nil, f.createRunErr
	}
	run := &assistant.Run{ID: f.id("run"), ThreadID: threadID, Status: assistant.RunQueued}
	f.runs[run.ID] = run
	cp := *run
	return &cp, nil
}

func (f *fakeProvider) GetRun(ctx context.Context, threadID, runID string) (*assistant.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getRunErr != nil {
		return nil, f.getRunErr
	}
	run, ok := f.runs[runID]
	if !ok {
		return nil, assistant.ErrNotFound
	}
	f.polls[runID]++
	if !f.seeded[runID] && !run.Status.Terminal() && run.Status != assistant.RunCancelling &&
		f.completeAfter >= 0 && f.polls[runID] > f.completeAfter {
		run.Status = f.finalStatus
		run.LastError = f.lastError
	}
	cp := *run
	return &cp, nil
}

func (f *fakeProvider) CancelRun(ctx context.Context, threadID, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, runID)
	if run, ok := f.runs[runID]; ok && !run.Status.Terminal() {
		run.Status = assistant.RunCancelling
	}
	return nil
}

func (f *fakeProvider) LatestAssistantMessage(ctx context.Context, threadID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reply, nil
}

func (f *fakeProvider) DeleteThread(ctx context.Context, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, threadID)
	if !f.threads[threadID] {
		return assistant.ErrNotFound
	}
	delete(f.threads, threadID)
	return nil
}

// seedRun registers a run that exists before the test starts. Polling never
// advances it; only CancelRun changes its status.
func (f *fakeProvider) seedRun(threadID, runID string, status assistant.RunStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads[threadID] = true
	f.runs[runID] = &assistant.Run{ID: runID, ThreadID: threadID, Status: status}
	f.seeded[runID] = true
}

func (f *fakeProvider) runStatus(runID string) assistant.RunStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if run, ok := f.runs[runID]; ok {
		return run.Status
	}
	return ""
}

func (f *fakeProvider) set(fn func(f *fakeProvider)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeProvider) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func (f *fakeProvider) threadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.threads)
}

func (f *fakeProvider) cancelledRuns() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

func (f *fakeProvider) deletedThreads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type fakeExtractor struct {
	mu    sync.Mutex
	sum   *assistant.Summary
	err   error
	calls []string
}

func (e *fakeExtractor) ExtractSummary(ctx context.Context, text string) (*assistant.Summary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, text)
	return e.sum, e.err
}

// swapFaultStore fails SwapRunID calls selected by fault.
type swapFaultStore struct {
	*store.MockStore

	mu    sync.Mutex
	fault func(expected, next string) error
}

func (s *swapFaultStore) setFault(fn func(expected, next string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fn
}

func (s *swapFaultStore) SwapRunID(ctx context.Context, userID, expected, next string) (bool, error) {
	s.mu.Lock()
	fault := s.fault
	s.mu.Unlock()
	if fault != nil {
		if err := fault(expected, next); err != nil {
			return false, err
		}
	}
	return s.MockStore.SwapRunID(ctx, userID, expected, next)
}

func testConfig() Config {
	return Config{
		RunTimeout:       2 * time.Second,
		PollInterval:     10 * time.Millisecond,
		StaleReservation: time.Minute,
		CancelTimeout:    time.Second,
		CleanupRetry: retry.Config{
			MaxRetries: 1,
			BaseDelay:  time.Millisecond,
			MaxDelay:   time.Millisecond,
			Multiplier: 1,
		},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestService(t *testing.T, st Store, ai assistant.Provider, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{WithConfig(testConfig())}, opts...)
	svc := New(st, ai, quietLogger(), opts...)
	t.Cleanup(svc.Close)
	return svc
}

func getSession(t *testing.T, st store.SessionStore, userID string) *store.Session {
	t.Helper()
	sess, err := st.GetSession(context.Background(), userID)
	require.NoError(t, err)
	return sess
}
