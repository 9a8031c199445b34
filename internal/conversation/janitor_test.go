// ABOUTME: Tests for the stale-run sweep and the gocron-driven Janitor
// ABOUTME: Uses the mock store clock to age run reservations

package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tutorline/internal/assistant"
	"github.com/2389/tutorline/internal/store"
)

// seedRunID sets a user's RunID as if it had been written at `at`.
func seedRunID(t *testing.T, st *store.MockStore, userID, threadID, runID string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	st.SetClock(func() time.Time { return at })
	defer st.SetClock(time.Now)
	if threadID != "" {
		require.NoError(t, st.UpdateSession(ctx, userID, store.SessionUpdate{ThreadID: &threadID}))
	}
	ok, err := st.SwapRunID(ctx, userID, "", runID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSweepStaleRuns(t *testing.T) {
	st := store.NewMockStore()
	ai := newFakeProvider()
	ai.seedRun("thread_live", "run_live", assistant.RunInProgress)
	ai.seedRun("thread_done", "run_done", assistant.RunCompleted)
	svc := newTestService(t, st, ai)
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	seedRunID(t, st, "crashed", "", store.RunPending+":abc", old)
	seedRunID(t, st, "live", "thread_live", "run_live", old)
	seedRunID(t, st, "done", "thread_done", "run_done", old)
	seedRunID(t, st, "fresh", "", store.RunPending+":new", time.Now())

	cleared, err := svc.SweepStaleRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, cleared)

	for _, u := range []string{"crashed", "live", "done"} {
		assert.Empty(t, getSession(t, st, u).RunID, u)
	}
	assert.Equal(t, store.RunPending+":new", getSession(t, st, "fresh").RunID)
	assert.Equal(t, []string{"run_live"}, ai.cancelledRuns(), "only live runs are cancelled")
	assert.Equal(t, assistant.RunCancelling, ai.runStatus("run_live"))
	assert.Equal(t, "thread_live", getSession(t, st, "live").ThreadID, "the task stays open")
}

func TestSweepStaleRuns_SkipsUsersServedLocally(t *testing.T) {
	st := store.NewMockStore()
	ai := newFakeProvider()
	svc := newTestService(t, st, ai)

	seedRunID(t, st, "U1", "", store.RunPending+":abc", time.Now().Add(-time.Hour))
	require.True(t, svc.guard.TryAdmit("U1"))
	defer svc.guard.Release("U1")

	cleared, err := svc.SweepStaleRuns(context.Background())
	require.NoError(t, err)
	assert.Zero(t, cleared)
	assert.NotEmpty(t, getSession(t, st, "U1").RunID)
}

func TestSweepStaleRuns_StoreFailure(t *testing.T) {
	st := store.NewMockStore()
	svc := newTestService(t, st, newFakeProvider())

	st.FailNext(store.OpListStaleSessions, 1)
	_, err := svc.SweepStaleRuns(context.Background())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestSweepStaleRuns_DoesNotClearReplacedValue(t *testing.T) {
	st := &swapFaultStore{MockStore: store.NewMockStore()}
	svc := newTestService(t, st, newFakeProvider())
	ctx := context.Background()

	seedRunID(t, st.MockStore, "U1", "", store.RunPending+":abc", time.Now().Add(-time.Hour))

	// Another process takes the reservation over between list and clear.
	st.setFault(func(expected, next string) error {
		if next == "" {
			st.setFault(nil)
			_, _ = st.MockStore.SwapRunID(ctx, "U1", expected, store.RunPending+":other")
		}
		return nil
	})

	cleared, err := svc.SweepStaleRuns(ctx)
	require.NoError(t, err)
	assert.Zero(t, cleared)
	assert.Equal(t, store.RunPending+":other", getSession(t, st, "U1").RunID)
}

func TestJanitor_RunOnce(t *testing.T) {
	st := &swapFaultStore{MockStore: store.NewMockStore()}
	ai := newFakeProvider()
	svc := newTestService(t, st, ai)
	ctx := context.Background()

	st.setFault(func(expected, next string) error {
		if next == "" {
			return errors.New("write failed")
		}
		return nil
	})
	_, err := svc.SubmitTurn(ctx, "U1", "hello", TurnOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, svc.PendingCleanups())
	st.setFault(nil)

	j, err := NewJanitor(svc, time.Hour, quietLogger())
	require.NoError(t, err)
	j.RunOnce()

	assert.Zero(t, svc.PendingCleanups())
	assert.Empty(t, getSession(t, st, "U1").RunID)
}

func TestJanitor_StartStop(t *testing.T) {
	st := store.NewMockStore()
	svc := newTestService(t, st, newFakeProvider())

	seedRunID(t, st, "U1", "", store.RunPending+":abc", time.Now().Add(-time.Hour))

	j, err := NewJanitor(svc, 20*time.Millisecond, quietLogger())
	require.NoError(t, err)
	require.NoError(t, j.Start())

	assert.Eventually(t, func() bool {
		sess, err := st.GetSession(context.Background(), "U1")
		return err == nil && sess.RunID == ""
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, j.Stop())
}

func TestNewJanitor_DefaultInterval(t *testing.T) {
	svc := newTestService(t, store.NewMockStore(), newFakeProvider())
	j, err := NewJanitor(svc, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultJanitorInterval, j.interval)
}
