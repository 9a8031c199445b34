// ABOUTME: Shared behavioral tests run against every SessionStore and TranscriptStore backend
// ABOUTME: Each backend test file calls these helpers with a fresh store

package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func testSessionStore(t *testing.T, newStore func(t *testing.T) SessionStore) {
	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetSession(context.Background(), "nobody")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("UpdateCreatesAndMerges", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.UpdateSession(ctx, "u1", SessionUpdate{LoggedIn: boolPtr(true)}))
		require.NoError(t, s.UpdateSession(ctx, "u1", SessionUpdate{ThreadID: strPtr("thread_1")}))

		sess, err := s.GetSession(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, sess.LoggedIn, "nil fields must be left untouched")
		assert.Equal(t, "thread_1", sess.ThreadID)
		assert.Empty(t, sess.RunID)
		assert.Equal(t, StateActive, sess.State())
	})

	t.Run("UpdateWithEmptyStringClears", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.UpdateSession(ctx, "u1", SessionUpdate{ThreadID: strPtr("thread_1"), RunID: strPtr("run_1")}))
		require.NoError(t, s.UpdateSession(ctx, "u1", SessionUpdate{RunID: strPtr("")}))

		sess, err := s.GetSession(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "thread_1", sess.ThreadID)
		assert.Empty(t, sess.RunID)
		assert.True(t, sess.RunUpdatedAt.IsZero())
	})

	t.Run("ClearIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.ClearSessionFields(ctx, "ghost", FieldRunID, FieldThreadID))
		_, err := s.GetSession(ctx, "ghost")
		assert.ErrorIs(t, err, ErrNotFound, "clearing must not create a record")

		require.NoError(t, s.UpdateSession(ctx, "u1", SessionUpdate{LoggedIn: boolPtr(true), ThreadID: strPtr("t"), RunID: strPtr("r")}))
		require.NoError(t, s.ClearSessionFields(ctx, "u1", FieldRunID, FieldThreadID))
		require.NoError(t, s.ClearSessionFields(ctx, "u1", FieldRunID, FieldThreadID))

		sess, err := s.GetSession(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, sess.LoggedIn)
		assert.Empty(t, sess.ThreadID)
		assert.Empty(t, sess.RunID)
		assert.Equal(t, StateIdle, sess.State())
	})

	t.Run("SwapRunID", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ok, err := s.SwapRunID(ctx, "u1", "", "creating:a")
		require.NoError(t, err)
		assert.True(t, ok, "swap from absent must succeed on a new user")

		ok, err = s.SwapRunID(ctx, "u1", "", "creating:b")
		require.NoError(t, err)
		assert.False(t, ok, "second reservation must be refused")

		ok, err = s.SwapRunID(ctx, "u1", "creating:a", "run_1")
		require.NoError(t, err)
		assert.True(t, ok)

		sess, err := s.GetSession(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "run_1", sess.RunID)
		assert.False(t, sess.RunUpdatedAt.IsZero())
		assert.Equal(t, StateRunning, sess.State())

		ok, err = s.SwapRunID(ctx, "u1", "run_1", "")
		require.NoError(t, err)
		assert.True(t, ok)

		sess, err = s.GetSession(ctx, "u1")
		require.NoError(t, err)
		assert.Empty(t, sess.RunID)
	})

	t.Run("SwapRunIDSingleWinner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		const n = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := s.SwapRunID(ctx, "u1", "", fmt.Sprintf("creating:%d", i))
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("ListStaleRuns", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.UpdateSession(ctx, "idle", SessionUpdate{LoggedIn: boolPtr(true)}))
		ok, err := s.SwapRunID(ctx, "busy", "", "creating:x")
		require.NoError(t, err)
		require.True(t, ok)

		stale, err := s.ListStaleRuns(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, "busy", stale[0].UserID)

		fresh, err := s.ListStaleRuns(ctx, time.Now().Add(-time.Minute))
		require.NoError(t, err)
		assert.Empty(t, fresh)
	})
}

func testTranscriptStore(t *testing.T, newStore func(t *testing.T) TranscriptStore) {
	t.Run("CreateDuplicate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.CreateTranscript(ctx, &Transcript{ID: "thread_1", UserID: "u1"}))
		err := s.CreateTranscript(ctx, &Transcript{ID: "thread_1", UserID: "u1"})
		assert.ErrorIs(t, err, ErrDuplicateTranscript)
	})

	t.Run("AppendMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.AppendTurn(context.Background(), "nope", RoleUser, "hi")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("AppendIsOrdered", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.CreateTranscript(ctx, &Transcript{ID: "thread_1", UserID: "u1"}))
		for i := 0; i < 4; i++ {
			role := RoleUser
			if i%2 == 1 {
				role = RoleAssistant
			}
			turn, err := s.AppendTurn(ctx, "thread_1", role, fmt.Sprintf("msg %d", i))
			require.NoError(t, err)
			assert.Equal(t, i+1, turn.Seq)
		}

		tr, err := s.GetTranscript(ctx, "thread_1")
		require.NoError(t, err)
		require.Len(t, tr.Turns, 4)
		for i, turn := range tr.Turns {
			assert.Equal(t, fmt.Sprintf("msg %d", i), turn.Text)
			assert.Equal(t, i+1, turn.Seq)
		}
		assert.Equal(t, RoleUser, tr.Turns[0].Role)
		assert.Equal(t, RoleAssistant, tr.Turns[1].Role)
		assert.Nil(t, tr.Summary)
	})

	t.Run("SummaryReplacesAndLists", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.CreateTranscript(ctx, &Transcript{ID: "old", UserID: "u1"}))
		require.NoError(t, s.CreateTranscript(ctx, &Transcript{ID: "new", UserID: "u1"}))
		require.NoError(t, s.CreateTranscript(ctx, &Transcript{ID: "unsummarized", UserID: "u1"}))
		require.NoError(t, s.CreateTranscript(ctx, &Transcript{ID: "other", UserID: "u2"}))

		score := 4.0
		require.NoError(t, s.SetSummary(ctx, "old", "first", &StructuredSummary{Topic: strPtr("grammar")}))
		time.Sleep(5 * time.Millisecond)
		require.NoError(t, s.SetSummary(ctx, "new", "second", &StructuredSummary{Score: &score}))
		require.NoError(t, s.SetSummary(ctx, "other", "x", &StructuredSummary{}))

		list, err := s.ListSummarizedTranscripts(ctx, "u1", 0)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "new", list[0].ID)
		assert.Equal(t, "old", list[1].ID)

		tr, err := s.GetTranscript(ctx, "new")
		require.NoError(t, err)
		require.NotNil(t, tr.SummaryText)
		assert.Equal(t, "second", *tr.SummaryText)
		require.NotNil(t, tr.Summary)
		require.NotNil(t, tr.Summary.Score)
		assert.InDelta(t, 4.0, *tr.Summary.Score, 0.001)
		assert.Nil(t, tr.Summary.Topic)

		assert.ErrorIs(t, s.SetSummary(ctx, "missing", "x", nil), ErrNotFound)
	})
}
