// ABOUTME: Unit tests for MockStore to ensure behavior matches SQLiteStore
// ABOUTME: Also covers fault injection used by the conversation tests

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_Sessions(t *testing.T) {
	testSessionStore(t, func(t *testing.T) SessionStore { return NewMockStore() })
}

func TestMockStore_Transcripts(t *testing.T) {
	testTranscriptStore(t, func(t *testing.T) TranscriptStore { return NewMockStore() })
}

func TestMockStore_FailNext(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	m.FailNext(OpSwapRunID, 2)
	_, err := m.SwapRunID(ctx, "u1", "", "creating:1")
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = m.SwapRunID(ctx, "u1", "", "creating:1")
	assert.ErrorIs(t, err, ErrUnavailable)

	ok, err := m.SwapRunID(ctx, "u1", "", "creating:1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, m.Calls(OpSwapRunID))
}

func TestMockStore_FailForever(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	m.FailNext(OpClearSession, -1)
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, m.ClearSessionFields(ctx, "u1", FieldRunID), ErrUnavailable)
	}

	m.FailNext(OpClearSession, 0)
	assert.NoError(t, m.ClearSessionFields(ctx, "u1", FieldRunID))
}

func TestMockStore_ReturnsCopies(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	require.NoError(t, m.UpdateSession(ctx, "u1", SessionUpdate{ThreadID: strPtr("t1")}))
	sess, err := m.GetSession(ctx, "u1")
	require.NoError(t, err)
	sess.ThreadID = "mutated"

	again, err := m.GetSession(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "t1", again.ThreadID)
}
