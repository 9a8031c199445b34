// ABOUTME: Tests for the per-user admission guard.
// ABOUTME: Validates single admission, release, expiry, cleanup, and concurrency safety.

package guard

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGuard_AdmitOnce(t *testing.T) {
	g := New(time.Minute)
	defer g.Close()

	assert.True(t, g.TryAdmit("u1"))
	assert.False(t, g.TryAdmit("u1"), "second admission must be refused")
	assert.True(t, g.TryAdmit("u2"), "other users are independent")
	assert.True(t, g.Busy("u1"))
}

func TestGuard_ReleaseIsIdempotent(t *testing.T) {
	g := New(time.Minute)
	defer g.Close()

	g.Release("never-admitted")

	assert.True(t, g.TryAdmit("u1"))
	g.Release("u1")
	g.Release("u1")
	assert.False(t, g.Busy("u1"))
	assert.True(t, g.TryAdmit("u1"))
}

func TestGuard_Expiry(t *testing.T) {
	g := New(time.Minute)
	defer g.Close()

	now := time.Now()
	g.now = func() time.Time { return now }

	assert.True(t, g.AdmitWithExpiry("u1", 10*time.Second))
	assert.False(t, g.TryAdmit("u1"))

	now = now.Add(11 * time.Second)
	assert.False(t, g.Busy("u1"))
	assert.True(t, g.TryAdmit("u1"), "a lapsed admission must not block")
}

func TestGuard_RunCleanup(t *testing.T) {
	g := New(time.Minute)
	defer g.Close()

	now := time.Now()
	g.now = func() time.Time { return now }

	g.AdmitWithExpiry("short", time.Second)
	g.AdmitWithExpiry("long", time.Hour)
	assert.Equal(t, 2, g.Len())

	now = now.Add(2 * time.Second)
	g.runCleanup()
	assert.Equal(t, 1, g.Len())
	assert.True(t, g.Busy("long"))
}

func TestGuard_ConcurrentSingleWinner(t *testing.T) {
	g := New(time.Minute)
	defer g.Close()

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.TryAdmit("u1") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestGuard_CloseTwice(t *testing.T) {
	g := New(0)
	g.Close()
	g.Close()
}
