// ABOUTME: Process-local per-user admission guard for in-flight conversation requests.
// ABOUTME: Entries expire so a crashed holder cannot lock a user out indefinitely.

package guard

import (
	"sync"
	"time"
)

// DefaultExpiry bounds how long an admission may be held when TryAdmit is used.
const DefaultExpiry = 5 * time.Minute

// entry records when an admission lapses.
type entry struct {
	expires time.Time
}

// Guard tracks which users currently have a request in flight in this
// process. It is a fast path only: the durable run id in the session store
// is what keeps separate processes apart.
type Guard struct {
	mu       sync.Mutex
	inflight map[string]*entry
	expiry   time.Duration
	now      func() time.Time
	done     chan struct{}
	closed   bool
}

// New creates a guard whose TryAdmit admissions lapse after expiry.
// A background goroutine periodically drops lapsed entries.
func New(expiry time.Duration) *Guard {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	g := &Guard{
		inflight: make(map[string]*entry),
		expiry:   expiry,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	go g.cleanup()
	return g
}

// TryAdmit admits userID if no live admission exists and reports whether it did.
func (g *Guard) TryAdmit(userID string) bool {
	return g.AdmitWithExpiry(userID, g.expiry)
}

// AdmitWithExpiry is TryAdmit with an explicit lifetime for this admission.
// The check and the mark happen under one lock.
func (g *Guard) AdmitWithExpiry(userID string, ttl time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if e, ok := g.inflight[userID]; ok && now.Before(e.expires) {
		return false
	}
	g.inflight[userID] = &entry{expires: now.Add(ttl)}
	return true
}

// Release drops userID's admission. Releasing an unknown user is a no-op.
func (g *Guard) Release(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inflight, userID)
}

// Busy reports whether userID currently holds a live admission.
func (g *Guard) Busy(userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.inflight[userID]
	return ok && g.now().Before(e.expires)
}

// Len returns the number of tracked admissions, lapsed ones included.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inflight)
}

// cleanup runs in a background goroutine, periodically removing lapsed entries.
func (g *Guard) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.runCleanup()
		case <-g.done:
			return
		}
	}
}

// runCleanup removes all lapsed entries.
func (g *Guard) runCleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for key, e := range g.inflight {
		if !now.Before(e.expires) {
			delete(g.inflight, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (g *Guard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.closed {
		close(g.done)
		g.closed = true
	}
}
