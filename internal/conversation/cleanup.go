// ABOUTME: Cleanup obligations that outlived their retries, and the stale-run sweep
// ABOUTME: Both are driven periodically by the Janitor

package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/2389/tutorline/internal/store"
)

// obligation is a session write that is still owed. runIDs lists values
// of RunID this process set and must clear; threadID is the ThreadID to
// clear if it is still current.
type obligation struct {
	userID   string
	runIDs   []string
	threadID string
}

type cleanupQueue struct {
	mu    sync.Mutex
	items []obligation
}

func newCleanupQueue() *cleanupQueue {
	return &cleanupQueue{}
}

func (q *cleanupQueue) add(o obligation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, o)
}

// drain removes and returns every queued obligation.
func (q *cleanupQueue) drain() []obligation {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *cleanupQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// PendingCleanups returns the number of obligations waiting for a retry.
func (s *Service) PendingCleanups() int {
	return s.pending.len()
}

// RetryPendingCleanup makes one attempt at every queued obligation.
// Those that fail again are requeued. Returns how many were settled.
func (s *Service) RetryPendingCleanup(ctx context.Context) int {
	items := s.pending.drain()
	settled := 0
	for _, o := range items {
		if err := s.settle(ctx, o); err != nil {
			s.logger.Warn("cleanup retry failed", "user_id", o.userID, "error", err)
			s.pending.add(o)
			continue
		}
		settled++
	}
	s.metrics.janitorCleared("obligation", settled)
	s.metrics.pending(s.pending.len())
	if settled > 0 {
		s.logger.Info("pending cleanup settled", "count", settled, "remaining", s.pending.len())
	}
	return settled
}

func (s *Service) settle(ctx context.Context, o obligation) error {
	if o.threadID != "" {
		if err := s.clearThreadID(ctx, o.userID, o.threadID); err != nil {
			return err
		}
	}
	for _, id := range o.runIDs {
		if id == "" {
			continue
		}
		if _, err := s.store.SwapRunID(ctx, o.userID, id, ""); err != nil {
			return err
		}
	}
	return nil
}

// SweepStaleRuns clears RunID on sessions whose run was recorded more than
// StaleReservation ago and that no request in this process is serving.
// Remote runs that are still live are cancelled first. Returns how many
// sessions were cleared.
func (s *Service) SweepStaleRuns(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.StaleReservation)
	stale, err := s.store.ListStaleRuns(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: listing stale runs: %v", ErrStoreUnavailable, err)
	}

	cleared := 0
	for _, sess := range stale {
		if s.guard.Busy(sess.UserID) {
			continue
		}

		if !store.IsPendingRun(sess.RunID) && sess.ThreadID != "" {
			run, err := s.ai.GetRun(ctx, sess.ThreadID, sess.RunID)
			if err == nil && !run.Status.Terminal() {
				if err := s.ai.CancelRun(ctx, sess.ThreadID, sess.RunID); err != nil {
					s.logger.Debug("cancel request failed", "run_id", sess.RunID, "error", err)
				}
			}
		}

		ok, err := s.store.SwapRunID(ctx, sess.UserID, sess.RunID, "")
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return cleared, err
			}
			s.logger.Warn("failed to clear stale run", "user_id", sess.UserID, "run_id", sess.RunID, "error", err)
			continue
		}
		if ok {
			cleared++
			s.logger.Warn("cleared stale run",
				"user_id", sess.UserID,
				"run_id", sess.RunID,
				"age", s.now().Sub(sess.RunUpdatedAt),
			)
		}
	}

	s.metrics.janitorCleared("stale_run", cleared)
	return cleared, nil
}
