// ABOUTME: End-of-task flow: optional final summary turn, structured extraction and teardown
// ABOUTME: Teardown always deletes the thread and clears the session, whatever the turn did

package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/tutorline/internal/retry"
	"github.com/2389/tutorline/internal/store"
)

// SummaryInstruction is sent as the final turn of a task.
const SummaryInstruction = "Let's call it a day.\n請給我成果回顧，例如學習紀錄，本次亮點、章節進度條、整體評分(0~5)&下一關挑戰引導"

// EndOptions control how a task is ended.
type EndOptions struct {
	// Summarize runs the summary turn before teardown.
	Summarize bool

	// Timeout overrides Config.RunTimeout for the summary turn.
	Timeout time.Duration
}

// SummaryResult describes an ended task.
type SummaryResult struct {
	ThreadID string

	// Text is the assistant's free-form review, empty if none was produced.
	Text string

	// Summary is the structured form; every field is nil when extraction failed.
	Summary *store.StructuredSummary

	// Summarized is true when Text and Summary were stored on the transcript.
	Summarized bool
}

// EndSession closes the user's open task. With Summarize set it first asks
// the assistant for a review, structures it and stores both on the
// transcript. The thread is then deleted and the session cleared even if
// the review failed or timed out; in that case the returned error is the
// turn's error alongside a non-nil result.
func (s *Service) EndSession(ctx context.Context, userID string, opts EndOptions) (*SummaryResult, error) {
	sess, err := s.store.GetSession(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoActiveTask
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading session: %v", ErrStoreUnavailable, err)
	}
	if sess.ThreadID == "" {
		return nil, ErrNoActiveTask
	}

	att, err := s.admit(ctx, userID, opts.Timeout)
	if err != nil {
		s.metrics.rejected(err)
		return nil, err
	}
	defer s.guard.Release(userID)

	if att.threadID == "" {
		// Closed by someone else between the read and the reservation.
		s.finishRun(att)
		return nil, ErrNoActiveTask
	}

	result := &SummaryResult{ThreadID: att.threadID}
	var turnErr error

	if opts.Summarize {
		s.metrics.turnStarted()
		var text string
		text, turnErr = s.execute(ctx, att, SummaryInstruction, TurnOptions{})
		s.metrics.turnFinished(turnErr, s.now().Sub(att.start))

		if turnErr != nil {
			s.metrics.summary(Tag(turnErr))
			s.logger.Warn("summary turn failed, ending task without summary",
				"user_id", userID,
				"thread_id", att.threadID,
				"outcome", Tag(turnErr),
				"error", turnErr,
			)
		} else {
			result.Text = text
			result.Summary = s.extract(ctx, text)
			if s.saveSummary(ctx, att, text, result.Summary) {
				result.Summarized = true
				s.metrics.summary("completed")
			} else {
				s.metrics.summary("store_unavailable")
			}
		}
	}

	s.teardown(ctx, att)

	s.logger.Info("task ended",
		"user_id", userID,
		"thread_id", att.threadID,
		"summarized", result.Summarized,
	)
	return result, turnErr
}

// extract structures the review. Failures yield a summary with every
// field nil.
func (s *Service) extract(ctx context.Context, text string) *store.StructuredSummary {
	empty := &store.StructuredSummary{}
	if s.extractor == nil {
		return empty
	}

	extractCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RunTimeout)
	defer cancel()

	sum, err := s.extractor.ExtractSummary(extractCtx, text)
	if err != nil || sum == nil {
		s.logger.Warn("summary extraction failed", "error", errors.Join(ErrExtractionFailed, err))
		return empty
	}
	return &store.StructuredSummary{
		Topic:             sum.Topic,
		InvolvedKnowledge: sum.InvolvedKnowledge,
		Score:             sum.Score,
		Comment:           sum.Comment,
	}
}

// saveSummary stores the review on the transcript, creating a placeholder
// transcript if the task never had one.
func (s *Service) saveSummary(ctx context.Context, att *attempt, text string, sum *store.StructuredSummary) bool {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()

	err := s.store.SetSummary(saveCtx, att.threadID, text, sum)
	if errors.Is(err, store.ErrNotFound) {
		s.createTranscript(saveCtx, att.userID, att.threadID)
		err = s.store.SetSummary(saveCtx, att.threadID, text, sum)
	}
	if err != nil {
		s.logger.Error("failed to store summary",
			"user_id", att.userID,
			"thread_id", att.threadID,
			"error", err,
		)
		return false
	}
	return true
}

// teardown deletes the remote thread and clears the session's thread and
// run. Clearing failures become janitor obligations.
func (s *Service) teardown(ctx context.Context, att *attempt) {
	s.deleteRemoteThread(ctx, att.threadID)

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	res := retry.Do(cctx, s.cfg.CleanupRetry, s.logger, func(ctx context.Context) error {
		return s.clearThreadID(ctx, att.userID, att.threadID)
	})
	if err := res.Err(); err != nil {
		s.logger.Error("failed to clear thread id, queued for janitor",
			"user_id", att.userID,
			"thread_id", att.threadID,
			"error", err,
		)
		s.metrics.cleanupFailed(string(store.FieldThreadID))
		s.pending.add(obligation{userID: att.userID, threadID: att.threadID})
		s.metrics.pending(s.pending.len())
	}

	s.finishRun(att)
	s.events.Publish(&Event{Kind: EventTeardown, UserID: att.userID, ThreadID: att.threadID, Timestamp: s.now()})
}

// clearThreadID clears the session's ThreadID only while it still names
// threadID, so a task opened since is left alone.
func (s *Service) clearThreadID(ctx context.Context, userID, threadID string) error {
	sess, err := s.store.GetSession(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sess.ThreadID != threadID {
		return nil
	}
	return s.store.ClearSessionFields(ctx, userID, store.FieldThreadID)
}
