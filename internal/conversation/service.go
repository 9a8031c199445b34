// ABOUTME: Conversation Service runs one user turn against the assistants API end to end
// ABOUTME: Single-flight admission, thread reuse, run polling with a cancelling deadline, cleanup

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/tutorline/internal/assistant"
	"github.com/2389/tutorline/internal/guard"
	"github.com/2389/tutorline/internal/retry"
	"github.com/2389/tutorline/internal/store"
)

const (
	// saveTimeout bounds writes that must happen even if the caller is gone.
	saveTimeout = 5 * time.Second

	// cleanupTimeout bounds the whole unconditional-cleanup sequence.
	cleanupTimeout = 15 * time.Second
)

// Store is what the service needs from persistence.
type Store interface {
	store.SessionStore
	store.TranscriptStore
}

// Config tunes the turn lifecycle.
type Config struct {
	// RunTimeout bounds a turn from admission to resolution.
	RunTimeout time.Duration

	// PollInterval is the delay between run status checks.
	PollInterval time.Duration

	// StaleReservation is the age after which a pending reservation left
	// by a crashed attempt may be taken over.
	StaleReservation time.Duration

	// CancelTimeout bounds the fire-and-forget cancel request.
	CancelTimeout time.Duration

	// CleanupRetry governs retries of cleanup writes.
	CleanupRetry retry.Config
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RunTimeout:       60 * time.Second,
		PollInterval:     time.Second,
		StaleReservation: 120 * time.Second,
		CancelTimeout:    10 * time.Second,
		CleanupRetry:     retry.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RunTimeout <= 0 {
		c.RunTimeout = d.RunTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.StaleReservation <= 0 {
		c.StaleReservation = 2 * c.RunTimeout
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = d.CancelTimeout
	}
	if c.CleanupRetry.MaxRetries == 0 && c.CleanupRetry.BaseDelay == 0 {
		c.CleanupRetry = d.CleanupRetry
	}
	return c
}

// TurnOptions control persistence for a single turn.
type TurnOptions struct {
	// CreateTranscript creates the transcript when a new thread is opened.
	CreateTranscript bool

	// SaveTurns appends the user message before submitting it and the
	// reply (or failure text) after resolution.
	SaveTurns bool

	// Timeout overrides Config.RunTimeout for this turn.
	Timeout time.Duration
}

// TurnResult is a successful turn.
type TurnResult struct {
	ThreadID string
	RunID    string
	Reply    string
}

// Service orchestrates turns and end-of-task summaries.
type Service struct {
	store     Store
	ai        assistant.Provider
	extractor assistant.Extractor
	guard     *guard.Guard
	ownGuard  bool
	cfg       Config
	metrics   *Metrics
	events    *Broadcaster
	pending   *cleanupQueue
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithConfig sets the lifecycle configuration.
func WithConfig(cfg Config) Option {
	return func(s *Service) { s.cfg = cfg }
}

// WithExtractor sets the summary extractor. Without one, summaries are
// stored with every structured field nil.
func WithExtractor(ex assistant.Extractor) Option {
	return func(s *Service) { s.extractor = ex }
}

// WithGuard shares an admission guard. Without one the service owns a
// private guard and closes it in Close.
func WithGuard(g *guard.Guard) Option {
	return func(s *Service) { s.guard = g }
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithBroadcaster publishes turn events.
func WithBroadcaster(b *Broadcaster) Option {
	return func(s *Service) { s.events = b }
}

// New creates a conversation service.
func New(st Store, ai assistant.Provider, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:   st,
		ai:      ai,
		pending: newCleanupQueue(),
		logger:  logger.With("component", "conversation"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cfg = s.cfg.withDefaults()
	if s.guard == nil {
		s.guard = guard.New(s.cfg.RunTimeout + s.cfg.StaleReservation)
		s.ownGuard = true
	}
	return s
}

// Close releases resources the service owns.
func (s *Service) Close() {
	if s.ownGuard {
		s.guard.Close()
	}
}

// attempt is the in-memory record of one admitted request. It is never
// persisted; the session's RunID stands in for it.
type attempt struct {
	userID   string
	start    time.Time
	deadline time.Time

	// token is this attempt's pending reservation value for RunID.
	token string
	// runID is the remote run id once created.
	runID    string
	threadID string

	phase         Phase
	userTurnSaved bool
	timedOut      atomic.Bool
}

func (s *Service) transition(att *attempt, p Phase) {
	s.logger.Debug("turn phase",
		"user_id", att.userID,
		"thread_id", att.threadID,
		"run_id", att.runID,
		"from", att.phase,
		"to", p,
	)
	att.phase = p
}

// SubmitTurn sends one user message through the assistant and returns the
// reply. At most one request per user is in flight across every process
// sharing the store; a second one gets ErrBusy immediately.
func (s *Service) SubmitTurn(ctx context.Context, userID, message string, opts TurnOptions) (*TurnResult, error) {
	att, err := s.admit(ctx, userID, opts.Timeout)
	if err != nil {
		s.metrics.rejected(err)
		return nil, err
	}
	defer s.guard.Release(userID)
	s.metrics.turnStarted()

	reply, err := s.execute(ctx, att, message, opts)

	// The run id is cleared on every path before the reply is recorded.
	s.finishRun(att)

	if opts.SaveTurns && att.userTurnSaved {
		text := reply
		if err != nil {
			text = UserText(err)
		}
		s.appendTurn(ctx, att, store.RoleAssistant, text)
	}

	s.metrics.turnFinished(err, s.now().Sub(att.start))
	s.events.Publish(&Event{Kind: EventOutcome, UserID: userID, ThreadID: att.threadID, Outcome: Tag(err), Timestamp: s.now()})

	if err != nil {
		s.logger.Info("turn failed",
			"user_id", userID,
			"thread_id", att.threadID,
			"run_id", att.runID,
			"outcome", Tag(err),
			"error", err,
		)
		return nil, err
	}

	s.logger.Info("turn completed",
		"user_id", userID,
		"thread_id", att.threadID,
		"run_id", att.runID,
		"duration", s.now().Sub(att.start),
	)
	return &TurnResult{ThreadID: att.threadID, RunID: att.runID, Reply: reply}, nil
}

// Busy reports whether a request for the user is outstanding, either in
// this process or recorded durably by any process.
func (s *Service) Busy(ctx context.Context, userID string) (bool, error) {
	if s.guard.Busy(userID) {
		return true, nil
	}
	sess, err := s.store.GetSession(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: reading session: %v", ErrStoreUnavailable, err)
	}
	if sess.RunID == "" {
		return false, nil
	}
	if store.IsPendingRun(sess.RunID) && s.now().Sub(sess.RunUpdatedAt) >= s.cfg.StaleReservation {
		return false, nil
	}
	return true, nil
}

// admit takes the process-local guard and then the durable reservation.
// On success the caller owns both and must call finishRun and release
// the guard.
func (s *Service) admit(ctx context.Context, userID string, timeout time.Duration) (*attempt, error) {
	if timeout <= 0 {
		timeout = s.cfg.RunTimeout
	}
	if !s.guard.AdmitWithExpiry(userID, timeout+s.cfg.StaleReservation) {
		s.logger.Info("request rejected, user busy", "user_id", userID, "held_by", "process")
		return nil, ErrBusy
	}

	now := s.now()
	att := &attempt{
		userID:   userID,
		start:    now,
		deadline: now.Add(timeout),
		token:    store.RunPending + ":" + uuid.NewString(),
		phase:    PhaseIdle,
	}

	sess, err := s.reserve(ctx, att)
	if err != nil {
		s.guard.Release(userID)
		return nil, err
	}
	att.threadID = sess.ThreadID
	return att, nil
}

// reserve claims the session's RunID for att. A fresh reservation or a live
// run held by someone else yields ErrBusy. A reservation older than
// StaleReservation, or a run the service reports as finished or unknown,
// is taken over.
func (s *Service) reserve(ctx context.Context, att *attempt) (*store.Session, error) {
	ok, err := s.store.SwapRunID(ctx, att.userID, "", att.token)
	if err != nil {
		// The write may have landed; make sure it does not linger.
		s.finishRun(att)
		return nil, fmt.Errorf("%w: reserving run: %v", ErrStoreUnavailable, err)
	}

	if !ok {
		sess, err := s.store.GetSession(ctx, att.userID)
		if err != nil {
			return nil, fmt.Errorf("%w: reading session: %v", ErrStoreUnavailable, err)
		}
		taken, err := s.takeOver(ctx, att, sess)
		if err != nil {
			return nil, err
		}
		if !taken {
			s.logger.Info("request rejected, user busy",
				"user_id", att.userID,
				"held_by", "store",
				"run_id", sess.RunID,
			)
			return nil, ErrBusy
		}
	}

	sess, err := s.store.GetSession(ctx, att.userID)
	if err != nil {
		s.finishRun(att)
		return nil, fmt.Errorf("%w: reading session: %v", ErrStoreUnavailable, err)
	}
	if sess.RunID != att.token {
		// Cleared underneath us, for example by an administrative logout.
		return nil, ErrBusy
	}
	return sess, nil
}

// takeOver decides whether the RunID currently held may be replaced by
// att's reservation and, if so, swaps it.
func (s *Service) takeOver(ctx context.Context, att *attempt, sess *store.Session) (bool, error) {
	held := sess.RunID
	switch {
	case held == "":
		// Released between our swap and our read.
	case store.IsPendingRun(held):
		age := s.now().Sub(sess.RunUpdatedAt)
		if age < s.cfg.StaleReservation {
			return false, nil
		}
		s.logger.Warn("taking over stale reservation", "user_id", att.userID, "age", age)
	default:
		if sess.ThreadID != "" {
			run, err := s.ai.GetRun(ctx, sess.ThreadID, held)
			if err == nil && !run.Status.Terminal() {
				return false, nil
			}
			if err != nil {
				s.logger.Warn("prior run lookup failed, treating as superseded",
					"user_id", att.userID,
					"run_id", held,
					"error", err,
				)
			}
		}
		s.logger.Info("superseding finished run", "user_id", att.userID, "run_id", held)
	}

	ok, err := s.store.SwapRunID(ctx, att.userID, held, att.token)
	if err != nil {
		s.finishRun(att)
		return false, fmt.Errorf("%w: reserving run: %v", ErrStoreUnavailable, err)
	}
	return ok, nil
}

// execute runs the admitted turn through thread acquisition, submission,
// polling and resolution. It does not release anything.
func (s *Service) execute(ctx context.Context, att *attempt, message string, opts TurnOptions) (string, error) {
	// Calls before the run exists share the turn deadline.
	stepCtx, cancel := context.WithDeadline(ctx, att.deadline)
	defer cancel()

	s.transition(att, PhaseThreadEnsuring)
	if err := s.ensureThread(stepCtx, att, opts); err != nil {
		return "", s.deadlineOr(stepCtx, att, err)
	}

	if opts.SaveTurns {
		att.userTurnSaved = s.appendTurn(ctx, att, store.RoleUser, message)
	}

	s.transition(att, PhaseSubmitting)
	if err := s.ai.PostMessage(stepCtx, att.threadID, message); err != nil {
		if errors.Is(err, assistant.ErrNotFound) {
			s.forgetThread(att)
		}
		return "", s.deadlineOr(stepCtx, att, fmt.Errorf("submitting message: %w", err))
	}

	run, err := s.ai.CreateRun(stepCtx, att.threadID)
	if err != nil {
		return "", s.deadlineOr(stepCtx, att, fmt.Errorf("creating run: %w", err))
	}
	att.runID = run.ID

	// The run id must be durable before polling so a crash leaves a trace.
	ok, err := s.store.SwapRunID(ctx, att.userID, att.token, run.ID)
	if err != nil || !ok {
		s.cancelRemote(ctx, att)
		if err != nil {
			return "", fmt.Errorf("%w: persisting run id: %v", ErrStoreUnavailable, err)
		}
		return "", fmt.Errorf("%w: run reservation was taken over", ErrStoreUnavailable)
	}

	s.transition(att, PhaseRunning)
	final, err := s.await(ctx, att)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			s.transition(att, PhaseTimedOut)
		} else {
			s.transition(att, PhaseFailed)
		}
		return "", err
	}

	if final.Status != assistant.RunCompleted {
		s.transition(att, PhaseFailed)
		return "", &RunError{RunID: final.ID, Status: final.Status, Detail: final.LastError}
	}

	reply, err := s.ai.LatestAssistantMessage(ctx, att.threadID)
	if err != nil {
		s.transition(att, PhaseFailed)
		return "", fmt.Errorf("reading reply: %w", err)
	}
	if reply == "" {
		reply = NoReplyText
	}
	s.transition(att, PhaseCompleted)
	return reply, nil
}

// deadlineOr maps an error caused by the turn deadline to ErrTimeout.
func (s *Service) deadlineOr(stepCtx context.Context, att *attempt, err error) error {
	if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		att.timedOut.Store(true)
		s.transition(att, PhaseTimedOut)
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	s.transition(att, PhaseFailed)
	return err
}

// ensureThread reuses the session's thread or creates and records a new one.
func (s *Service) ensureThread(ctx context.Context, att *attempt, opts TurnOptions) error {
	if att.threadID != "" {
		return nil
	}

	threadID, err := s.ai.CreateThread(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrThreadCreationFailed, err)
	}

	if opts.CreateTranscript {
		s.createTranscript(ctx, att.userID, threadID)
	}

	if err := s.store.UpdateSession(ctx, att.userID, store.SessionUpdate{ThreadID: &threadID}); err != nil {
		s.logger.Error("failed to record thread id, remote thread is orphaned",
			"user_id", att.userID,
			"thread_id", threadID,
			"error", err,
		)
		s.deleteRemoteThread(ctx, threadID)
		return fmt.Errorf("%w: recording thread id: %v", ErrStoreUnavailable, err)
	}

	att.threadID = threadID
	s.logger.Info("thread created", "user_id", att.userID, "thread_id", threadID)
	return nil
}

// forgetThread clears a thread id the service no longer knows so the next
// turn starts a new thread.
func (s *Service) forgetThread(att *attempt) {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	s.logger.Warn("thread missing remotely, clearing it", "user_id", att.userID, "thread_id", att.threadID)
	if err := s.store.ClearSessionFields(ctx, att.userID, store.FieldThreadID); err != nil {
		s.logger.Error("failed to clear missing thread", "user_id", att.userID, "error", err)
	}
}

// await polls the run until it is terminal or the deadline fires. The
// deadline runs in its own goroutine: it marks the attempt timed out, stops
// any in-flight poll and requests cancellation without making the poll loop
// wait for it.
func (s *Service) await(ctx context.Context, att *attempt) (*assistant.Run, error) {
	pollCtx, stopPoll := context.WithCancel(ctx)
	defer stopPoll()

	timedOut := make(chan struct{})
	resolved := make(chan struct{})
	defer close(resolved)

	go func() {
		timer := time.NewTimer(time.Until(att.deadline))
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-resolved:
			return
		}

		att.timedOut.Store(true)
		close(timedOut)
		stopPoll()

		cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CancelTimeout)
		defer cancel()
		s.logger.Warn("run timed out, cancelling",
			"user_id", att.userID,
			"thread_id", att.threadID,
			"run_id", att.runID,
		)
		s.metrics.cancelled()
		if err := s.ai.CancelRun(cancelCtx, att.threadID, att.runID); err != nil {
			s.logger.Debug("cancel request failed", "run_id", att.runID, "error", err)
		}
	}()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		run, err := s.ai.GetRun(pollCtx, att.threadID, att.runID)
		if err == nil && run.Status.Terminal() {
			return run, nil
		}
		if att.timedOut.Load() {
			return nil, ErrTimeout
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("polling run: %w", err)
		}

		select {
		case <-timedOut:
			return nil, ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// cancelRemote asks the service to stop a run the caller can no longer track.
func (s *Service) cancelRemote(ctx context.Context, att *attempt) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CancelTimeout)
	defer cancel()
	if err := s.ai.CancelRun(cctx, att.threadID, att.runID); err != nil {
		s.logger.Debug("cancel request failed", "run_id", att.runID, "error", err)
	}
}

func (s *Service) deleteRemoteThread(ctx context.Context, threadID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CancelTimeout)
	defer cancel()
	if err := s.ai.DeleteThread(cctx, threadID); err != nil && !errors.Is(err, assistant.ErrNotFound) {
		s.logger.Warn("failed to delete remote thread", "thread_id", threadID, "error", err)
	}
}

// finishRun clears whatever RunID this attempt holds. Retries transient
// failures and hands the obligation to the janitor if they persist.
func (s *Service) finishRun(att *attempt) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	held := []string{att.token, att.runID}
	if err := s.clearRunID(ctx, att.userID, held); err != nil {
		s.logger.Error("failed to clear run id, queued for janitor",
			"user_id", att.userID,
			"run_id", att.runID,
			"error", err,
		)
		s.metrics.cleanupFailed(string(store.FieldRunID))
		s.pending.add(obligation{userID: att.userID, runIDs: held})
		s.metrics.pending(s.pending.len())
	}
}

// clearRunID clears RunID if it still equals one of held.
func (s *Service) clearRunID(ctx context.Context, userID string, held []string) error {
	res := retry.Do(ctx, s.cfg.CleanupRetry, s.logger, func(ctx context.Context) error {
		for _, id := range held {
			if id == "" {
				continue
			}
			if _, err := s.store.SwapRunID(ctx, userID, id, ""); err != nil {
				return err
			}
		}
		return nil
	})
	return res.Err()
}

func (s *Service) createTranscript(ctx context.Context, userID, threadID string) {
	err := s.store.CreateTranscript(ctx, &store.Transcript{ID: threadID, UserID: userID, CreatedAt: s.now()})
	if err != nil && !errors.Is(err, store.ErrDuplicateTranscript) {
		s.logger.Warn("failed to create transcript", "user_id", userID, "thread_id", threadID, "error", err)
	}
}

// appendTurn records a turn, creating the transcript if it is missing.
// Failures are logged and reported as false; they never fail the turn.
func (s *Service) appendTurn(ctx context.Context, att *attempt, role store.Role, text string) bool {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()

	turn, err := s.store.AppendTurn(saveCtx, att.threadID, role, text)
	if errors.Is(err, store.ErrNotFound) {
		s.createTranscript(saveCtx, att.userID, att.threadID)
		turn, err = s.store.AppendTurn(saveCtx, att.threadID, role, text)
	}
	if err != nil {
		s.logger.Warn("failed to record turn",
			"user_id", att.userID,
			"thread_id", att.threadID,
			"role", role,
			"error", err,
		)
		return false
	}

	s.events.Publish(&Event{
		Kind:      EventTurn,
		UserID:    att.userID,
		ThreadID:  att.threadID,
		Seq:       turn.Seq,
		Role:      string(turn.Role),
		Text:      turn.Text,
		Timestamp: turn.CreatedAt,
	})
	return true
}

// Logout marks the user logged out and closes any open task without a
// summary. It does not wait for an outstanding turn; that turn's cleanup
// finds its reservation gone and leaves the session alone.
func (s *Service) Logout(ctx context.Context, userID string) error {
	loggedOut := false
	if err := s.store.UpdateSession(ctx, userID, store.SessionUpdate{LoggedIn: &loggedOut}); err != nil {
		return fmt.Errorf("%w: updating session: %v", ErrStoreUnavailable, err)
	}

	sess, err := s.store.GetSession(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: reading session: %v", ErrStoreUnavailable, err)
	}
	if sess.ThreadID != "" {
		s.deleteRemoteThread(ctx, sess.ThreadID)
	}
	if err := s.store.ClearSessionFields(ctx, userID, store.FieldThreadID, store.FieldRunID); err != nil {
		return fmt.Errorf("%w: clearing session: %v", ErrStoreUnavailable, err)
	}

	s.logger.Info("user logged out", "user_id", userID, "thread_id", sess.ThreadID)
	s.events.Publish(&Event{Kind: EventTeardown, UserID: userID, ThreadID: sess.ThreadID, Timestamp: s.now()})
	return nil
}
