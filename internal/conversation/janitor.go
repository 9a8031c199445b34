// ABOUTME: Janitor runs the conversation cleanup passes on a gocron schedule
// ABOUTME: Settles queued cleanup obligations and clears stale run reservations

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// DefaultJanitorInterval is how often the janitor runs when none is configured.
const DefaultJanitorInterval = 30 * time.Second

// Janitor periodically retries owed cleanup and sweeps stale runs.
type Janitor struct {
	svc       *Service
	scheduler gocron.Scheduler
	interval  time.Duration
	timeout   time.Duration
	logger    *slog.Logger
}

// NewJanitor creates a janitor for svc. It does nothing until Start.
func NewJanitor(svc *Service, interval time.Duration, logger *slog.Logger) (*Janitor, error) {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &Janitor{
		svc:       svc,
		scheduler: scheduler,
		interval:  interval,
		timeout:   interval,
		logger:    logger.With("component", "janitor"),
	}, nil
}

// Start registers the cleanup job and starts the scheduler.
func (j *Janitor) Start() error {
	_, err := j.scheduler.NewJob(
		gocron.DurationJob(j.interval),
		gocron.NewTask(j.RunOnce),
		gocron.WithName("conversation_cleanup"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to register cleanup job: %w", err)
	}

	j.scheduler.Start()
	j.logger.Info("janitor started", "interval", j.interval)
	return nil
}

// RunOnce performs a single cleanup pass.
func (j *Janitor) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	j.svc.RetryPendingCleanup(ctx)

	if _, err := j.svc.SweepStaleRuns(ctx); err != nil {
		j.logger.Warn("stale run sweep failed", "error", err)
	}
}

// Stop shuts the scheduler down, waiting for a running pass to finish.
func (j *Janitor) Stop() error {
	j.logger.Info("janitor stopping")
	return j.scheduler.Shutdown()
}
