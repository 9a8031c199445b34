// ABOUTME: Exponential backoff retry helper for store writes and external calls.
// ABOUTME: Supports a retryable predicate and logs attempts through slog.

package retry

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// Config configures retry behavior with exponential backoff
type Config struct {
	MaxRetries int           // retries after the first attempt
	BaseDelay  time.Duration // delay before the first retry
	MaxDelay   time.Duration // cap on any single delay
	Multiplier float64       // growth factor per retry
	Jitter     bool          // add up to ±10% random jitter

	// Retryable decides whether an error is worth another attempt.
	// Nil retries every error.
	Retryable func(error) bool
}

// Result describes how an operation fared.
type Result struct {
	Attempts      int
	TotalDuration time.Duration
	LastError     error
}

// Err returns the last error, or nil on success.
func (r Result) Err() error { return r.LastError }

// DefaultConfig is used for cleanup writes: a handful of quick retries.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   2 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// HTTPConfig is used for calls to the assistants API.
func HTTPConfig(maxRetries int) Config {
	return Config{
		MaxRetries: maxRetries,
		BaseDelay:  time.Second,
		MaxDelay:   10 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Do executes op until it succeeds, returns a non-retryable error, the
// retries are exhausted, or ctx is done.
func Do(ctx context.Context, cfg Config, logger *slog.Logger, op func(ctx context.Context) error) Result {
	start := time.Now()
	var result Result

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result.Attempts = attempt + 1

		err := op(ctx)
		if err == nil {
			result.LastError = nil
			result.TotalDuration = time.Since(start)
			if attempt > 0 && logger != nil {
				logger.Debug("operation succeeded after retries", "retries", attempt, "duration", result.TotalDuration)
			}
			return result
		}
		result.LastError = err

		if attempt >= cfg.MaxRetries || (cfg.Retryable != nil && !cfg.Retryable(err)) {
			break
		}
		if ctx.Err() != nil {
			result.LastError = ctx.Err()
			break
		}

		delay := Delay(cfg, attempt)
		if logger != nil {
			logger.Debug("operation failed, retrying",
				"attempt", attempt+1,
				"max_attempts", cfg.MaxRetries+1,
				"delay", delay,
				"error", err,
			)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return result
		case <-timer.C:
		}
	}

	result.TotalDuration = time.Since(start)
	return result
}

// Delay returns the backoff before retry number attempt+1.
func Delay(cfg Config, attempt int) time.Duration {
	mult := cfg.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	delay := float64(cfg.BaseDelay) * math.Pow(mult, float64(attempt))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	if cfg.Jitter {
		jitterRange := delay * 0.1
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
		if delay < 0 {
			delay = float64(cfg.BaseDelay)
		}
	}

	return time.Duration(delay)
}
