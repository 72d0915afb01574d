package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/acamarata/nself-family-jobs/internal/scheduler/domain"
)

// Store is the slice of the job store the policy writes its decisions
// through.
type Store interface {
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	RescheduleForRetry(ctx context.Context, jobID string, retryCount int, runAt time.Time, errMsg string) error
	MarkDead(ctx context.Context, job *domain.Job, retryCount int, errMsg string) error
}

// Policy decides, when a handler fails, whether the job is rescheduled with
// backoff or moved to the dead letter queue.
type Policy struct {
	store       Store
	logger      *slog.Logger
	backoffBase time.Duration
	backoffMax  time.Duration
}

// Config holds policy configuration
type Config struct {
	Store  Store
	Logger *slog.Logger

	// BackoffBase is the unit of the exponential backoff; delay for retry n
	// is BackoffBase * 2^n. Defaults to 1s.
	BackoffBase time.Duration

	// BackoffMax caps the computed delay. Defaults to 1h.
	BackoffMax time.Duration
}

// New creates a new Policy instance
func New(cfg *Config) *Policy {
	base := cfg.BackoffBase
	if base <= 0 {
		base = time.Second
	}
	maxDelay := cfg.BackoffMax
	if maxDelay <= 0 {
		maxDelay = time.Hour
	}

	return &Policy{
		store:       cfg.Store,
		logger:      cfg.Logger,
		backoffBase: base,
		backoffMax:  maxDelay,
	}
}

// Backoff returns the delay before retry attempt n becomes eligible again:
// base * 2^n, capped at the configured maximum. The growing delay is what
// keeps a persistently failing job from being re-claimed immediately and
// starving other work.
func (p *Policy) Backoff(n int) time.Duration {
	d := p.backoffBase
	for i := 0; i < n; i++ {
		d *= 2
		if d >= p.backoffMax {
			return p.backoffMax
		}
	}
	return d
}

// Fail records a handler failure for the given job and applies the retry or
// dead-letter decision.
//
// A job that no longer exists is not an error: it was already handled or
// removed, and Fail returns silently. A job already in a terminal state is
// likewise left untouched, so repeated Fail calls can never resurrect a dead
// job.
func (p *Policy) Fail(ctx context.Context, jobID, errMsg string) error {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			p.logger.Debug("Fail called for missing job, ignoring",
				slog.String("job_id", jobID),
			)
			return nil
		}
		return fmt.Errorf("failed to load job for failure handling: %w", err)
	}

	if job.IsTerminal() {
		p.logger.Debug("Fail called for terminal job, ignoring",
			slog.String("job_id", jobID),
			slog.String("status", job.Status),
		)
		return nil
	}

	newRetryCount := job.RetryCount + 1

	if newRetryCount >= job.MaxRetries {
		if err := p.store.MarkDead(ctx, job, newRetryCount, errMsg); err != nil {
			return fmt.Errorf("failed to dead-letter job: %w", err)
		}
		return nil
	}

	delay := p.Backoff(newRetryCount)
	runAt := time.Now().Add(delay)

	p.logger.Info("Job failed, scheduling retry",
		slog.String("job_id", jobID),
		slog.Int("retry_count", newRetryCount),
		slog.Int("max_retries", job.MaxRetries),
		slog.Duration("backoff", delay),
		slog.String("error", errMsg),
	)

	if err := p.store.RescheduleForRetry(ctx, jobID, newRetryCount, runAt, errMsg); err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}

	return nil
}
