package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/acamarata/nself-family-jobs/internal/scheduler/domain"
)

// HandlerFunc executes the business logic for one claimed job. A nil return
// completes the job; a non-nil return routes it through the retry policy.
type HandlerFunc func(ctx context.Context, job *domain.Job) error

// Store is the slice of the job store the worker loop needs.
type Store interface {
	Claim(ctx context.Context, jobTypes []string) (*domain.Job, error)
	Complete(ctx context.Context, jobID string) error
}

// FailPolicy records a handler failure and decides retry vs dead-letter.
type FailPolicy interface {
	Fail(ctx context.Context, jobID, errMsg string) error
}

// Config holds worker configuration
type Config struct {
	Logger *slog.Logger
	Store  Store
	Policy FailPolicy

	// PollInterval is the sleep between claim attempts when the queue is
	// idle. Defaults to 1s. After a claim error the worker sleeps twice
	// this long.
	PollInterval time.Duration

	// JobTimeout bounds each handler invocation. Zero means no timeout;
	// a hung handler then blocks this worker indefinitely.
	JobTimeout time.Duration

	// Wake optionally interrupts the idle sleep so a freshly enqueued job
	// is claimed without waiting out the poll interval. A nil channel is
	// fine; the worker then relies on polling alone.
	Wake <-chan struct{}
}

// Worker is a long-lived polling loop that claims jobs, dispatches them to
// registered handlers, and reports outcomes back to the store and policy.
type Worker struct {
	logger       *slog.Logger
	store        Store
	policy       FailPolicy
	pollInterval time.Duration
	jobTimeout   time.Duration
	wake         <-chan struct{}

	// handlers is written only by RegisterHandler before Start and is
	// read-only once the loop runs.
	handlers map[string]HandlerFunc
	jobTypes []string

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	return &Worker{
		logger:       cfg.Logger,
		store:        cfg.Store,
		policy:       cfg.Policy,
		pollInterval: pollInterval,
		jobTimeout:   cfg.JobTimeout,
		wake:         cfg.Wake,
		handlers:     make(map[string]HandlerFunc),
		stopChan:     make(chan struct{}),
	}
}

// RegisterHandler binds a handler to a job type. Must be called before
// Start; the registry is not safe for mutation while the loop is running.
func (w *Worker) RegisterHandler(jobType string, fn HandlerFunc) {
	w.handlers[jobType] = fn
	w.jobTypes = append(w.jobTypes, jobType)
}

// JobTypes returns the job types this worker claims.
func (w *Worker) JobTypes() []string {
	return w.jobTypes
}

// Start runs the polling loop on the calling goroutine until Stop is called
// or the context is canceled. A handler already in flight is awaited; only
// the next claim is prevented.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.Duration("poll_interval", w.pollInterval),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.Any("job_types", w.jobTypes),
	)

	if len(w.jobTypes) == 0 {
		w.logger.Warn("No handlers registered; worker will poll but can never process work")
	}

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Worker stopped")
			return nil
		case <-ctx.Done():
			w.logger.Info("Worker context canceled, stopping")
			return nil
		default:
		}

		job, err := w.store.Claim(ctx, w.jobTypes)
		if err != nil {
			// Storage outage during polling is absorbed here: log, back
			// off twice the poll interval, try again.
			w.logger.Error("Claim failed",
				slog.String("error", err.Error()),
			)
			if !w.sleep(ctx, 2*w.pollInterval) {
				return nil
			}
			continue
		}

		if job == nil {
			if !w.sleep(ctx, w.pollInterval) {
				return nil
			}
			continue
		}

		w.dispatch(ctx, job)
	}
}

// Stop prevents the next claim and wakes an idle sleep immediately. It does
// not cancel a handler already executing. Safe to call any number of times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
	})
}

// dispatch routes one claimed job to its handler and reports the outcome.
// With at least one handler registered the claim is filtered to registered
// types, so the missing-handler branch below can only be reached when the
// registry is empty and the claim was unfiltered.
func (w *Worker) dispatch(ctx context.Context, job *domain.Job) {
	handler, ok := w.handlers[job.JobType]
	if !ok {
		// Fast-fail so a misrouted job surfaces through the retry path
		// instead of holding its queue slot forever.
		msg := fmt.Sprintf("no handler registered for job type: %s", job.JobType)
		w.logger.Warn("No handler for claimed job",
			slog.String("job_id", job.JobID),
			slog.String("job_type", job.JobType),
		)
		if err := w.policy.Fail(ctx, job.JobID, msg); err != nil {
			w.logger.Error("Failed to record missing-handler failure",
				slog.String("job_id", job.JobID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	w.logger.Info("Job started",
		slog.String("job_id", job.JobID),
		slog.String("job_type", job.JobType),
		slog.Int("retry_count", job.RetryCount),
	)

	start := time.Now()
	err := w.invoke(ctx, handler, job)
	duration := time.Since(start)

	if err != nil {
		w.logger.Error("Job failed",
			slog.String("job_id", job.JobID),
			slog.String("job_type", job.JobType),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()),
		)
		if failErr := w.policy.Fail(ctx, job.JobID, err.Error()); failErr != nil {
			// A failure to record a failure must not crash the loop; the
			// job stays RUNNING until operator action reconciles it.
			w.logger.Error("Failed to record job failure",
				slog.String("job_id", job.JobID),
				slog.String("error", failErr.Error()),
			)
		}
		return
	}

	w.logger.Info("Job completed",
		slog.String("job_id", job.JobID),
		slog.String("job_type", job.JobType),
		slog.Duration("duration", duration),
	)

	if err := w.store.Complete(ctx, job.JobID); err != nil {
		w.logger.Error("Failed to mark job completed",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
	}
}

// invoke runs the handler with the configured timeout and converts panics
// into ordinary handler errors so they follow the retry/dead-letter path.
func (w *Worker) invoke(ctx context.Context, handler HandlerFunc, job *domain.Job) (err error) {
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return handler(ctx, job)
}

// sleep waits for d, a stop signal, context cancellation, or a wake-up
// notification, whichever comes first. Returns false when the worker should
// exit.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return true
		case _, ok := <-w.wake:
			if ok {
				return true
			}
			// The wake feed closed (broker connection gone). A nil channel
			// blocks forever, so from here on the loop honors the poll
			// interval instead of spinning on the closed channel.
			w.wake = nil
		case <-w.stopChan:
			return false
		case <-ctx.Done():
			return false
		}
	}
}
