package handler

import (
	"context"
	"log/slog"

	"github.com/acamarata/nself-family-jobs/internal/scheduler/domain"
	"github.com/acamarata/nself-family-jobs/internal/scheduler/storage"
)

// JobStore is the slice of the storage layer the API handlers depend on.
type JobStore interface {
	Enqueue(ctx context.Context, params storage.EnqueueParams) (string, error)
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]domain.Job, error)
	PendingCount(ctx context.Context) (int, error)
	ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetterEntry, error)
}

// EnqueueNotifier publishes a wake-up signal after a successful enqueue.
// Publishing is best-effort: workers poll the database regardless.
type EnqueueNotifier interface {
	NotifyEnqueued(ctx context.Context, jobID, jobType string) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger   *slog.Logger
	Store    JobStore
	Notifier EnqueueNotifier // optional; nil disables notifications
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger   *slog.Logger
	store    JobStore
	notifier EnqueueNotifier
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:   deps.Logger,
		store:    deps.Store,
		notifier: deps.Notifier,
	}
}
