package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/acamarata/nself-family-jobs/internal/scheduler/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const jobColumns = `job_id, job_type, payload, status, priority, max_retries, retry_count,
		run_at, started_at, completed_at, failed_at, error_message,
		is_recurring, cron_expression, idempotency_key, created_by, created_at`

// Storage handles all database operations for jobs and dead letter entries.
// It is the only component that touches the jobs tables.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// EnqueueParams holds the caller-supplied fields for a new job.
// Nil pointer fields take their defaults: priority 0, max_retries 3,
// run_at now.
type EnqueueParams struct {
	JobType        string
	Payload        string
	Priority       int
	MaxRetries     *int
	RunAt          *time.Time
	IsRecurring    bool
	CronExpression string
	IdempotencyKey string
	CreatedBy      string
}

// Enqueue persists a new PENDING job and returns its identity.
//
// When an idempotency key is supplied and a job with that key already exists
// in any non-DEAD state, the existing job's identity is returned and no row
// is written. A partial unique index on idempotency_key backs this up, so a
// concurrent duplicate enqueue loses the insert race and falls back to
// returning the winner's identity.
func (s *Storage) Enqueue(ctx context.Context, params EnqueueParams) (string, error) {
	if params.JobType == "" {
		return "", domain.ErrJobTypeRequired
	}

	if params.IdempotencyKey != "" {
		existing, err := s.findByIdempotencyKey(ctx, params.IdempotencyKey)
		if err != nil {
			return "", err
		}
		if existing != "" {
			s.logger.Info("Idempotent enqueue hit, returning existing job",
				slog.String("job_id", existing),
				slog.String("idempotency_key", params.IdempotencyKey),
			)
			return existing, nil
		}
	}

	maxRetries := 3
	if params.MaxRetries != nil {
		maxRetries = *params.MaxRetries
	}
	runAt := time.Now()
	if params.RunAt != nil {
		runAt = *params.RunAt
	}

	jobID := uuid.New().String()
	query := `
		INSERT INTO jobs (
			job_id, job_type, payload, status, priority, max_retries, retry_count,
			run_at, is_recurring, cron_expression, idempotency_key, created_by, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, 0,
			$7, $8, NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''), NOW()
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		jobID,
		params.JobType,
		params.Payload,
		domain.JobStatusPending,
		params.Priority,
		maxRetries,
		runAt,
		params.IsRecurring,
		params.CronExpression,
		params.IdempotencyKey,
		params.CreatedBy,
	)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" && params.IdempotencyKey != "" {
			// Lost the insert race to a concurrent enqueue with the same key.
			existing, lookupErr := s.findByIdempotencyKey(ctx, params.IdempotencyKey)
			if lookupErr == nil && existing != "" {
				return existing, nil
			}
		}
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.logger.Info("Job enqueued",
		slog.String("job_id", jobID),
		slog.String("job_type", params.JobType),
		slog.Int("priority", params.Priority),
		slog.Time("run_at", runAt),
	)

	return jobID, nil
}

func (s *Storage) findByIdempotencyKey(ctx context.Context, key string) (string, error) {
	var jobID string
	query := `
		SELECT job_id FROM jobs
		WHERE idempotency_key = $1 AND status <> $2
	`

	err := s.db.GetContext(ctx, &jobID, query, key, domain.JobStatusDead)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to look up idempotency key: %w", err)
	}

	return jobID, nil
}

// Claim atomically selects one eligible job and marks it RUNNING.
//
// Eligible means status PENDING, run_at at or before now, and (when jobTypes
// is non-empty) a job_type in the given set. Among eligible rows the highest
// priority wins, oldest run_at breaking ties. The inner SELECT takes a row
// lock with SKIP LOCKED so concurrent claimers never receive the same job
// and never queue behind each other's in-flight transaction.
//
// Returns (nil, nil) when no eligible job exists; idle polling is not an
// error and performs no writes.
func (s *Storage) Claim(ctx context.Context, jobTypes []string) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    started_at = NOW()
		WHERE job_id = (
			SELECT job_id FROM jobs
			WHERE status = $2
			  AND run_at <= NOW()
			ORDER BY priority DESC, run_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	args := []interface{}{domain.JobStatusRunning, domain.JobStatusPending}

	if len(jobTypes) > 0 {
		query = `
		UPDATE jobs
		SET status = $1,
		    started_at = NOW()
		WHERE job_id = (
			SELECT job_id FROM jobs
			WHERE status = $2
			  AND run_at <= NOW()
			  AND job_type = ANY($3)
			ORDER BY priority DESC, run_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns
		args = append(args, pq.Array(jobTypes))
	}

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	s.logger.Debug("Job claimed",
		slog.String("job_id", job.JobID),
		slog.String("job_type", job.JobType),
		slog.Int("priority", job.Priority),
	)

	return &job, nil
}

// Complete transitions a RUNNING job to COMPLETED. Calling it on a job that
// is already terminal (or missing) affects zero rows and is a no-op.
func (s *Storage) Complete(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    completed_at = NOW()
		WHERE job_id = $2
		  AND status NOT IN ($3, $4)
	`

	result, err := s.db.ExecContext(ctx, query, domain.JobStatusCompleted, jobID,
		domain.JobStatusCompleted, domain.JobStatusDead)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Complete affected no rows (job missing or already terminal)",
			slog.String("job_id", jobID),
		)
	}

	return nil
}

// GetJob retrieves a job from the database by its ID
func (s *Storage) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// RescheduleForRetry returns a failed job to PENDING with an increased retry
// count and a future run_at computed by the retry policy.
func (s *Storage) RescheduleForRetry(ctx context.Context, jobID string, retryCount int, runAt time.Time, errMsg string) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    retry_count = $2,
		    run_at = $3,
		    failed_at = NOW(),
		    error_message = $4
		WHERE job_id = $5
	`

	_, err := s.db.ExecContext(ctx, query, domain.JobStatusPending, retryCount, runAt, errMsg, jobID)
	if err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}

	s.logger.Info("Job rescheduled for retry",
		slog.String("job_id", jobID),
		slog.Int("retry_count", retryCount),
		slog.Time("run_at", runAt),
	)

	return nil
}

// MarkDead snapshots the job into the dead letter table and flips it to the
// terminal DEAD status, in one transaction. The snapshot copies the payload
// so the entry stays intact regardless of later operator action on the job.
func (s *Storage) MarkDead(ctx context.Context, job *domain.Job, retryCount int, errMsg string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insertQuery := `
		INSERT INTO dead_letter_jobs (
			entry_id, original_job_id, job_type, payload, error_message,
			retry_count, original_created_at, dead_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`

	_, err = tx.ExecContext(ctx, insertQuery,
		uuid.New().String(),
		job.JobID,
		job.JobType,
		job.Payload,
		errMsg,
		retryCount,
		job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter entry: %w", err)
	}

	updateQuery := `
		UPDATE jobs
		SET status = $1,
		    retry_count = $2,
		    failed_at = NOW(),
		    error_message = $3
		WHERE job_id = $4
	`

	_, err = tx.ExecContext(ctx, updateQuery, domain.JobStatusDead, retryCount, errMsg, job.JobID)
	if err != nil {
		return fmt.Errorf("failed to mark job dead: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dead letter transaction: %w", err)
	}

	s.logger.Warn("Job moved to dead letter queue",
		slog.String("job_id", job.JobID),
		slog.String("job_type", job.JobType),
		slog.Int("retry_count", retryCount),
		slog.String("error", errMsg),
	)

	return nil
}

// PendingCount returns the current queue depth (number of PENDING jobs).
func (s *Storage) PendingCount(ctx context.Context) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM jobs WHERE status = $1`

	err := s.db.GetContext(ctx, &count, query, domain.JobStatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending jobs: %w", err)
	}

	return count, nil
}

// ListDeadLetters returns dead letter entries, most recent first, capped at
// limit.
func (s *Storage) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetterEntry, error) {
	query := `
		SELECT entry_id, original_job_id, job_type, payload, error_message,
		       retry_count, original_created_at, dead_at
		FROM dead_letter_jobs
		ORDER BY dead_at DESC
		LIMIT $1
	`

	var entries []domain.DeadLetterEntry
	err := s.db.SelectContext(ctx, &entries, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letter entries: %w", err)
	}

	return entries, nil
}

// JobFilter narrows a ListJobs query. Zero-valued fields are ignored.
type JobFilter struct {
	JobType  string
	Status   string
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is a keyset pagination cursor over (created_at, job_id).
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListJobs returns jobs matching the filter, newest first, using keyset
// pagination. One extra row beyond PageSize is fetched so the caller can
// tell whether more results exist.
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.JobType != "" {
		query += fmt.Sprintf(" AND job_type = $%d", argIdx)
		args = append(args, filter.JobType)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	// Order by created_at DESC, job_id DESC for consistent pagination
	query += " ORDER BY created_at DESC, job_id DESC"

	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []domain.Job
	err := s.db.SelectContext(ctx, &jobs, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}
