package domain

import (
	"database/sql"
	"time"
)

// Job status constants. PENDING and RUNNING are transient; COMPLETED and
// DEAD are terminal and never transition again.
const (
	JobStatusPending   = "PENDING"
	JobStatusRunning   = "RUNNING"
	JobStatusCompleted = "COMPLETED"
	JobStatusDead      = "DEAD"
)

// Job is a unit of deferred work persisted in the jobs table.
// The payload is an opaque JSON document owned by the registered handler.
type Job struct {
	JobID          string         `db:"job_id"`
	JobType        string         `db:"job_type"`
	Payload        string         `db:"payload"`
	Status         string         `db:"status"`
	Priority       int            `db:"priority"`
	MaxRetries     int            `db:"max_retries"`
	RetryCount     int            `db:"retry_count"`
	RunAt          time.Time      `db:"run_at"`
	StartedAt      sql.NullTime   `db:"started_at"`
	CompletedAt    sql.NullTime   `db:"completed_at"`
	FailedAt       sql.NullTime   `db:"failed_at"`
	ErrorMessage   sql.NullString `db:"error_message"`
	IsRecurring    bool           `db:"is_recurring"`
	CronExpression sql.NullString `db:"cron_expression"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
	CreatedBy      sql.NullString `db:"created_by"`
	CreatedAt      time.Time      `db:"created_at"`
}

// IsTerminal reports whether the job can no longer change state.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusDead
}

// DeadLetterEntry is an immutable snapshot of a job taken at the moment it
// exhausted its retry budget. Entries are written once and never mutated.
type DeadLetterEntry struct {
	EntryID           string    `db:"entry_id"`
	OriginalJobID     string    `db:"original_job_id"`
	JobType           string    `db:"job_type"`
	Payload           string    `db:"payload"`
	ErrorMessage      string    `db:"error_message"`
	RetryCount        int       `db:"retry_count"`
	OriginalCreatedAt time.Time `db:"original_created_at"`
	DeadAt            time.Time `db:"dead_at"`
}
