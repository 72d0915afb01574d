package dto

import "time"

// EnqueueJobRequest is the body of POST /api/v1/jobs.
type EnqueueJobRequest struct {
	JobType        string     `json:"job_type" binding:"required"`
	Payload        string     `json:"payload"`
	Priority       int        `json:"priority"`
	MaxRetries     *int       `json:"max_retries"`
	RunAt          *time.Time `json:"run_at"`
	IsRecurring    bool       `json:"is_recurring"`
	CronExpression string     `json:"cron_expression"`
	IdempotencyKey string     `json:"idempotency_key"`
	CreatedBy      string     `json:"created_by"`
}

// EnqueueJobResponse is returned after a successful (or idempotent) enqueue.
type EnqueueJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// JobResponse is the full job representation returned by reads.
type JobResponse struct {
	JobID          string `json:"job_id"`
	JobType        string `json:"job_type"`
	Payload        string `json:"payload"`
	Status         string `json:"status"`
	Priority       int    `json:"priority"`
	MaxRetries     int    `json:"max_retries"`
	RetryCount     int    `json:"retry_count"`
	RunAt          string `json:"run_at"`
	StartedAt      string `json:"started_at,omitempty"`
	CompletedAt    string `json:"completed_at,omitempty"`
	FailedAt       string `json:"failed_at,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
	IsRecurring    bool   `json:"is_recurring"`
	CronExpression string `json:"cron_expression,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	CreatedBy      string `json:"created_by,omitempty"`
	CreatedAt      string `json:"created_at"`
}

type ListJobsRequest struct {
	JobType  string `form:"job_type"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobResponse `json:"jobs"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// QueueDepthResponse reports the number of jobs waiting to run.
type QueueDepthResponse struct {
	Pending int `json:"pending"`
}

type ListDeadLettersRequest struct {
	Limit int `form:"limit"`
}

// DeadLetterResponse is a single exhausted-job snapshot.
type DeadLetterResponse struct {
	EntryID           string `json:"entry_id"`
	OriginalJobID     string `json:"original_job_id"`
	JobType           string `json:"job_type"`
	Payload           string `json:"payload"`
	ErrorMessage      string `json:"error_message"`
	RetryCount        int    `json:"retry_count"`
	OriginalCreatedAt string `json:"original_created_at"`
	DeadAt            string `json:"dead_at"`
}

type ListDeadLettersResponse struct {
	DeadLetters []DeadLetterResponse `json:"dead_letters"`
}
