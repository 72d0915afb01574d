package handler

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/acamarata/nself-family-jobs/internal/api/dto"
	"github.com/acamarata/nself-family-jobs/internal/scheduler/domain"
	"github.com/acamarata/nself-family-jobs/internal/scheduler/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultPageSize        = 20
	maxPageSize            = 100
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
)

// EnqueueJob handles POST /api/v1/jobs
// Persists a new PENDING job and, when a broker is configured, publishes a
// wake-up notification so idle workers claim it without waiting out a poll.
func (h *JobHandler) EnqueueJob(c *gin.Context) {
	var req dto.EnqueueJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body: job_type is required",
		})
		return
	}

	jobID, err := h.store.Enqueue(c.Request.Context(), storage.EnqueueParams{
		JobType:        req.JobType,
		Payload:        req.Payload,
		Priority:       req.Priority,
		MaxRetries:     req.MaxRetries,
		RunAt:          req.RunAt,
		IsRecurring:    req.IsRecurring,
		CronExpression: req.CronExpression,
		IdempotencyKey: req.IdempotencyKey,
		CreatedBy:      req.CreatedBy,
	})
	if err != nil {
		if errors.Is(err, domain.ErrJobTypeRequired) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "job_type is required",
			})
			return
		}
		h.logger.Error("Failed to enqueue job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue job",
		})
		return
	}

	if h.notifier != nil {
		if err := h.notifier.NotifyEnqueued(c.Request.Context(), jobID, req.JobType); err != nil {
			// Workers fall back to polling, so a lost notification only
			// costs latency.
			h.logger.Warn("Failed to publish enqueue notification",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
	}

	c.JSON(http.StatusCreated, dto.EnqueueJobResponse{
		JobID:  jobID,
		Status: domain.JobStatusPending,
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
// Retrieves detailed information about a specific job
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Error("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, toJobResponse(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs with optional filtering and keyset pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := storage.JobFilter{
		JobType:  req.JobType,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	}

	jobs, err := h.store.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	// One extra row past PageSize signals more results exist.
	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobResponse, len(jobs))
	for i := range jobs {
		jobResponse[i] = toJobResponse(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		lastJob := jobs[len(jobs)-1]
		nextCursor, err = EncodeJobCursor(&storage.JobCursor{
			CreatedAt: lastJob.CreatedAt,
			JobID:     lastJob.JobID,
		})
		if err != nil {
			h.logger.Error("Failed to encode next cursor", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to encode next cursor",
			})
			return
		}
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// QueueDepth handles GET /api/v1/queue/depth
// Reports the number of PENDING jobs waiting to be claimed
func (h *JobHandler) QueueDepth(c *gin.Context) {
	count, err := h.store.PendingCount(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to count pending jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to count pending jobs",
		})
		return
	}

	c.JSON(http.StatusOK, dto.QueueDepthResponse{Pending: count})
}

// ListDeadLetters handles GET /api/v1/dead-letters
// Lists dead letter entries, most recently dead first
func (h *JobHandler) ListDeadLetters(c *gin.Context) {
	var req dto.ListDeadLettersRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.Limit <= 0 {
		req.Limit = defaultDeadLetterLimit
	}
	if req.Limit > maxDeadLetterLimit {
		req.Limit = maxDeadLetterLimit
	}

	entries, err := h.store.ListDeadLetters(c.Request.Context(), req.Limit)
	if err != nil {
		h.logger.Error("Failed to list dead letters", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list dead letters",
		})
		return
	}

	response := make([]dto.DeadLetterResponse, len(entries))
	for i, entry := range entries {
		response[i] = dto.DeadLetterResponse{
			EntryID:           entry.EntryID,
			OriginalJobID:     entry.OriginalJobID,
			JobType:           entry.JobType,
			Payload:           entry.Payload,
			ErrorMessage:      entry.ErrorMessage,
			RetryCount:        entry.RetryCount,
			OriginalCreatedAt: entry.OriginalCreatedAt.Format(time.RFC3339),
			DeadAt:            entry.DeadAt.Format(time.RFC3339),
		}
	}

	c.JSON(http.StatusOK, dto.ListDeadLettersResponse{DeadLetters: response})
}

func toJobResponse(job *domain.Job) dto.JobResponse {
	return dto.JobResponse{
		JobID:          job.JobID,
		JobType:        job.JobType,
		Payload:        job.Payload,
		Status:         job.Status,
		Priority:       job.Priority,
		MaxRetries:     job.MaxRetries,
		RetryCount:     job.RetryCount,
		RunAt:          job.RunAt.Format(time.RFC3339),
		StartedAt:      nullTimeString(job.StartedAt),
		CompletedAt:    nullTimeString(job.CompletedAt),
		FailedAt:       nullTimeString(job.FailedAt),
		ErrorMessage:   job.ErrorMessage.String,
		IsRecurring:    job.IsRecurring,
		CronExpression: job.CronExpression.String,
		IdempotencyKey: job.IdempotencyKey.String,
		CreatedBy:      job.CreatedBy.String,
		CreatedAt:      job.CreatedAt.Format(time.RFC3339),
	}
}

func nullTimeString(t sql.NullTime) string {
	if !t.Valid {
		return ""
	}
	return t.Time.Format(time.RFC3339)
}
