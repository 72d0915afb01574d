package policy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acamarata/nself-family-jobs/internal/scheduler/domain"
)

type deadLetterRecord struct {
	jobID      string
	retryCount int
	errMsg     string
}

// fakeStore keeps jobs in memory and applies policy writes to them, so a
// sequence of Fail calls observes its own effects the way the real store
// would.
type fakeStore struct {
	jobs        map[string]*domain.Job
	deadLetters []deadLetterRecord
	getErr      error
	writeErr    error
}

func newFakeStore(jobs ...*domain.Job) *fakeStore {
	s := &fakeStore{jobs: make(map[string]*domain.Job)}
	for _, j := range jobs {
		s.jobs[j.JobID] = j
	}
	return s
}

func (s *fakeStore) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}

func (s *fakeStore) RescheduleForRetry(_ context.Context, jobID string, retryCount int, runAt time.Time, errMsg string) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	job := s.jobs[jobID]
	job.Status = domain.JobStatusPending
	job.RetryCount = retryCount
	job.RunAt = runAt
	job.ErrorMessage.String = errMsg
	job.ErrorMessage.Valid = true
	return nil
}

func (s *fakeStore) MarkDead(_ context.Context, job *domain.Job, retryCount int, errMsg string) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	s.deadLetters = append(s.deadLetters, deadLetterRecord{
		jobID:      job.JobID,
		retryCount: retryCount,
		errMsg:     errMsg,
	})
	stored := s.jobs[job.JobID]
	stored.Status = domain.JobStatusDead
	stored.RetryCount = retryCount
	stored.ErrorMessage.String = errMsg
	stored.ErrorMessage.Valid = true
	return nil
}

func newTestPolicy(store Store, base, maxDelay time.Duration) *Policy {
	return New(&Config{
		Store:       store,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		BackoffBase: base,
		BackoffMax:  maxDelay,
	})
}

func TestBackoff_GrowsExponentially(t *testing.T) {
	p := newTestPolicy(newFakeStore(), time.Second, time.Hour)

	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
	assert.Equal(t, 8*time.Second, p.Backoff(3))
	assert.Equal(t, 1024*time.Second, p.Backoff(10))
}

func TestBackoff_CappedAtMax(t *testing.T) {
	p := newTestPolicy(newFakeStore(), time.Second, 10*time.Second)

	assert.Equal(t, 10*time.Second, p.Backoff(4))
	assert.Equal(t, 10*time.Second, p.Backoff(60), "large attempt counts must not overflow")
}

func TestFail_MissingJobIsSilent(t *testing.T) {
	p := newTestPolicy(newFakeStore(), time.Second, time.Hour)

	err := p.Fail(context.Background(), "no-such-job", "boom")
	assert.NoError(t, err)
}

func TestFail_ReschedulesWithGrowingDelay(t *testing.T) {
	job := &domain.Job{
		JobID:      "job-1",
		JobType:    "media.transcode",
		Status:     domain.JobStatusRunning,
		MaxRetries: 5,
	}
	store := newFakeStore(job)
	p := newTestPolicy(store, time.Second, time.Hour)

	var prevRunAt time.Time
	for k := 1; k <= 3; k++ {
		before := time.Now()
		require.NoError(t, p.Fail(context.Background(), "job-1", "transient failure"))

		assert.Equal(t, domain.JobStatusPending, job.Status)
		assert.Equal(t, k, job.RetryCount)
		assert.True(t, job.RunAt.After(before), "retry run_at must be strictly in the future")
		assert.True(t, job.RunAt.After(prevRunAt), "backoff must grow with each failure")
		prevRunAt = job.RunAt
	}

	assert.Empty(t, store.deadLetters)
}

func TestFail_DeadLettersWhenBudgetExhausted(t *testing.T) {
	// Spec scenario: max_retries = 2, two failures with distinct messages.
	job := &domain.Job{
		JobID:      "job-1",
		JobType:    "media.transcode",
		Payload:    `{"album_id":"a1"}`,
		Status:     domain.JobStatusRunning,
		MaxRetries: 2,
	}
	store := newFakeStore(job)
	p := newTestPolicy(store, time.Second, time.Hour)

	require.NoError(t, p.Fail(context.Background(), "job-1", "first error"))
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.Empty(t, store.deadLetters)

	require.NoError(t, p.Fail(context.Background(), "job-1", "second error"))
	assert.Equal(t, domain.JobStatusDead, job.Status)
	assert.Equal(t, 2, job.RetryCount)

	require.Len(t, store.deadLetters, 1)
	entry := store.deadLetters[0]
	assert.Equal(t, "job-1", entry.jobID)
	assert.Equal(t, 2, entry.retryCount)
	assert.Equal(t, "second error", entry.errMsg)

	// Dead is terminal: a further Fail must not resurrect the job or write
	// another entry.
	require.NoError(t, p.Fail(context.Background(), "job-1", "third error"))
	assert.Equal(t, domain.JobStatusDead, job.Status)
	assert.Len(t, store.deadLetters, 1)
}

func TestFail_ZeroRetryBudgetDiesImmediately(t *testing.T) {
	job := &domain.Job{
		JobID:      "job-1",
		JobType:    "token.cleanup",
		Status:     domain.JobStatusRunning,
		MaxRetries: 0,
	}
	store := newFakeStore(job)
	p := newTestPolicy(store, time.Second, time.Hour)

	require.NoError(t, p.Fail(context.Background(), "job-1", "boom"))
	assert.Equal(t, domain.JobStatusDead, job.Status)
	require.Len(t, store.deadLetters, 1)
	assert.Equal(t, 1, store.deadLetters[0].retryCount)
}

func TestFail_CompletedJobIgnored(t *testing.T) {
	job := &domain.Job{
		JobID:      "job-1",
		Status:     domain.JobStatusCompleted,
		MaxRetries: 3,
	}
	store := newFakeStore(job)
	p := newTestPolicy(store, time.Second, time.Hour)

	require.NoError(t, p.Fail(context.Background(), "job-1", "late failure"))
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Empty(t, store.deadLetters)
}

func TestFail_StorageErrorsPropagate(t *testing.T) {
	job := &domain.Job{
		JobID:      "job-1",
		Status:     domain.JobStatusRunning,
		MaxRetries: 3,
	}
	store := newFakeStore(job)
	store.writeErr = errors.New("connection refused")
	p := newTestPolicy(store, time.Second, time.Hour)

	err := p.Fail(context.Background(), "job-1", "boom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}
