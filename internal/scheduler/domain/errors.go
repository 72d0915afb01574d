package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrJobTypeRequired is returned when an enqueue request omits the job type
	ErrJobTypeRequired = errors.New("job_type is required")
)
