package dispatcher

import (
	"context"
	"time"
)

// Store is the shared-store contract for job queues.
//
// Implementations must return lattice.ErrJobAlreadyExists from
// EnqueueJob when a live job with the same key exists and
// allowDuplicate is false, and lattice.ErrJobNotFound for unknown ids.
type Store interface {
	// EnqueueJob persists a job and adds it to its queue, atomically
	// reserving the job key unless allowDuplicate is set.
	EnqueueJob(ctx context.Context, j *Job, allowDuplicate bool) error

	// DequeueJobs atomically claims up to limit due jobs from the
	// queue, highest priority first, oldest first within a priority.
	// Claimed jobs move to the running state.
	DequeueJobs(ctx context.Context, queue string, limit int) ([]*Job, error)

	// GetJob fetches a job by id.
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// UpdateJob overwrites a job's stored record and, when the job is
	// retrying, re-inserts it into its queue at RunAt.
	UpdateJob(ctx context.Context, j *Job) error

	// CountJobs returns the number of non-terminal jobs on a queue.
	CountJobs(ctx context.Context, queue string) (int64, error)

	// PurgeExpiredJobs deletes terminal jobs whose ExpiresAt has
	// passed, returning how many were removed.
	PurgeExpiredJobs(ctx context.Context, now time.Time) (int64, error)
}
