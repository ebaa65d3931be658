// Package dispatcher owns the priority job queues that feed test
// workers. One job is a single browser-engine execution of a run;
// matrix submissions fan out to one job per engine under a shared
// parent key. Jobs are deduplicated by a deterministic key so a
// double-submit is a no-op, while the approval path explicitly allows
// a duplicate because it re-runs parameters that already ran once.
package dispatcher

import (
	"time"

	lattice "github.com/Richardson2512/testlattice-backend-sub001"
	"github.com/Richardson2512/testlattice-backend-sub001/id"
	"github.com/Richardson2512/testlattice-backend-sub001/run"
)

// State is the queue-side lifecycle of a job, independent of the run's
// own status.
type State string

const (
	// StatePending means the job is enqueued and dequeueable.
	StatePending State = "pending"
	// StateRunning means a worker holds the job.
	StateRunning State = "running"
	// StateRetrying means the job failed and waits for its backoff
	// delay before becoming dequeueable again.
	StateRetrying State = "retrying"
	// StateCompleted means the worker finished the job. Terminal.
	StateCompleted State = "completed"
	// StateFailed means the job exhausted its attempt budget. Terminal.
	StateFailed State = "failed"
)

// Terminal reports whether the job will never run again.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Queue names. Guest submissions ride their own queue so their retry
// and retention policy never competes with paying traffic.
const (
	QueueRuns  = "runs"
	QueueGuest = "guest"
)

// Default priority per subscriber tier. Higher dequeues first. The
// mapping is configuration, not code: callers may override it with
// WithTierPriorities.
var DefaultTierPriorities = map[string]int{
	"enterprise": 100,
	"pro":        50,
	"starter":    25,
	"free":       10,
}

// GuestPriority is the fixed priority of guest jobs on their queue.
const GuestPriority = 0

// Job is one unit of work on a queue.
type Job struct {
	lattice.Entity

	ID id.JobID `json:"id"`

	// Key deduplicates submissions. Derived from the run id and engine,
	// so the same logical work can never be queued twice concurrently.
	Key string `json:"key"`

	// ParentKey groups the jobs of one matrix submission.
	ParentKey string `json:"parent_key,omitempty"`

	RunID    id.RunID   `json:"run_id"`
	Engine   run.Engine `json:"engine"`
	Queue    string     `json:"queue"`
	Priority int        `json:"priority"`

	// Payload carries the run's original submission parameters so the
	// worker needs no second lookup to start.
	Payload run.Options `json:"payload"`

	State      State      `json:"state"`
	Attempt    int        `json:"attempt"`
	MaxRetries int        `json:"max_retries"`
	LastError  string     `json:"last_error,omitempty"`

	// RunAt is the earliest dequeue time. Backoff pushes it forward.
	RunAt       time.Time  `json:"run_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// ExpiresAt is when a terminal job becomes eligible for purge.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// JobKey builds the deterministic dedup key for one engine execution
// of a run.
func JobKey(runID id.RunID, engine run.Engine) string {
	return runID.String() + ":" + string(engine)
}
