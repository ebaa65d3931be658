package run

import (
	"context"
	"time"

	"github.com/Richardson2512/testlattice-backend-sub001/id"
)

// Patch is a partial update of a run's mutable fields. Nil fields are
// left untouched.
type Patch struct {
	Status        *Status    `json:"status,omitempty"`
	Paused        *bool      `json:"paused,omitempty"`
	CurrentStep   *int       `json:"current_step,omitempty"`
	FailureReason *string    `json:"failure_reason,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Store is the persistence collaborator contract. The control plane
// does not own run storage; it consumes this narrow surface to
// validate transitions and re-submit original parameters on approval.
//
// Implementations must return lattice.ErrRunNotFound for unknown ids.
type Store interface {
	// GetRun fetches the current stored state of a run.
	GetRun(ctx context.Context, runID id.RunID) (*Run, error)

	// UpdateRun applies a partial update and returns the updated run.
	UpdateRun(ctx context.Context, runID id.RunID, patch Patch) (*Run, error)

	// ListArtifacts returns the stored outputs of a run.
	ListArtifacts(ctx context.Context, runID id.RunID) ([]*Artifact, error)

	// ListStaleRuns returns non-terminal runs untouched for longer
	// than age. Used by the timeout reaper.
	ListStaleRuns(ctx context.Context, age time.Duration) ([]*Run, error)
}
