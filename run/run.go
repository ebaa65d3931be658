// Package run defines the test-run model and the authoritative
// lifecycle state machine enforced at every control-plane endpoint.
package run

import (
	"time"

	lattice "github.com/Richardson2512/testlattice-backend-sub001"
	"github.com/Richardson2512/testlattice-backend-sub001/id"
)

// Engine names a browser engine a run executes against.
type Engine string

// Supported browser engines.
const (
	EngineChromium Engine = "chromium"
	EngineFirefox  Engine = "firefox"
	EngineWebkit   Engine = "webkit"
)

// ApprovalPolicy controls whether a run waits for a human before
// continuing past a checkpoint.
type ApprovalPolicy string

const (
	// ApprovalAuto lets the run proceed without human sign-off.
	ApprovalAuto ApprovalPolicy = "auto"
	// ApprovalManual parks the run in waiting_approval at checkpoints.
	ApprovalManual ApprovalPolicy = "manual"
)

// Options are the submission parameters of a run, kept so approval can
// re-submit the run with its original parameters.
type Options struct {
	// Browsers is the engine matrix. One dispatch job is created per
	// entry; a single entry produces exactly one job.
	Browsers []Engine `json:"browsers"`

	// StepBudget caps how many steps the worker may take.
	StepBudget int `json:"step_budget"`

	// Approval controls checkpoint behavior.
	Approval ApprovalPolicy `json:"approval"`

	// Tier is the subscriber plan tier, mapped to a queue priority by
	// the dispatcher. Empty for guest runs.
	Tier string `json:"tier,omitempty"`

	// Guest marks unauthenticated submissions, which ride a separate
	// queue with its own retry and retention policy.
	Guest bool `json:"guest,omitempty"`
}

// Run is one execution of an automated test. The persistence layer
// owns the authoritative copy; the control plane holds in-flight
// references by id only.
type Run struct {
	lattice.Entity

	ID            id.RunID   `json:"id"`
	Status        Status     `json:"status"`
	Paused        bool       `json:"paused"`
	CurrentStep   int        `json:"current_step"`
	Options       Options    `json:"options"`
	FailureReason string     `json:"failure_reason,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Artifact is a stored output of a run (screenshot, video, report),
// owned by the persistence collaborator.
type Artifact struct {
	RunID       id.RunID  `json:"run_id"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	URL         string    `json:"url"`
	CreatedAt   time.Time `json:"created_at"`
}
