// Package action implements the manual intervention queue. Operators
// push actions while a run executes; the worker drains the whole batch
// between steps with a single atomic read-and-clear, so no action is
// ever delivered twice and none is lost between two polls.
package action

import (
	"context"
	"time"

	"github.com/Richardson2512/testlattice-backend-sub001/id"
)

// Kind is the type of a manual action.
type Kind string

const (
	KindClick    Kind = "click"
	KindType     Kind = "type"
	KindNavigate Kind = "navigate"
	KindScroll   Kind = "scroll"
	KindWait     Kind = "wait"
)

// Valid reports whether k is a known action kind.
func (k Kind) Valid() bool {
	switch k {
	case KindClick, KindType, KindNavigate, KindScroll, KindWait:
		return true
	}
	return false
}

// Action is one operator intervention, queued until the worker's next
// drain. Selector targets a page element; Value carries kind-specific
// input (text to type, a URL, a scroll delta, a wait duration).
type Action struct {
	ID          id.ActionID `json:"id"`
	RunID       id.RunID    `json:"run_id"`
	Kind        Kind        `json:"kind"`
	Selector    string      `json:"selector,omitempty"`
	Value       string      `json:"value,omitempty"`
	SubmittedAt time.Time   `json:"submitted_at"`
}

// Queue is the shared-store contract for per-run action lists.
type Queue interface {
	// AppendAction pushes an action onto the run's queue and bounds the
	// whole queue's lifetime to ttl.
	AppendAction(ctx context.Context, act *Action, ttl time.Duration) error

	// DrainActions atomically returns all queued actions for the run,
	// in submission order, and clears the queue. An empty queue drains
	// to an empty slice, not an error.
	DrainActions(ctx context.Context, runID id.RunID) ([]*Action, error)
}
