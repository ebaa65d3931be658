package run

// Status is the lifecycle state of a run.
type Status string

const (
	// StatusPending means the run was accepted but not yet queued.
	StatusPending Status = "pending"
	// StatusQueued means a dispatch job exists and awaits a worker.
	StatusQueued Status = "queued"
	// StatusDiagnosing means the worker is analyzing the target page.
	StatusDiagnosing Status = "diagnosing"
	// StatusRunning means the worker is executing test steps.
	StatusRunning Status = "running"
	// StatusWaitingApproval means the run is parked until a human
	// approves continuation.
	StatusWaitingApproval Status = "waiting_approval"
	// StatusCompleted means the run finished successfully. Terminal.
	StatusCompleted Status = "completed"
	// StatusFailed means the run failed or timed out. Terminal.
	StatusFailed Status = "failed"
	// StatusCancelled means the run was cancelled by an operator. Terminal.
	StatusCancelled Status = "cancelled"
)

// transitions is the full set of legal status moves. A status never
// regresses; terminal statuses have no outgoing edges.
var transitions = map[Status][]Status{
	StatusPending:    {StatusQueued, StatusFailed, StatusCancelled},
	StatusQueued:     {StatusDiagnosing, StatusRunning, StatusFailed, StatusCancelled},
	StatusDiagnosing: {StatusRunning, StatusWaitingApproval, StatusCompleted, StatusFailed, StatusCancelled},
	StatusRunning:    {StatusDiagnosing, StatusWaitingApproval, StatusCompleted, StatusFailed, StatusCancelled},
	// waiting_approval → queued is the approval path: the run's
	// original parameters are re-submitted as a fresh dispatch job.
	StatusWaitingApproval: {StatusQueued, StatusFailed, StatusCancelled},
	StatusCompleted:       {},
	StatusFailed:          {},
	StatusCancelled:       {},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether the run is in flight (non-terminal).
func (s Status) Active() bool {
	return s.Valid() && !s.Terminal()
}

// CanTransition reports whether moving from → to is legal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Pausable reports whether the paused flag may be toggled in this
// status. Pausing does not change the status itself; the worker checks
// the flag before taking its next action.
func (s Status) Pausable() bool {
	return s == StatusRunning || s == StatusDiagnosing
}
