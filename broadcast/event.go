package broadcast

import (
	"encoding/json"
	"time"
)

// Kind categorizes an event delivered to viewers.
type Kind string

// Event kinds sent to attached viewers.
const (
	// KindConnected confirms a viewer's attachment to a run.
	KindConnected Kind = "connected"
	// KindActionQueued acknowledges a manual action entering the queue.
	KindActionQueued Kind = "action_queued"
	// KindPauseRequested tells viewers an operator asked the run to pause.
	KindPauseRequested Kind = "pause_requested"
	// KindResumeRequested tells viewers an operator asked the run to resume.
	KindResumeRequested Kind = "resume_requested"
	// KindTestStatus carries a run status change.
	KindTestStatus Kind = "test_status"
	// KindTestStep carries a completed test step.
	KindTestStep Kind = "test_step"
	// KindAIStuck signals the AI planner needs operator help.
	KindAIStuck Kind = "ai_stuck"
	// KindPageState carries a page snapshot for God Mode rendering.
	KindPageState Kind = "page_state"
	// KindPong answers a viewer ping.
	KindPong Kind = "pong"
	// KindError reports a per-socket protocol error.
	KindError Kind = "error"
)

// Event is a single message fanned out to every viewer attached to a
// run. Events are transient: delivered at most once per publish per
// socket, never persisted.
//
// Cross-instance delivery order is not guaranteed. Step events carry a
// monotonically increasing Step so consumers can drop stale or
// duplicate renders.
type Event struct {
	Kind  Kind            `json:"kind" msgpack:"kind"`
	RunID string          `json:"run_id" msgpack:"run_id"`
	Step  int             `json:"step,omitempty" msgpack:"step,omitempty"`
	Data  json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`
	At    time.Time       `json:"ts" msgpack:"ts"`
}

// NewEvent creates an event for a run with a marshaled payload.
// It panics if data cannot be marshaled (programming error).
func NewEvent(kind Kind, runID string, data any) *Event {
	evt := &Event{
		Kind:  kind,
		RunID: runID,
		At:    time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			panic("broadcast: marshal event data: " + err.Error())
		}
		evt.Data = raw
	}
	return evt
}
