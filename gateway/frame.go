// Package gateway exposes the control plane over HTTP and WebSocket.
// Viewers attach to a run's live channel over WebSocket; workers and
// the submission API use plain HTTP endpoints.
package gateway

import "fmt"

// FrameType identifies an inbound WebSocket frame from a viewer.
type FrameType string

const (
	// FramePause asks the control plane to pause the run.
	FramePause FrameType = "pause"
	// FrameResume asks the control plane to resume (or approve) the run.
	FrameResume FrameType = "resume"
	// FrameManualAction queues a God Mode intervention.
	FrameManualAction FrameType = "manual_action"
	// FramePing is an application-level keepalive answered with pong.
	FramePing FrameType = "ping"
)

// Frame is one inbound message on a viewer socket.
type Frame struct {
	Type FrameType `json:"type" msgpack:"type"`

	// Manual action fields, set when Type is manual_action.
	Kind     string `json:"kind,omitempty" msgpack:"kind,omitempty"`
	Selector string `json:"selector,omitempty" msgpack:"selector,omitempty"`
	Value    string `json:"value,omitempty" msgpack:"value,omitempty"`
}

// Validate rejects frames the protocol does not define. A malformed
// frame costs its sender an error event, nothing more.
func (f *Frame) Validate() error {
	switch f.Type {
	case FramePause, FrameResume, FramePing:
		return nil
	case FrameManualAction:
		if f.Kind == "" {
			return fmt.Errorf("gateway: manual_action frame missing kind")
		}
		return nil
	default:
		return fmt.Errorf("gateway: unknown frame type %q", f.Type)
	}
}
