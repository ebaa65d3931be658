// Package broadcast fans events out to every viewer of a run across
// all server instances. A publish delivers to local sockets directly
// and pushes an envelope through the shared broker; subscribers
// deliver broker envelopes to their local sockets only, discarding
// envelopes that carry their own origin id.
package broadcast

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/Richardson2512/testlattice-backend-sub001/id"
)

// Sink delivers an event to the sockets a single instance holds for a
// run. Implemented by the presence registry.
type Sink interface {
	// Deliver sends the event to every local socket attached to the
	// run and returns how many sockets received it. Sockets that have
	// already closed are skipped, not errors.
	Deliver(runID id.RunID, evt *Event) int
}

// Router is the broadcast router for one server instance.
type Router struct {
	origin id.InstanceID
	bus    Bus
	local  Sink
	logger *slog.Logger

	published  atomic.Int64
	delivered  atomic.Int64
	suppressed atomic.Int64
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// NewRouter creates a router publishing under the given origin id.
func NewRouter(origin id.InstanceID, bus Bus, local Sink, opts ...Option) *Router {
	r := &Router{
		origin: origin,
		bus:    bus,
		local:  local,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Origin returns the instance id this router publishes under.
func (r *Router) Origin() id.InstanceID { return r.origin }

// Publish delivers evt to every local socket for the run, then pushes
// an envelope to the shared broker so every other instance delivers it
// too. The broker publish happens regardless of local delivery so the
// fleet stays consistent even when the origin has no local viewers.
//
// Broker failures are logged and swallowed: losing live-update
// delivery is recoverable (viewers re-sync from persisted state on
// reconnect), so broadcast degrades rather than fails.
func (r *Router) Publish(ctx context.Context, runID id.RunID, evt *Event) {
	n := r.local.Deliver(runID, evt)
	r.delivered.Add(int64(n))

	env := &Envelope{RunID: runID.String(), Origin: r.origin, Event: evt}
	if err := r.bus.PublishEnvelope(ctx, env); err != nil {
		r.logger.Warn("broadcast publish failed",
			slog.String("run_id", runID.String()),
			slog.String("kind", string(evt.Kind)),
			slog.String("error", err.Error()),
		)
		return
	}
	r.published.Add(1)
}

// Run subscribes to the broadcast topic and delivers incoming
// envelopes until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	return r.bus.SubscribeEnvelopes(ctx, r.onEnvelope)
}

// onEnvelope handles one envelope from the broker. Envelopes carrying
// our own origin were already delivered locally in Publish and are
// discarded here; re-delivering them would double every event for
// local viewers.
func (r *Router) onEnvelope(env *Envelope) {
	if env.Origin == r.origin {
		r.suppressed.Add(1)
		return
	}
	runID, err := id.ParseRunID(env.RunID)
	if err != nil {
		r.logger.Warn("broadcast envelope with bad run id", slog.String("run_id", env.RunID))
		return
	}
	n := r.local.Deliver(runID, env.Event)
	r.delivered.Add(int64(n))
}

// Stats returns router counters.
func (r *Router) Stats() Stats {
	return Stats{
		Published:  r.published.Load(),
		Delivered:  r.delivered.Load(),
		Suppressed: r.suppressed.Load(),
	}
}

// Stats contains router counters.
type Stats struct {
	Published  int64 `json:"published"`
	Delivered  int64 `json:"delivered"`
	Suppressed int64 `json:"suppressed"`
}
