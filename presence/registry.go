package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Richardson2512/testlattice-backend-sub001/broadcast"
	"github.com/Richardson2512/testlattice-backend-sub001/id"
)

// Handle references one attached connection. Returned by Attach and
// required by Detach. A handle is invalid after Detach.
type Handle struct {
	Record Record
	sock   Socket
}

// Registry is the per-instance connection table, keyed by run id.
// Only process-local synchronization is needed: no other instance
// touches this table, and cross-instance visibility goes through the
// presence Store only.
type Registry struct {
	instance id.InstanceID
	store    Store
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger

	mu    sync.RWMutex
	conns map[string]map[string]*Handle // runID → viewerID → handle
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithTTL sets the presence record TTL.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.ttl = ttl }
}

// WithHeartbeatInterval sets how often records are refreshed and
// sockets pinged.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(r *Registry) { r.interval = d }
}

// NewRegistry creates a registry for one server instance.
func NewRegistry(instance id.InstanceID, store Store, opts ...Option) *Registry {
	r := &Registry{
		instance: instance,
		store:    store,
		ttl:      300 * time.Second,
		interval: 30 * time.Second,
		logger:   slog.Default(),
		conns:    make(map[string]map[string]*Handle),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Instance returns the owning instance id.
func (r *Registry) Instance() id.InstanceID { return r.instance }

// Attach registers a local socket for a run and mirrors a presence
// record into the shared store. The mirror write is best-effort: a
// store outage degrades cross-instance visibility but never refuses
// the viewer (the next heartbeat heals the mirror).
func (r *Registry) Attach(ctx context.Context, runID id.RunID, sock Socket) *Handle {
	h := &Handle{
		Record: Record{
			RunID:       runID,
			ViewerID:    id.NewViewerID(),
			InstanceID:  r.instance,
			ConnectedAt: time.Now().UTC(),
		},
		sock: sock,
	}

	r.mu.Lock()
	viewers, ok := r.conns[runID.String()]
	if !ok {
		viewers = make(map[string]*Handle)
		r.conns[runID.String()] = viewers
	}
	viewers[h.Record.ViewerID.String()] = h
	r.mu.Unlock()

	if err := r.store.PutPresence(ctx, &h.Record, r.ttl); err != nil {
		r.logger.Warn("presence mirror write failed",
			slog.String("run_id", runID.String()),
			slog.String("error", err.Error()),
		)
	}
	return h
}

// Detach removes the local entry and deletes the mirrored record.
// The delete is best-effort: if it fails the record expires at the
// TTL horizon anyway.
func (r *Registry) Detach(ctx context.Context, h *Handle) {
	r.mu.Lock()
	runKey := h.Record.RunID.String()
	if viewers, ok := r.conns[runKey]; ok {
		delete(viewers, h.Record.ViewerID.String())
		if len(viewers) == 0 {
			delete(r.conns, runKey)
		}
	}
	r.mu.Unlock()

	if err := r.store.DeletePresence(ctx, h.Record.RunID, h.Record.ViewerID); err != nil {
		r.logger.Warn("presence mirror delete failed",
			slog.String("run_id", runKey),
			slog.String("error", err.Error()),
		)
	}
}

// IsLive reports whether any instance currently has a viewer attached
// to the run, by scanning presence records in the shared store. It is
// correct even when this instance holds no local sockets for the run.
func (r *Registry) IsLive(ctx context.Context, runID id.RunID) (bool, error) {
	recs, err := r.store.ListPresence(ctx, runID)
	if err != nil {
		return false, err
	}
	return len(recs) > 0, nil
}

// Deliver implements broadcast.Sink: it sends evt to every local
// socket attached to the run. Send errors mean the socket closed
// mid-broadcast; those sockets are skipped and the broadcast continues.
func (r *Registry) Deliver(runID id.RunID, evt *broadcast.Event) int {
	r.mu.RLock()
	viewers := r.conns[runID.String()]
	targets := make([]*Handle, 0, len(viewers))
	for _, h := range viewers {
		targets = append(targets, h)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, h := range targets {
		if err := h.sock.SendEvent(evt); err != nil {
			continue
		}
		delivered++
	}
	return delivered
}

// Heartbeat refreshes every local connection's presence record and
// pings its viewer, every interval, until ctx is cancelled. Sockets
// whose ping fails are detached; store refresh failures are logged and
// retried next tick.
func (r *Registry) Heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.beat(ctx)
		}
	}
}

func (r *Registry) beat(ctx context.Context) {
	r.mu.RLock()
	targets := make([]*Handle, 0, len(r.conns))
	for _, viewers := range r.conns {
		for _, h := range viewers {
			targets = append(targets, h)
		}
	}
	r.mu.RUnlock()

	for _, h := range targets {
		if err := r.store.RefreshPresence(ctx, &h.Record, r.ttl); err != nil {
			r.logger.Warn("presence refresh failed",
				slog.String("viewer_id", h.Record.ViewerID.String()),
				slog.String("error", err.Error()),
			)
		}
		if err := h.sock.Ping(); err != nil {
			r.logger.Info("viewer ping failed, detaching",
				slog.String("viewer_id", h.Record.ViewerID.String()),
			)
			r.Detach(ctx, h)
		}
	}
}

// LocalCount returns the number of sockets this instance holds.
func (r *Registry) LocalCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, viewers := range r.conns {
		n += len(viewers)
	}
	return n
}

// LocalRunCount returns how many sockets this instance holds for one run.
func (r *Registry) LocalRunCount(runID id.RunID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[runID.String()])
}

// CloseAll detaches every local connection and closes its socket.
// Used on graceful shutdown.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	targets := make([]*Handle, 0, len(r.conns))
	for _, viewers := range r.conns {
		for _, h := range viewers {
			targets = append(targets, h)
		}
	}
	r.conns = make(map[string]map[string]*Handle)
	r.mu.Unlock()

	for _, h := range targets {
		if err := r.store.DeletePresence(ctx, h.Record.RunID, h.Record.ViewerID); err != nil {
			r.logger.Warn("presence mirror delete failed",
				slog.String("viewer_id", h.Record.ViewerID.String()),
				slog.String("error", err.Error()),
			)
		}
		_ = h.sock.Close() //nolint:errcheck // socket may already be gone
	}
}
