// Package engine assembles the control plane: the presence registry,
// broadcast router, run lifecycle service, manual action queue,
// dispatcher and reaper, wired over one shared store backend.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	lattice "github.com/Richardson2512/testlattice-backend-sub001"
	"github.com/Richardson2512/testlattice-backend-sub001/action"
	"github.com/Richardson2512/testlattice-backend-sub001/broadcast"
	"github.com/Richardson2512/testlattice-backend-sub001/dispatcher"
	"github.com/Richardson2512/testlattice-backend-sub001/gateway"
	"github.com/Richardson2512/testlattice-backend-sub001/id"
	"github.com/Richardson2512/testlattice-backend-sub001/presence"
	"github.com/Richardson2512/testlattice-backend-sub001/reaper"
	"github.com/Richardson2512/testlattice-backend-sub001/run"
	"github.com/Richardson2512/testlattice-backend-sub001/store"
)

// ControlPlane is one server instance of the test control plane.
type ControlPlane struct {
	cfg      lattice.Config
	instance id.InstanceID
	backend  store.Store
	logger   *slog.Logger

	registry *presence.Registry
	router   *broadcast.Router
	dispatch *dispatcher.Dispatcher
	runs     *run.Service
	actions  *action.Service
	sweeper  *reaper.Reaper
	gw       *gateway.Server

	cancel context.CancelFunc
	group  *errgroup.Group
}

// Option configures a ControlPlane.
type Option func(*ControlPlane)

// WithLogger sets the logger inherited by every subsystem.
func WithLogger(l *slog.Logger) Option {
	return func(cp *ControlPlane) { cp.logger = l }
}

// WithConfig replaces the default timing and retry configuration.
func WithConfig(cfg lattice.Config) Option {
	return func(cp *ControlPlane) { cp.cfg = cfg }
}

// New wires a control plane instance over the shared backend and the
// external run persistence collaborator. Each instance gets a fresh
// origin id; two instances sharing a backend form a fleet.
func New(backend store.Store, runStore run.Store, opts ...Option) *ControlPlane {
	cp := &ControlPlane{
		cfg:      lattice.DefaultConfig(),
		instance: id.NewInstanceID(),
		backend:  backend,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(cp)
	}

	cp.registry = presence.NewRegistry(cp.instance, backend,
		presence.WithTTL(cp.cfg.PresenceTTL),
		presence.WithHeartbeatInterval(cp.cfg.HeartbeatInterval),
		presence.WithLogger(cp.logger),
	)
	cp.router = broadcast.NewRouter(cp.instance, backend, cp.registry,
		broadcast.WithLogger(cp.logger),
	)
	dispatchOpts := []dispatcher.Option{
		dispatcher.WithRetryPolicy(cp.cfg.MaxRetries, cp.cfg.GuestMaxRetries),
		dispatcher.WithRetention(cp.cfg.Retention, cp.cfg.GuestRetention),
		dispatcher.WithLogger(cp.logger),
	}
	if cp.cfg.DequeueRate > 0 {
		dispatchOpts = append(dispatchOpts,
			dispatcher.WithDequeueRate(dispatcher.QueueRuns, cp.cfg.DequeueRate, cp.cfg.DequeueBurst))
	}
	if cp.cfg.GuestDequeueRate > 0 {
		dispatchOpts = append(dispatchOpts,
			dispatcher.WithDequeueRate(dispatcher.QueueGuest, cp.cfg.GuestDequeueRate, cp.cfg.DequeueBurst))
	}
	cp.dispatch = dispatcher.New(backend, dispatchOpts...)
	cp.runs = run.NewService(runStore, cp.dispatch,
		run.WithPublisher(cp.router),
		run.WithLogger(cp.logger),
	)
	cp.actions = action.NewService(backend,
		action.WithPublisher(cp.router),
		action.WithTTL(cp.cfg.ActionTTL),
		action.WithLogger(cp.logger),
	)
	cp.sweeper = reaper.New(cp.runs, runStore, cp.dispatch,
		reaper.WithRunTimeout(cp.cfg.RunTimeout),
		reaper.WithLogger(cp.logger),
	)
	return cp
}

// Start brings up the broadcast subscription, the presence heartbeat
// and the reaper. It returns once everything is running; failures
// after startup surface from Stop.
func (cp *ControlPlane) Start(ctx context.Context) error {
	if err := cp.backend.Ping(ctx); err != nil {
		return fmt.Errorf("engine: backend unreachable: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	cp.cancel = cancel
	cp.group, runCtx = errgroup.WithContext(runCtx)

	cp.group.Go(func() error {
		return cp.router.Run(runCtx)
	})
	cp.group.Go(func() error {
		return cp.registry.Heartbeat(runCtx)
	})
	if err := cp.sweeper.Start(runCtx); err != nil {
		cancel()
		return err
	}

	cp.gw = gateway.NewServer(cp.runs, cp.actions, cp.registry, cp.dispatch, cp.backend,
		gateway.WithLogger(cp.logger),
		gateway.WithBaseContext(runCtx),
	)

	cp.logger.Info("control plane started",
		slog.String("instance_id", cp.instance.String()),
	)
	return nil
}

// Stop shuts the instance down: stops the sweeps, closes every local
// viewer socket and waits for the background loops, bounded by the
// configured shutdown timeout.
func (cp *ControlPlane) Stop() error {
	if cp.cancel == nil {
		return nil
	}
	cp.sweeper.Stop()

	closeCtx, cancel := context.WithTimeout(context.Background(), cp.cfg.ShutdownTimeout)
	defer cancel()
	cp.registry.CloseAll(closeCtx)

	cp.cancel()

	done := make(chan error, 1)
	go func() { done <- cp.group.Wait() }()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	case <-time.After(cp.cfg.ShutdownTimeout):
		return fmt.Errorf("engine: shutdown timed out after %s", cp.cfg.ShutdownTimeout)
	}

	cp.logger.Info("control plane stopped",
		slog.String("instance_id", cp.instance.String()),
	)
	return nil
}

// Handler returns the HTTP surface of this instance. Valid after
// Start.
func (cp *ControlPlane) Handler() http.Handler { return cp.gw.Handler() }

// Instance returns this instance's origin id.
func (cp *ControlPlane) Instance() id.InstanceID { return cp.instance }

// Runs returns the run lifecycle service.
func (cp *ControlPlane) Runs() *run.Service { return cp.runs }

// Actions returns the manual action service.
func (cp *ControlPlane) Actions() *action.Service { return cp.actions }

// Dispatcher returns the job dispatcher.
func (cp *ControlPlane) Dispatcher() *dispatcher.Dispatcher { return cp.dispatch }

// Registry returns the local presence registry.
func (cp *ControlPlane) Registry() *presence.Registry { return cp.registry }

// Router returns the broadcast router.
func (cp *ControlPlane) Router() *broadcast.Router { return cp.router }

// Stats is an instance-level operational snapshot.
type Stats struct {
	LocalConnections  int             `json:"local_connections"`
	GlobalConnections int64           `json:"global_connections"`
	ActiveRuns        int64           `json:"active_runs"`
	Broadcast         broadcast.Stats `json:"broadcast"`
}

// Stats reports local counts from the registry and fleet-wide counts
// from the shared store. Store failures degrade the global numbers to
// zero; the local ones never depend on the store.
func (cp *ControlPlane) Stats(ctx context.Context) Stats {
	st := Stats{
		LocalConnections: cp.registry.LocalCount(),
		Broadcast:        cp.router.Stats(),
	}
	if n, err := cp.backend.CountPresence(ctx); err == nil {
		st.GlobalConnections = n
	} else {
		cp.logger.Warn("global connection count unavailable", slog.String("error", err.Error()))
	}
	if n, err := cp.backend.CountPresenceRuns(ctx); err == nil {
		st.ActiveRuns = n
	}
	return st
}
