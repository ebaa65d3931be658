// Package reaper runs the periodic hygiene sweeps: timing out runs
// that stopped making progress and purging terminal jobs past their
// retention window.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	lattice "github.com/Richardson2512/testlattice-backend-sub001"
	"github.com/Richardson2512/testlattice-backend-sub001/dispatcher"
	"github.com/Richardson2512/testlattice-backend-sub001/run"
)

// Reaper schedules the sweeps on a cron runner. Both sweeps are
// idempotent, so multiple instances running them concurrently is safe:
// the run service re-checks stored status before timing anything out.
type Reaper struct {
	runs     *run.Service
	runStore run.Store
	dispatch *dispatcher.Dispatcher

	timeout  time.Duration
	schedule string
	cron     *cron.Cron
	logger   *slog.Logger
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reaper) { r.logger = l }
}

// WithSchedule overrides the sweep cadence (cron spec syntax).
func WithSchedule(spec string) Option {
	return func(r *Reaper) { r.schedule = spec }
}

// WithRunTimeout overrides how long a run may sit active untouched.
func WithRunTimeout(d time.Duration) Option {
	return func(r *Reaper) { r.timeout = d }
}

// New creates a reaper over the run service and dispatcher.
func New(runs *run.Service, runStore run.Store, dispatch *dispatcher.Dispatcher, opts ...Option) *Reaper {
	r := &Reaper{
		runs:     runs,
		runStore: runStore,
		dispatch: dispatch,
		timeout:  lattice.DefaultConfig().RunTimeout,
		schedule: "@every 1m",
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start registers the sweeps and starts the cron runner.
func (r *Reaper) Start(ctx context.Context) error {
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(r.schedule, func() { r.Sweep(ctx) }); err != nil {
		return fmt.Errorf("reaper: schedule %q: %w", r.schedule, err)
	}
	r.cron.Start()
	return nil
}

// Stop halts the cron runner and waits for an in-flight sweep.
func (r *Reaper) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}

// Sweep runs both sweeps once. Exposed so tests and operators can
// trigger it without waiting for the schedule.
func (r *Reaper) Sweep(ctx context.Context) {
	r.sweepStaleRuns(ctx)
	r.purgeJobs(ctx)
}

func (r *Reaper) sweepStaleRuns(ctx context.Context) {
	stale, err := r.runStore.ListStaleRuns(ctx, r.timeout)
	if err != nil {
		r.logger.Warn("stale run listing failed", slog.String("error", err.Error()))
		return
	}

	for _, rn := range stale {
		reason := fmt.Sprintf("timed out after %s without progress", r.timeout)
		if _, err := r.runs.Timeout(ctx, rn.ID, reason); err != nil {
			// A run completing between the listing and the timeout is
			// the race the stored-status re-check exists for.
			if errors.Is(err, lattice.ErrNotAllowed) || errors.Is(err, lattice.ErrRunNotFound) {
				continue
			}
			r.logger.Warn("run timeout failed",
				slog.String("run_id", rn.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		r.logger.Info("run timed out",
			slog.String("run_id", rn.ID.String()),
			slog.Duration("timeout", r.timeout),
		)
	}
}

func (r *Reaper) purgeJobs(ctx context.Context) {
	n, err := r.dispatch.Purge(ctx)
	if err != nil {
		r.logger.Warn("job purge failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		r.logger.Info("purged expired jobs", slog.Int64("count", n))
	}
}
