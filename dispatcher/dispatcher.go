package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	lattice "github.com/Richardson2512/testlattice-backend-sub001"
	"github.com/Richardson2512/testlattice-backend-sub001/backoff"
	"github.com/Richardson2512/testlattice-backend-sub001/id"
	"github.com/Richardson2512/testlattice-backend-sub001/run"
)

// submitAttempts is how many times a queue write is retried before the
// submission hard-fails as broker unavailability.
const submitAttempts = 3

// Dispatcher turns accepted runs into queued jobs and applies the
// retry, backoff and retention policy when workers report back.
type Dispatcher struct {
	store Store
	bo    backoff.Strategy
	tiers map[string]int

	maxRetries      int
	guestMaxRetries int
	retention       time.Duration
	guestRetention  time.Duration

	// pacer throttles dequeues so a burst of workers cannot hammer the
	// store. One limiter per queue.
	pacer  map[string]*rate.Limiter
	logger *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBackoff sets the retry delay strategy.
func WithBackoff(bo backoff.Strategy) Option {
	return func(d *Dispatcher) { d.bo = bo }
}

// WithTierPriorities replaces the tier-to-priority mapping.
func WithTierPriorities(tiers map[string]int) Option {
	return func(d *Dispatcher) { d.tiers = tiers }
}

// WithRetryPolicy sets the attempt budgets.
func WithRetryPolicy(maxRetries, guestMaxRetries int) Option {
	return func(d *Dispatcher) {
		d.maxRetries = maxRetries
		d.guestMaxRetries = guestMaxRetries
	}
}

// WithRetention sets how long terminal jobs are kept before purge.
func WithRetention(retention, guestRetention time.Duration) Option {
	return func(d *Dispatcher) {
		d.retention = retention
		d.guestRetention = guestRetention
	}
}

// WithDequeueRate caps dequeue operations per second on a queue.
func WithDequeueRate(queue string, perSecond float64, burst int) Option {
	return func(d *Dispatcher) {
		d.pacer[queue] = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New creates a dispatcher over the given job store.
func New(store Store, opts ...Option) *Dispatcher {
	cfg := lattice.DefaultConfig()
	d := &Dispatcher{
		store:           store,
		bo:              backoff.DefaultStrategy(),
		tiers:           DefaultTierPriorities,
		maxRetries:      cfg.MaxRetries,
		guestMaxRetries: cfg.GuestMaxRetries,
		retention:       cfg.Retention,
		guestRetention:  cfg.GuestRetention,
		pacer:           make(map[string]*rate.Limiter),
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// priority resolves the queue and priority for a run's options.
func (d *Dispatcher) priority(opts run.Options) (queue string, prio int) {
	if opts.Guest {
		return QueueGuest, GuestPriority
	}
	if p, ok := d.tiers[opts.Tier]; ok {
		return QueueRuns, p
	}
	return QueueRuns, d.tiers["free"]
}

// build materializes the job set for a run: one job per engine in the
// matrix, sharing a parent key when there is more than one.
func (d *Dispatcher) build(r *run.Run, now time.Time) []*Job {
	queue, prio := d.priority(r.Options)
	maxRetries := d.maxRetries
	if r.Options.Guest {
		maxRetries = d.guestMaxRetries
	}

	var parent string
	if len(r.Options.Browsers) > 1 {
		parent = r.ID.String()
	}

	jobs := make([]*Job, 0, len(r.Options.Browsers))
	for _, engine := range r.Options.Browsers {
		j := &Job{
			ID:         id.NewJobID(),
			Key:        JobKey(r.ID, engine),
			ParentKey:  parent,
			RunID:      r.ID,
			Engine:     engine,
			Queue:      queue,
			Priority:   prio,
			Payload:    r.Options,
			State:      StatePending,
			MaxRetries: maxRetries,
			RunAt:      now,
		}
		j.CreatedAt = now
		j.UpdatedAt = now
		jobs = append(jobs, j)
	}
	return jobs
}

// Submit enqueues one job per engine in the run's browser matrix. A
// job whose key is already live is silently skipped, so submitting the
// same run twice queues nothing extra. Queue writes are retried; if
// the store stays unreachable the whole submission fails hard with
// ErrBrokerUnavailable so the caller can surface a clear error instead
// of acknowledging work that was never queued.
func (d *Dispatcher) Submit(ctx context.Context, r *run.Run) error {
	return d.submit(ctx, r, false)
}

// Resubmit implements run.Resubmitter: the approval path re-enqueues a
// run's original parameters. Duplicates are allowed because the key
// may still be held by the abandoned earlier attempt.
func (d *Dispatcher) Resubmit(ctx context.Context, r *run.Run) error {
	return d.submit(ctx, r, true)
}

func (d *Dispatcher) submit(ctx context.Context, r *run.Run, allowDuplicate bool) error {
	if len(r.Options.Browsers) == 0 {
		return fmt.Errorf("dispatcher: submit %s: empty browser matrix: %w", r.ID, lattice.ErrNotAllowed)
	}

	for _, j := range d.build(r, time.Now().UTC()) {
		if err := d.enqueue(ctx, j, allowDuplicate); err != nil {
			if errors.Is(err, lattice.ErrJobAlreadyExists) {
				d.logger.Debug("duplicate submit skipped",
					slog.String("job_key", j.Key),
				)
				continue
			}
			return fmt.Errorf("dispatcher: submit %s: %w", r.ID, err)
		}
		d.logger.Info("job queued",
			slog.String("job_id", j.ID.String()),
			slog.String("run_id", j.RunID.String()),
			slog.String("queue", j.Queue),
			slog.Int("priority", j.Priority),
		)
	}
	return nil
}

// enqueue writes one job, retrying transient store failures before
// giving up with ErrBrokerUnavailable.
func (d *Dispatcher) enqueue(ctx context.Context, j *Job, allowDuplicate bool) error {
	var last error
	for attempt := 0; attempt < submitAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.bo.Delay(attempt)):
			}
		}
		err := d.store.EnqueueJob(ctx, j, allowDuplicate)
		if err == nil || errors.Is(err, lattice.ErrJobAlreadyExists) {
			return err
		}
		last = err
		d.logger.Warn("enqueue attempt failed",
			slog.String("job_key", j.Key),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	return fmt.Errorf("%w: %v", lattice.ErrBrokerUnavailable, last)
}

// Dequeue claims up to limit due jobs from a queue for a worker,
// respecting the queue's dequeue rate limit when one is configured.
func (d *Dispatcher) Dequeue(ctx context.Context, queue string, limit int) ([]*Job, error) {
	if lim, ok := d.pacer[queue]; ok {
		if err := lim.Wait(ctx); err != nil {
			return nil, err
		}
	}
	jobs, err := d.store.DequeueJobs(ctx, queue, limit)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: dequeue %s: %w", queue, err)
	}
	return jobs, nil
}

// Complete marks a job done and stamps its retention deadline.
func (d *Dispatcher) Complete(ctx context.Context, jobID string) (*Job, error) {
	j, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.State.Terminal() {
		return nil, fmt.Errorf("dispatcher: complete %s in state %q: %w", jobID, j.State, lattice.ErrNotAllowed)
	}

	now := time.Now().UTC()
	expires := now.Add(d.retentionFor(j))
	j.State = StateCompleted
	j.CompletedAt = &now
	j.ExpiresAt = &expires
	j.UpdatedAt = now
	if err := d.store.UpdateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("dispatcher: complete %s: %w", jobID, err)
	}
	return j, nil
}

// Fail records a worker failure. Jobs with attempts left go back on
// the queue after a backoff delay; exhausted jobs become terminal and
// get a retention deadline.
func (d *Dispatcher) Fail(ctx context.Context, jobID, reason string) (*Job, error) {
	j, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.State.Terminal() {
		return nil, fmt.Errorf("dispatcher: fail %s in state %q: %w", jobID, j.State, lattice.ErrNotAllowed)
	}

	now := time.Now().UTC()
	j.Attempt++
	j.LastError = reason
	j.UpdatedAt = now

	if j.Attempt < j.MaxRetries {
		j.State = StateRetrying
		j.RunAt = now.Add(d.bo.Delay(j.Attempt))
		d.logger.Info("job retrying",
			slog.String("job_id", jobID),
			slog.Int("attempt", j.Attempt),
			slog.Time("run_at", j.RunAt),
		)
	} else {
		expires := now.Add(d.retentionFor(j))
		j.State = StateFailed
		j.CompletedAt = &now
		j.ExpiresAt = &expires
		d.logger.Warn("job failed permanently",
			slog.String("job_id", jobID),
			slog.Int("attempt", j.Attempt),
			slog.String("error", reason),
		)
	}

	if err := d.store.UpdateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("dispatcher: fail %s: %w", jobID, err)
	}
	return j, nil
}

func (d *Dispatcher) retentionFor(j *Job) time.Duration {
	if j.Queue == QueueGuest {
		return d.guestRetention
	}
	return d.retention
}

// Pending returns the number of non-terminal jobs on a queue.
func (d *Dispatcher) Pending(ctx context.Context, queue string) (int64, error) {
	return d.store.CountJobs(ctx, queue)
}

// Purge removes terminal jobs past their retention deadline.
func (d *Dispatcher) Purge(ctx context.Context) (int64, error) {
	return d.store.PurgeExpiredJobs(ctx, time.Now().UTC())
}
