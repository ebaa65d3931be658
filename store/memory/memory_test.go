package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	lattice "github.com/Richardson2512/testlattice-backend-sub001"
	"github.com/Richardson2512/testlattice-backend-sub001/action"
	"github.com/Richardson2512/testlattice-backend-sub001/broadcast"
	"github.com/Richardson2512/testlattice-backend-sub001/dispatcher"
	"github.com/Richardson2512/testlattice-backend-sub001/id"
	"github.com/Richardson2512/testlattice-backend-sub001/presence"
	"github.com/Richardson2512/testlattice-backend-sub001/run"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func record(runID id.RunID) *presence.Record {
	return &presence.Record{
		RunID:       runID,
		ViewerID:    id.NewViewerID(),
		InstanceID:  id.NewInstanceID(),
		ConnectedAt: time.Now().UTC(),
	}
}

func TestPresenceTTLExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	s := New(WithClock(clock.Now))
	runID := id.NewRunID()

	if err := s.PutPresence(ctx, record(runID), 300*time.Second); err != nil {
		t.Fatalf("PutPresence: %v", err)
	}

	recs, err := s.ListPresence(ctx, runID)
	if err != nil {
		t.Fatalf("ListPresence: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records before expiry = %d, want 1", len(recs))
	}

	clock.Advance(301 * time.Second)
	recs, err = s.ListPresence(ctx, runID)
	if err != nil {
		t.Fatalf("ListPresence after expiry: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("records after expiry = %d, want 0", len(recs))
	}
}

func TestPresenceRefreshExtendsTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	s := New(WithClock(clock.Now))
	runID := id.NewRunID()
	rec := record(runID)

	if err := s.PutPresence(ctx, rec, 300*time.Second); err != nil {
		t.Fatalf("PutPresence: %v", err)
	}
	clock.Advance(250 * time.Second)
	if err := s.RefreshPresence(ctx, rec, 300*time.Second); err != nil {
		t.Fatalf("RefreshPresence: %v", err)
	}
	clock.Advance(250 * time.Second)

	recs, err := s.ListPresence(ctx, runID)
	if err != nil {
		t.Fatalf("ListPresence: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("refreshed record expired, records = %d, want 1", len(recs))
	}
}

func TestPresenceCounts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	runA := id.NewRunID()
	runB := id.NewRunID()

	for _, runID := range []id.RunID{runA, runA, runB} {
		if err := s.PutPresence(ctx, record(runID), time.Minute); err != nil {
			t.Fatalf("PutPresence: %v", err)
		}
	}

	total, err := s.CountPresence(ctx)
	if err != nil {
		t.Fatalf("CountPresence: %v", err)
	}
	if total != 3 {
		t.Fatalf("CountPresence = %d, want 3", total)
	}
	runs, err := s.CountPresenceRuns(ctx)
	if err != nil {
		t.Fatalf("CountPresenceRuns: %v", err)
	}
	if runs != 2 {
		t.Fatalf("CountPresenceRuns = %d, want 2", runs)
	}
}

func TestBusFanOut(t *testing.T) {
	t.Parallel()
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []*broadcast.Envelope
	ready := make(chan struct{})
	go func() {
		close(ready)
		_ = s.SubscribeEnvelopes(ctx, func(env *broadcast.Envelope) { //nolint:errcheck // returns ctx.Err on cancel
			mu.Lock()
			got = append(got, env)
			mu.Unlock()
		})
	}()
	<-ready
	// Subscription registers inside SubscribeEnvelopes after the
	// goroutine starts; poll until the publish lands.
	runID := id.NewRunID()
	env := &broadcast.Envelope{
		RunID:  runID.String(),
		Origin: id.NewInstanceID(),
		Event:  broadcast.NewEvent(broadcast.KindTestStep, runID.String(), nil),
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := s.PublishEnvelope(context.Background(), env); err != nil {
			t.Fatalf("PublishEnvelope: %v", err)
		}
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscriber never received the envelope")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestActionQueueTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	s := New(WithClock(clock.Now))
	runID := id.NewRunID()

	act := &action.Action{
		ID:          id.NewActionID(),
		RunID:       runID,
		Kind:        action.KindClick,
		Selector:    "#go",
		SubmittedAt: clock.Now(),
	}
	if err := s.AppendAction(ctx, act, time.Hour); err != nil {
		t.Fatalf("AppendAction: %v", err)
	}

	clock.Advance(2 * time.Hour)
	acts, err := s.DrainActions(ctx, runID)
	if err != nil {
		t.Fatalf("DrainActions: %v", err)
	}
	if len(acts) != 0 {
		t.Fatalf("drained %d expired actions, want 0", len(acts))
	}
}

func TestDrainActionsAtomic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	runID := id.NewRunID()

	for i := 0; i < 3; i++ {
		act := &action.Action{
			ID:          id.NewActionID(),
			RunID:       runID,
			Kind:        action.KindScroll,
			SubmittedAt: time.Now().UTC(),
		}
		if err := s.AppendAction(ctx, act, time.Hour); err != nil {
			t.Fatalf("AppendAction: %v", err)
		}
	}

	first, err := s.DrainActions(ctx, runID)
	if err != nil {
		t.Fatalf("first DrainActions: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("first drain = %d actions, want 3", len(first))
	}
	second, err := s.DrainActions(ctx, runID)
	if err != nil {
		t.Fatalf("second DrainActions: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("second drain = %d actions, want 0", len(second))
	}
}

func newJob(queue string, priority int, runAt time.Time) *dispatcher.Job {
	runID := id.NewRunID()
	return &dispatcher.Job{
		ID:         id.NewJobID(),
		Key:        dispatcher.JobKey(runID, run.EngineChromium),
		RunID:      runID,
		Engine:     run.EngineChromium,
		Queue:      queue,
		Priority:   priority,
		State:      dispatcher.StatePending,
		MaxRetries: 3,
		RunAt:      runAt,
	}
}

func TestEnqueueJobDedup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	j := newJob(dispatcher.QueueRuns, 10, time.Now().UTC())

	if err := s.EnqueueJob(ctx, j, false); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	dup := *j
	dup.ID = id.NewJobID()
	if err := s.EnqueueJob(ctx, &dup, false); !errors.Is(err, lattice.ErrJobAlreadyExists) {
		t.Fatalf("duplicate enqueue err = %v, want ErrJobAlreadyExists", err)
	}
	if err := s.EnqueueJob(ctx, &dup, true); err != nil {
		t.Fatalf("allowDuplicate enqueue: %v", err)
	}
}

func TestDedupKeyReleasedWhenTerminal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	s := New(WithClock(clock.Now))
	j := newJob(dispatcher.QueueRuns, 10, clock.Now())

	if err := s.EnqueueJob(ctx, j, false); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	j.State = dispatcher.StateCompleted
	if err := s.UpdateJob(ctx, j); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	fresh := *j
	fresh.ID = id.NewJobID()
	fresh.State = dispatcher.StatePending
	if err := s.EnqueueJob(ctx, &fresh, false); err != nil {
		t.Fatalf("enqueue after terminal: %v", err)
	}
}

func TestDequeueOrdering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	s := New(WithClock(clock.Now))

	low := newJob(dispatcher.QueueRuns, 10, clock.Now())
	high := newJob(dispatcher.QueueRuns, 100, clock.Now().Add(time.Second))
	future := newJob(dispatcher.QueueRuns, 200, clock.Now().Add(time.Hour))
	for _, j := range []*dispatcher.Job{low, high, future} {
		if err := s.EnqueueJob(ctx, j, false); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}
	clock.Advance(2 * time.Second)

	jobs, err := s.DequeueJobs(ctx, dispatcher.QueueRuns, 10)
	if err != nil {
		t.Fatalf("DequeueJobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("dequeued %d jobs, want 2 (future job not due)", len(jobs))
	}
	if jobs[0].ID != high.ID {
		t.Fatal("higher priority job not dequeued first")
	}
	if jobs[0].State != dispatcher.StateRunning || jobs[0].StartedAt == nil {
		t.Fatal("claimed job not marked running")
	}
}

func TestDequeueServesDueJobsPastBackoff(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	s := New(WithClock(clock.Now))

	// A high-priority retry waiting out its backoff must not starve
	// due lower-priority jobs behind it.
	retrying := newJob(dispatcher.QueueRuns, 100, clock.Now().Add(2*time.Minute))
	retrying.State = dispatcher.StateRetrying
	due := newJob(dispatcher.QueueRuns, 10, clock.Now())
	for _, j := range []*dispatcher.Job{retrying, due} {
		if err := s.EnqueueJob(ctx, j, false); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}

	jobs, err := s.DequeueJobs(ctx, dispatcher.QueueRuns, 10)
	if err != nil {
		t.Fatalf("DequeueJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != due.ID {
		t.Fatalf("dequeued %d jobs, want only the due low-priority job", len(jobs))
	}

	// Once the backoff elapses the retry takes priority again.
	clock.Advance(3 * time.Minute)
	jobs, err = s.DequeueJobs(ctx, dispatcher.QueueRuns, 10)
	if err != nil {
		t.Fatalf("DequeueJobs after backoff: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != retrying.ID {
		t.Fatalf("dequeued %d jobs, want the recovered retry", len(jobs))
	}
}

func TestDequeueQueueIsolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	if err := s.EnqueueJob(ctx, newJob(dispatcher.QueueGuest, 0, time.Now().UTC()), false); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	jobs, err := s.DequeueJobs(ctx, dispatcher.QueueRuns, 10)
	if err != nil {
		t.Fatalf("DequeueJobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("guest job leaked into %s queue", dispatcher.QueueRuns)
	}
}

func TestClosedStore(t *testing.T) {
	t.Parallel()
	s := New()
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Ping(context.Background()); !errors.Is(err, lattice.ErrStoreClosed) {
		t.Fatalf("Ping after close = %v, want ErrStoreClosed", err)
	}
	if _, err := s.DrainActions(context.Background(), id.NewRunID()); !errors.Is(err, lattice.ErrStoreClosed) {
		t.Fatalf("DrainActions after close = %v, want ErrStoreClosed", err)
	}
}
