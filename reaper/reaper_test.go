package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	lattice "github.com/Richardson2512/testlattice-backend-sub001"
	"github.com/Richardson2512/testlattice-backend-sub001/dispatcher"
	"github.com/Richardson2512/testlattice-backend-sub001/id"
	"github.com/Richardson2512/testlattice-backend-sub001/run"
	"github.com/Richardson2512/testlattice-backend-sub001/store/memory"
)

// staleRunStore serves a fixed stale set and records updates.
type staleRunStore struct {
	mu    sync.Mutex
	runs  map[string]*run.Run
	stale []*run.Run
}

func newStaleRunStore() *staleRunStore {
	return &staleRunStore{runs: make(map[string]*run.Run)}
}

func (s *staleRunStore) add(r *run.Run, isStale bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID.String()] = r
	if isStale {
		s.stale = append(s.stale, r)
	}
}

func (s *staleRunStore) GetRun(_ context.Context, runID id.RunID) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID.String()]
	if !ok {
		return nil, lattice.ErrRunNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *staleRunStore) UpdateRun(_ context.Context, runID id.RunID, patch run.Patch) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID.String()]
	if !ok {
		return nil, lattice.ErrRunNotFound
	}
	if patch.Status != nil {
		r.Status = *patch.Status
	}
	if patch.FailureReason != nil {
		r.FailureReason = *patch.FailureReason
	}
	if patch.CompletedAt != nil {
		r.CompletedAt = patch.CompletedAt
	}
	cp := *r
	return &cp, nil
}

func (s *staleRunStore) ListArtifacts(context.Context, id.RunID) ([]*run.Artifact, error) {
	return nil, nil
}

func (s *staleRunStore) ListStaleRuns(context.Context, time.Duration) ([]*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*run.Run, len(s.stale))
	copy(out, s.stale)
	return out, nil
}

type nopResubmitter struct{}

func (nopResubmitter) Resubmit(context.Context, *run.Run) error { return nil }

func TestSweepTimesOutStaleRuns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStaleRunStore()
	runs := run.NewService(store, nopResubmitter{})
	disp := dispatcher.New(memory.New())

	stale := &run.Run{ID: id.NewRunID(), Status: run.StatusRunning}
	store.add(stale, true)
	healthy := &run.Run{ID: id.NewRunID(), Status: run.StatusRunning}
	store.add(healthy, false)

	New(runs, store, disp, WithRunTimeout(30*time.Minute)).Sweep(ctx)

	got, err := store.GetRun(ctx, stale.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != run.StatusFailed {
		t.Fatalf("stale run status = %q, want failed", got.Status)
	}
	if got.FailureReason == "" {
		t.Fatal("stale run has no failure reason")
	}

	got, err = store.GetRun(ctx, healthy.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != run.StatusRunning {
		t.Fatalf("healthy run status = %q, want running", got.Status)
	}
}

func TestSweepSkipsTerminalRuns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStaleRunStore()
	runs := run.NewService(store, nopResubmitter{})
	disp := dispatcher.New(memory.New())

	// Listed as stale but already completed: the stored-status re-check
	// must leave it untouched.
	done := &run.Run{ID: id.NewRunID(), Status: run.StatusCompleted}
	store.add(done, true)

	New(runs, store, disp).Sweep(ctx)

	got, err := store.GetRun(ctx, done.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != run.StatusCompleted {
		t.Fatalf("terminal run status = %q, want completed", got.Status)
	}
}

func TestSweepPurgesExpiredJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := memory.New()
	disp := dispatcher.New(backend, dispatcher.WithRetention(-time.Minute, -time.Minute))
	store := newStaleRunStore()
	runs := run.NewService(store, disp)

	r := &run.Run{
		ID:     id.NewRunID(),
		Status: run.StatusPending,
		Options: run.Options{
			Browsers: []run.Engine{run.EngineChromium},
			Tier:     "free",
		},
	}
	if err := disp.Submit(ctx, r); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	jobs, err := disp.Dequeue(ctx, dispatcher.QueueRuns, 1)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("Dequeue: %v (%d jobs)", err, len(jobs))
	}
	if _, err := disp.Complete(ctx, jobs[0].ID.String()); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	New(runs, store, disp).Sweep(ctx)

	n, err := backend.CountJobs(ctx, dispatcher.QueueRuns)
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if n != 0 {
		t.Fatalf("jobs after purge = %d, want 0", n)
	}
}
