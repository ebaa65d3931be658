// Package memory provides an in-memory Store for tests and
// single-instance development. TTL semantics match the Redis backend:
// records expire lazily against an injectable clock, so expiry
// behavior is testable without sleeping.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	lattice "github.com/Richardson2512/testlattice-backend-sub001"
	"github.com/Richardson2512/testlattice-backend-sub001/action"
	"github.com/Richardson2512/testlattice-backend-sub001/broadcast"
	"github.com/Richardson2512/testlattice-backend-sub001/dispatcher"
	"github.com/Richardson2512/testlattice-backend-sub001/id"
	"github.com/Richardson2512/testlattice-backend-sub001/presence"
)

type presenceEntry struct {
	rec      presence.Record
	deadline time.Time
}

type actionQueue struct {
	items    []*action.Action
	deadline time.Time
}

// Store is the in-memory backend. All methods are safe for concurrent
// use. The zero value is not usable; call New.
type Store struct {
	mu     sync.Mutex
	closed bool
	clock  func() time.Time

	presence map[string]*presenceEntry // runID/viewerID → entry
	actions  map[string]*actionQueue   // runID → queue
	jobs     map[string]*dispatcher.Job

	subSeq int
	subs   map[int]func(*broadcast.Envelope)
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the time source. Tests advance it to trigger TTL
// expiry deterministically.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		clock:    func() time.Time { return time.Now().UTC() },
		presence: make(map[string]*presenceEntry),
		actions:  make(map[string]*actionQueue),
		jobs:     make(map[string]*dispatcher.Job),
		subs:     make(map[int]func(*broadcast.Envelope)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping implements store.Store.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return lattice.ErrStoreClosed
	}
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.subs = make(map[int]func(*broadcast.Envelope))
	return nil
}

func presenceKey(runID id.RunID, viewerID id.ViewerID) string {
	return runID.String() + "/" + viewerID.String()
}

// PutPresence implements presence.Store.
func (s *Store) PutPresence(_ context.Context, rec *presence.Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return lattice.ErrStoreClosed
	}
	s.presence[presenceKey(rec.RunID, rec.ViewerID)] = &presenceEntry{
		rec:      *rec,
		deadline: s.clock().Add(ttl),
	}
	return nil
}

// RefreshPresence implements presence.Store. An expired record is
// recreated, matching SET-with-TTL semantics.
func (s *Store) RefreshPresence(ctx context.Context, rec *presence.Record, ttl time.Duration) error {
	return s.PutPresence(ctx, rec, ttl)
}

// DeletePresence implements presence.Store.
func (s *Store) DeletePresence(_ context.Context, runID id.RunID, viewerID id.ViewerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return lattice.ErrStoreClosed
	}
	delete(s.presence, presenceKey(runID, viewerID))
	return nil
}

// expirePresenceLocked drops expired entries. Callers hold s.mu.
func (s *Store) expirePresenceLocked() {
	now := s.clock()
	for key, e := range s.presence {
		if e.deadline.Before(now) {
			delete(s.presence, key)
		}
	}
}

// ListPresence implements presence.Store.
func (s *Store) ListPresence(_ context.Context, runID id.RunID) ([]*presence.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, lattice.ErrStoreClosed
	}
	s.expirePresenceLocked()

	var out []*presence.Record
	for _, e := range s.presence {
		if e.rec.RunID == runID {
			rec := e.rec
			out = append(out, &rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out, nil
}

// CountPresence implements presence.Store.
func (s *Store) CountPresence(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, lattice.ErrStoreClosed
	}
	s.expirePresenceLocked()
	return int64(len(s.presence)), nil
}

// CountPresenceRuns implements presence.Store.
func (s *Store) CountPresenceRuns(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, lattice.ErrStoreClosed
	}
	s.expirePresenceLocked()

	runs := make(map[string]struct{})
	for _, e := range s.presence {
		runs[e.rec.RunID.String()] = struct{}{}
	}
	return int64(len(runs)), nil
}

// PublishEnvelope implements broadcast.Bus. Every subscriber receives
// the envelope, including one on the publishing instance; origin
// filtering is the router's job, exactly as with a real pub/sub
// backend.
func (s *Store) PublishEnvelope(_ context.Context, env *broadcast.Envelope) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return lattice.ErrStoreClosed
	}
	fns := make([]func(*broadcast.Envelope), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(env)
	}
	return nil
}

// SubscribeEnvelopes implements broadcast.Bus. It blocks until ctx is
// cancelled.
func (s *Store) SubscribeEnvelopes(ctx context.Context, fn func(*broadcast.Envelope)) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return lattice.ErrStoreClosed
	}
	s.subSeq++
	key := s.subSeq
	s.subs[key] = fn
	s.mu.Unlock()

	<-ctx.Done()

	s.mu.Lock()
	delete(s.subs, key)
	s.mu.Unlock()
	return ctx.Err()
}

// AppendAction implements action.Queue. Each append pushes the whole
// queue's expiry out by ttl, matching EXPIRE-on-write semantics.
func (s *Store) AppendAction(_ context.Context, act *action.Action, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return lattice.ErrStoreClosed
	}

	key := act.RunID.String()
	q := s.actions[key]
	if q == nil || q.deadline.Before(s.clock()) {
		q = &actionQueue{}
		s.actions[key] = q
	}
	cp := *act
	q.items = append(q.items, &cp)
	q.deadline = s.clock().Add(ttl)
	return nil
}

// DrainActions implements action.Queue.
func (s *Store) DrainActions(_ context.Context, runID id.RunID) ([]*action.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, lattice.ErrStoreClosed
	}

	key := runID.String()
	q := s.actions[key]
	if q == nil {
		return nil, nil
	}
	delete(s.actions, key)
	if q.deadline.Before(s.clock()) {
		return nil, nil
	}
	return q.items, nil
}

// liveKeyLocked reports whether a non-terminal job holds the key.
func (s *Store) liveKeyLocked(key string) bool {
	for _, j := range s.jobs {
		if j.Key == key && !j.State.Terminal() {
			return true
		}
	}
	return false
}

// EnqueueJob implements dispatcher.Store.
func (s *Store) EnqueueJob(_ context.Context, j *dispatcher.Job, allowDuplicate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return lattice.ErrStoreClosed
	}
	if !allowDuplicate && s.liveKeyLocked(j.Key) {
		return lattice.ErrJobAlreadyExists
	}
	cp := *j
	s.jobs[j.ID.String()] = &cp
	return nil
}

// DequeueJobs implements dispatcher.Store. Due jobs are claimed highest
// priority first, oldest first within a priority.
func (s *Store) DequeueJobs(_ context.Context, queue string, limit int) ([]*dispatcher.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, lattice.ErrStoreClosed
	}

	now := s.clock()
	var due []*dispatcher.Job
	for _, j := range s.jobs {
		if j.Queue != queue {
			continue
		}
		if j.State != dispatcher.StatePending && j.State != dispatcher.StateRetrying {
			continue
		}
		if j.RunAt.After(now) {
			continue
		}
		due = append(due, j)
	}
	sort.Slice(due, func(i, k int) bool {
		if due[i].Priority != due[k].Priority {
			return due[i].Priority > due[k].Priority
		}
		return due[i].RunAt.Before(due[k].RunAt)
	})

	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]*dispatcher.Job, 0, len(due))
	for _, j := range due {
		j.State = dispatcher.StateRunning
		started := now
		j.StartedAt = &started
		j.UpdatedAt = now
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

// GetJob implements dispatcher.Store.
func (s *Store) GetJob(_ context.Context, jobID string) (*dispatcher.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, lattice.ErrStoreClosed
	}
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, lattice.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// UpdateJob implements dispatcher.Store.
func (s *Store) UpdateJob(_ context.Context, j *dispatcher.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return lattice.ErrStoreClosed
	}
	if _, ok := s.jobs[j.ID.String()]; !ok {
		return lattice.ErrJobNotFound
	}
	cp := *j
	s.jobs[j.ID.String()] = &cp
	return nil
}

// CountJobs implements dispatcher.Store.
func (s *Store) CountJobs(_ context.Context, queue string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, lattice.ErrStoreClosed
	}
	var n int64
	for _, j := range s.jobs {
		if j.Queue == queue && !j.State.Terminal() {
			n++
		}
	}
	return n, nil
}

// PurgeExpiredJobs implements dispatcher.Store.
func (s *Store) PurgeExpiredJobs(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, lattice.ErrStoreClosed
	}
	var n int64
	for key, j := range s.jobs {
		if j.ExpiresAt != nil && j.ExpiresAt.Before(now) {
			delete(s.jobs, key)
			n++
		}
	}
	return n, nil
}
