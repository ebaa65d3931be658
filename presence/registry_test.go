package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Richardson2512/testlattice-backend-sub001/broadcast"
	"github.com/Richardson2512/testlattice-backend-sub001/id"
)

type fakeStore struct {
	mu      sync.Mutex
	records map[string]*Record // viewerID → record
	puts    int
	refresh int
	deletes int
	fail    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*Record)}
}

func (f *fakeStore) PutPresence(_ context.Context, rec *Record, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.puts++
	f.records[rec.ViewerID.String()] = rec
	return nil
}

func (f *fakeStore) RefreshPresence(_ context.Context, rec *Record, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.refresh++
	f.records[rec.ViewerID.String()] = rec
	return nil
}

func (f *fakeStore) DeletePresence(_ context.Context, _ id.RunID, viewerID id.ViewerID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.deletes++
	delete(f.records, viewerID.String())
	return nil
}

func (f *fakeStore) ListPresence(_ context.Context, runID id.RunID) ([]*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Record
	for _, rec := range f.records {
		if rec.RunID == runID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeStore) CountPresence(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.records)), nil
}

func (f *fakeStore) CountPresenceRuns(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	runs := make(map[string]struct{})
	for _, rec := range f.records {
		runs[rec.RunID.String()] = struct{}{}
	}
	return int64(len(runs)), nil
}

type fakeSocket struct {
	mu      sync.Mutex
	events  []*broadcast.Event
	sendErr error
	pingErr error
	closed  bool
}

func (f *fakeSocket) SendEvent(evt *broadcast.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.events = append(f.events, evt)
	return nil
}

func (f *fakeSocket) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSocket) received() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func TestAttachDetach(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFakeStore()
	reg := NewRegistry(id.NewInstanceID(), store)
	runID := id.NewRunID()

	h := reg.Attach(ctx, runID, &fakeSocket{})
	if got := reg.LocalRunCount(runID); got != 1 {
		t.Fatalf("LocalRunCount = %d, want 1", got)
	}
	if store.puts != 1 {
		t.Fatalf("store puts = %d, want 1", store.puts)
	}

	reg.Detach(ctx, h)
	if got := reg.LocalRunCount(runID); got != 0 {
		t.Fatalf("LocalRunCount after detach = %d, want 0", got)
	}
	if store.deletes != 1 {
		t.Fatalf("store deletes = %d, want 1", store.deletes)
	}
}

func TestAttachSurvivesStoreOutage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFakeStore()
	store.fail = errors.New("store down")
	reg := NewRegistry(id.NewInstanceID(), store)
	runID := id.NewRunID()

	h := reg.Attach(ctx, runID, &fakeSocket{})
	if h == nil {
		t.Fatal("Attach returned nil handle during store outage")
	}
	if got := reg.LocalRunCount(runID); got != 1 {
		t.Fatalf("LocalRunCount = %d, want 1", got)
	}
}

func TestDeliverSkipsClosedSockets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := NewRegistry(id.NewInstanceID(), newFakeStore())
	runID := id.NewRunID()

	good := &fakeSocket{}
	dead := &fakeSocket{sendErr: errors.New("use of closed connection")}
	reg.Attach(ctx, runID, good)
	reg.Attach(ctx, runID, dead)

	evt := broadcast.NewEvent(broadcast.KindTestStep, runID.String(), nil)
	if got := reg.Deliver(runID, evt); got != 1 {
		t.Fatalf("Deliver = %d, want 1", got)
	}
	if good.received() != 1 {
		t.Fatalf("good socket received %d events, want 1", good.received())
	}
}

func TestDeliverScopedToRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := NewRegistry(id.NewInstanceID(), newFakeStore())

	runA := id.NewRunID()
	runB := id.NewRunID()
	sockA := &fakeSocket{}
	sockB := &fakeSocket{}
	reg.Attach(ctx, runA, sockA)
	reg.Attach(ctx, runB, sockB)

	reg.Deliver(runA, broadcast.NewEvent(broadcast.KindTestStep, runA.String(), nil))
	if sockA.received() != 1 {
		t.Fatalf("runA socket received %d events, want 1", sockA.received())
	}
	if sockB.received() != 0 {
		t.Fatalf("runB socket received %d events, want 0", sockB.received())
	}
}

func TestHeartbeatDetachesDeadSockets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFakeStore()
	reg := NewRegistry(id.NewInstanceID(), store)
	runID := id.NewRunID()

	live := &fakeSocket{}
	dead := &fakeSocket{pingErr: errors.New("broken pipe")}
	reg.Attach(ctx, runID, live)
	reg.Attach(ctx, runID, dead)

	reg.beat(ctx)

	if got := reg.LocalRunCount(runID); got != 1 {
		t.Fatalf("LocalRunCount after beat = %d, want 1", got)
	}
	if store.refresh != 2 {
		t.Fatalf("store refreshes = %d, want 2", store.refresh)
	}
}

func TestIsLiveSeesRemoteViewers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFakeStore()
	runID := id.NewRunID()

	// A viewer attached on another instance, visible only via the store.
	remote := NewRegistry(id.NewInstanceID(), store)
	remote.Attach(ctx, runID, &fakeSocket{})

	local := NewRegistry(id.NewInstanceID(), store)
	live, err := local.IsLive(ctx, runID)
	if err != nil {
		t.Fatalf("IsLive: %v", err)
	}
	if !live {
		t.Fatal("IsLive = false, want true for remotely attached viewer")
	}
	if got := local.LocalRunCount(runID); got != 0 {
		t.Fatalf("LocalRunCount = %d, want 0", got)
	}
}

func TestCloseAll(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFakeStore()
	reg := NewRegistry(id.NewInstanceID(), store)

	socks := []*fakeSocket{{}, {}, {}}
	for _, s := range socks {
		reg.Attach(ctx, id.NewRunID(), s)
	}

	reg.CloseAll(ctx)
	if got := reg.LocalCount(); got != 0 {
		t.Fatalf("LocalCount after CloseAll = %d, want 0", got)
	}
	for i, s := range socks {
		if !s.closed {
			t.Fatalf("socket %d not closed", i)
		}
	}
	if store.deletes != 3 {
		t.Fatalf("store deletes = %d, want 3", store.deletes)
	}
}
