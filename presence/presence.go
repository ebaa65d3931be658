// Package presence tracks which viewers are attached to which runs.
//
// Each server instance exclusively owns its local socket table; a
// read-only presence mirror with a short TTL is replicated into the
// shared store so any instance can answer "does this run have viewers"
// without holding the socket. A crashed instance needs no cleanup
// protocol: its records simply expire.
package presence

import (
	"context"
	"time"

	"github.com/Richardson2512/testlattice-backend-sub001/broadcast"
	"github.com/Richardson2512/testlattice-backend-sub001/id"
)

// Record is the presence mirror of one open viewer connection: the
// Connection tuple minus the live socket handle.
type Record struct {
	RunID       id.RunID      `json:"run_id"`
	ViewerID    id.ViewerID   `json:"viewer_id"`
	InstanceID  id.InstanceID `json:"instance_id"`
	ConnectedAt time.Time     `json:"connected_at"`
}

// Store is the shared-store contract for presence records. All writes
// are single operations at the store's native granularity; there is no
// read-modify-write.
type Store interface {
	// PutPresence writes a record with the given TTL.
	PutPresence(ctx context.Context, rec *Record, ttl time.Duration) error

	// RefreshPresence extends a record's TTL. Refreshing a record that
	// already expired recreates it.
	RefreshPresence(ctx context.Context, rec *Record, ttl time.Duration) error

	// DeletePresence removes a record immediately (graceful detach).
	DeletePresence(ctx context.Context, runID id.RunID, viewerID id.ViewerID) error

	// ListPresence returns the unexpired records for a run across all
	// instances.
	ListPresence(ctx context.Context, runID id.RunID) ([]*Record, error)

	// CountPresence returns the number of unexpired records fleet-wide.
	CountPresence(ctx context.Context) (int64, error)

	// CountPresenceRuns returns the number of distinct runs with at
	// least one unexpired record.
	CountPresenceRuns(ctx context.Context) (int64, error)
}

// Socket is a live viewer connection owned by this instance. Sending
// on a socket that has already closed must be a no-op error, never a
// panic, so one dead viewer cannot abort a broadcast to the rest.
type Socket interface {
	SendEvent(evt *broadcast.Event) error
	Ping() error
	Close() error
}
