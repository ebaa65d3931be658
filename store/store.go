// Package store defines the aggregate backend contract. Each
// subsystem declares the narrow interface it needs (presence records,
// the broadcast bus, action queues, job queues); a backend implements
// them all over one connection. Redis is the production backend; the
// memory backend serves tests and single-instance development.
package store

import (
	"context"

	"github.com/Richardson2512/testlattice-backend-sub001/action"
	"github.com/Richardson2512/testlattice-backend-sub001/broadcast"
	"github.com/Richardson2512/testlattice-backend-sub001/dispatcher"
	"github.com/Richardson2512/testlattice-backend-sub001/presence"
)

// Store is the full backend surface the control plane consumes.
type Store interface {
	presence.Store
	broadcast.Bus
	action.Queue
	dispatcher.Store

	// Ping verifies connectivity to the backend.
	Ping(ctx context.Context) error

	// Close releases the backend's resources. Operations after Close
	// return lattice.ErrStoreClosed.
	Close() error
}
