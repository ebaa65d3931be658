package lattice

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("lattice: no store configured")
	ErrStoreClosed = errors.New("lattice: store closed")

	// Not found errors.
	ErrRunNotFound    = errors.New("lattice: run not found")
	ErrJobNotFound    = errors.New("lattice: job not found")
	ErrViewerNotFound = errors.New("lattice: viewer connection not found")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("lattice: job already exists")

	// Precondition errors. A transition was requested from a status that
	// does not allow it. Surfaced as-is, never coerced.
	ErrNotAllowed  = errors.New("lattice: transition not allowed from current status")
	ErrRunTerminal = errors.New("lattice: run is in a terminal status")

	// Broker errors. Queue submission treats this as a hard failure;
	// presence and broadcast degrade gracefully instead.
	ErrBrokerUnavailable = errors.New("lattice: broker unavailable")
)
