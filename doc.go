// Package lattice is the real-time control plane for TestLattice browser
// test runs. It lets any number of viewers attach to a long-running test
// job, stream step and state updates to them, accept manual operator
// actions ("God Mode"), and pause, resume, approve, or cancel runs,
// correctly across multiple server instances behind a load balancer.
//
// The plane is built from composable subsystems, each with its own
// package and store interface:
//
//	run        - run lifecycle state machine and persistence contract
//	presence   - local connection registry + TTL presence mirror
//	broadcast  - cross-instance fan-out with origin-id echo suppression
//	action     - durable per-run manual action queues (poll-and-clear)
//	dispatcher - priority work queue with retries, dedup, and retention
//	gateway    - viewer WebSocket surface and worker HTTP endpoints
//	engine     - wires everything into a running ControlPlane
//
// A single backend implements all store interfaces. Redis is the
// production backend (store/redis); an in-memory backend (store/memory)
// serves tests and single-instance development.
//
// Persistent entity storage, auth, and billing are external
// collaborators consumed through narrow interfaces; the control plane
// holds no authoritative copy of a run, only in-flight references.
package lattice
