package redis

// Redis key naming conventions for control-plane data.
// All keys are prefixed with "lattice:" to avoid collisions.

const keyPrefix = "lattice:"

// ── Presence keys ──

// presenceKey returns the key for one viewer's presence record:
// lattice:presence:{runID}:{viewerID}
func presenceKey(runID, viewerID string) string {
	return keyPrefix + "presence:" + runID + ":" + viewerID
}

// presenceRunPattern matches every presence key for one run.
func presenceRunPattern(runID string) string {
	return keyPrefix + "presence:" + runID + ":*"
}

// presencePattern matches every presence key fleet-wide.
const presencePattern = keyPrefix + "presence:*"

// ── Broadcast keys ──

// eventsChannel is the pub/sub channel all instances share.
const eventsChannel = keyPrefix + "events"

// ── Action keys ──

// actionsKey returns the List key of a run's manual action queue:
// lattice:actions:{runID}
func actionsKey(runID string) string { return keyPrefix + "actions:" + runID }

// ── Job keys ──

// jobKey returns the key for a job entity: lattice:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// queueKey returns the Sorted Set key for a queue: lattice:queue:{name}
func queueKey(name string) string { return keyPrefix + "queue:" + name }

// jobDedupKey reserves a job's logical key while a live job holds it:
// lattice:job_key:{key}
func jobDedupKey(key string) string { return keyPrefix + "job_key:" + key }

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"
