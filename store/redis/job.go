package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	lattice "github.com/Richardson2512/testlattice-backend-sub001"
	"github.com/Richardson2512/testlattice-backend-sub001/dispatcher"
	"github.com/Richardson2512/testlattice-backend-sub001/id"
	"github.com/Richardson2512/testlattice-backend-sub001/run"
)

// EnqueueJob stores the job as a Hash and adds it to the queue's
// Sorted Set. Unless allowDuplicate is set, the job's logical key is
// reserved with SETNX first; losing that race means an identical
// submission is already live.
func (s *Store) EnqueueJob(ctx context.Context, j *dispatcher.Job, allowDuplicate bool) error {
	jID := j.ID.String()
	dedup := jobDedupKey(j.Key)

	if allowDuplicate {
		if err := s.client.Set(ctx, dedup, jID, 0).Err(); err != nil {
			return fmt.Errorf("lattice/redis: enqueue reserve key: %w", err)
		}
	} else {
		ok, err := s.client.SetNX(ctx, dedup, jID, 0).Result()
		if err != nil {
			return fmt.Errorf("lattice/redis: enqueue reserve key: %w", err)
		}
		if !ok {
			return lattice.ErrJobAlreadyExists
		}
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(jID), jobToMap(j))
	pipe.SAdd(ctx, jobIDsKey, jID)

	// Queue sorted set: score = priority (negated for DESC) + time component.
	score := jobScore(j.Priority, j.RunAt)
	pipe.ZAdd(ctx, queueKey(j.Queue), goredis.Z{Score: score, Member: jID})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("lattice/redis: enqueue job: %w", err)
	}
	return nil
}

// DequeueJobs atomically pops up to limit due jobs from the queue. A
// popped job whose RunAt is still in the future (a retry waiting out
// its backoff) is set aside and re-added when the scan finishes: the
// score mixes priority and time, so a not-yet-due high-priority job
// may sit in front of due lower-priority ones.
func (s *Store) DequeueJobs(ctx context.Context, queue string, limit int) ([]*dispatcher.Job, error) {
	now := time.Now().UTC()
	qk := queueKey(queue)

	var deferred []goredis.Z
	defer func() {
		if len(deferred) == 0 {
			return
		}
		if err := s.client.ZAdd(ctx, qk, deferred...).Err(); err != nil {
			s.logger.Warn("requeue of not-yet-due jobs failed",
				"queue", queue,
				"error", err.Error(),
			)
		}
	}()

	var jobs []*dispatcher.Job
	for len(jobs) < limit {
		members, err := s.client.ZPopMin(ctx, qk, 1).Result()
		if err != nil {
			return nil, fmt.Errorf("lattice/redis: dequeue zpopmin: %w", err)
		}
		if len(members) == 0 {
			break
		}
		jID, ok := members[0].Member.(string)
		if !ok {
			continue
		}

		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			if errors.Is(getErr, lattice.ErrJobNotFound) {
				continue // purged under us
			}
			return nil, getErr
		}
		if j.RunAt.After(now) {
			deferred = append(deferred, goredis.Z{Score: members[0].Score, Member: jID})
			continue
		}

		j.State = dispatcher.StateRunning
		j.StartedAt = &now
		j.UpdatedAt = now
		if hErr := s.client.HSet(ctx, jobKey(jID),
			"state", string(dispatcher.StateRunning),
			"started_at", now.Format(time.RFC3339Nano),
			"updated_at", now.Format(time.RFC3339Nano),
		).Err(); hErr != nil {
			return nil, fmt.Errorf("lattice/redis: dequeue update: %w", hErr)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (*dispatcher.Job, error) {
	return s.getJobByKey(ctx, jobKey(jobID))
}

// UpdateJob persists changes to an existing job. A job moving to a
// terminal state releases its dedup key and leaves its queue; a job
// moving to retrying is re-scored at its new RunAt.
func (s *Store) UpdateJob(ctx context.Context, j *dispatcher.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("lattice/redis: update job exists: %w", err)
	}
	if exists == 0 {
		return lattice.ErrJobNotFound
	}

	fields := jobToMap(j)
	fields["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	switch {
	case j.State.Terminal():
		pipe.ZRem(ctx, queueKey(j.Queue), jID)
	case j.State == dispatcher.StateRetrying:
		pipe.ZAdd(ctx, queueKey(j.Queue), goredis.Z{
			Score:  jobScore(j.Priority, j.RunAt),
			Member: jID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("lattice/redis: update job: %w", err)
	}

	if j.State.Terminal() {
		s.releaseDedupKey(ctx, j.Key, jID)
	}
	return nil
}

// releaseDedupKey frees a logical key only if this job still holds it.
// A resubmitted run may have overwritten the reservation with a newer
// job id.
func (s *Store) releaseDedupKey(ctx context.Context, key, jID string) {
	holder, err := s.client.Get(ctx, jobDedupKey(key)).Result()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			s.logger.Warn("dedup key check failed",
				"job_key", key,
				"error", err.Error(),
			)
		}
		return
	}
	if holder != jID {
		return
	}
	if err := s.client.Del(ctx, jobDedupKey(key)).Err(); err != nil {
		s.logger.Warn("dedup key release failed",
			"job_key", key,
			"error", err.Error(),
		)
	}
}

// CountJobs counts non-terminal jobs on a queue.
func (s *Store) CountJobs(ctx context.Context, queue string) (int64, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("lattice/redis: count smembers: %w", err)
	}

	var count int64
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if j.Queue == queue && !j.State.Terminal() {
			count++
		}
	}
	return count, nil
}

// PurgeExpiredJobs deletes terminal jobs past their retention deadline.
func (s *Store) PurgeExpiredJobs(ctx context.Context, now time.Time) (int64, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("lattice/redis: purge smembers: %w", err)
	}

	var purged int64
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if j.ExpiresAt == nil || j.ExpiresAt.After(now) {
			continue
		}

		pipe := s.client.TxPipeline()
		pipe.Del(ctx, jobKey(jID))
		pipe.SRem(ctx, jobIDsKey, jID)
		pipe.ZRem(ctx, queueKey(j.Queue), jID)
		if _, pErr := pipe.Exec(ctx); pErr != nil {
			return purged, fmt.Errorf("lattice/redis: purge job %s: %w", jID, pErr)
		}
		s.releaseDedupKey(ctx, j.Key, jID)
		purged++
	}
	return purged, nil
}

// ── helpers ──

// jobScore computes a sorted-set score from priority and run_at.
// Lower score pops first, so priority is negated and a fractional
// time component keeps FIFO order within one priority.
func jobScore(priority int, runAt time.Time) float64 {
	return float64(-priority) + float64(runAt.UnixMilli())/1e15
}

func jobToMap(j *dispatcher.Job) map[string]interface{} {
	payload, _ := json.Marshal(j.Payload) //nolint:errcheck // options marshal cannot fail
	m := map[string]interface{}{
		"id":          j.ID.String(),
		"key":         j.Key,
		"parent_key":  j.ParentKey,
		"run_id":      j.RunID.String(),
		"engine":      string(j.Engine),
		"queue":       j.Queue,
		"priority":    strconv.Itoa(j.Priority),
		"payload":     string(payload),
		"state":       string(j.State),
		"attempt":     strconv.Itoa(j.Attempt),
		"max_retries": strconv.Itoa(j.MaxRetries),
		"last_error":  j.LastError,
		"run_at":      j.RunAt.Format(time.RFC3339Nano),
		"created_at":  j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":  j.UpdatedAt.Format(time.RFC3339Nano),
	}
	if j.StartedAt != nil {
		m["started_at"] = j.StartedAt.Format(time.RFC3339Nano)
	}
	if j.CompletedAt != nil {
		m["completed_at"] = j.CompletedAt.Format(time.RFC3339Nano)
	}
	if j.ExpiresAt != nil {
		m["expires_at"] = j.ExpiresAt.Format(time.RFC3339Nano)
	}
	return m
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*dispatcher.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("lattice/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, lattice.ErrJobNotFound
	}
	return mapToJob(vals)
}

func mapToJob(m map[string]string) (*dispatcher.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("lattice/redis: parse job id: %w", err)
	}
	runID, err := id.ParseRunID(m["run_id"])
	if err != nil {
		return nil, fmt.Errorf("lattice/redis: parse run id: %w", err)
	}

	priority, _ := strconv.Atoi(m["priority"])      //nolint:errcheck // best-effort parse from trusted Redis data
	attempt, _ := strconv.Atoi(m["attempt"])        //nolint:errcheck // best-effort parse from trusted Redis data
	maxRetries, _ := strconv.Atoi(m["max_retries"]) //nolint:errcheck // best-effort parse from trusted Redis data

	runAt, _ := time.Parse(time.RFC3339Nano, m["run_at"])         //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	var payload run.Options
	_ = json.Unmarshal([]byte(m["payload"]), &payload) //nolint:errcheck // best-effort parse from trusted Redis data

	j := &dispatcher.Job{
		Entity: lattice.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:         jID,
		Key:        m["key"],
		ParentKey:  m["parent_key"],
		RunID:      runID,
		Engine:     run.Engine(m["engine"]),
		Queue:      m["queue"],
		Priority:   priority,
		Payload:    payload,
		State:      dispatcher.State(m["state"]),
		Attempt:    attempt,
		MaxRetries: maxRetries,
		LastError:  m["last_error"],
		RunAt:      runAt,
	}

	if v := m["started_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.StartedAt = &t
	}
	if v := m["completed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.CompletedAt = &t
	}
	if v := m["expires_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.ExpiresAt = &t
	}
	return j, nil
}
