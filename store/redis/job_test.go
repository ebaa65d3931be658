package redis

import (
	"testing"
	"time"

	"github.com/Richardson2512/testlattice-backend-sub001/dispatcher"
	"github.com/Richardson2512/testlattice-backend-sub001/id"
	"github.com/Richardson2512/testlattice-backend-sub001/run"
)

func TestJobScoreOrdering(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()

	high := jobScore(100, now)
	low := jobScore(10, now)
	if high >= low {
		t.Fatalf("higher priority must score lower: %f >= %f", high, low)
	}

	early := jobScore(50, now)
	late := jobScore(50, now.Add(time.Minute))
	if early >= late {
		t.Fatalf("earlier run_at must score lower within a priority: %f >= %f", early, late)
	}

	// Priority must dominate the time component.
	slowHigh := jobScore(100, now.Add(24*time.Hour))
	fastLow := jobScore(99, now)
	if slowHigh >= fastLow {
		t.Fatalf("priority must dominate time: %f >= %f", slowHigh, fastLow)
	}
}

func TestJobMapRoundTrip(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC().Truncate(time.Millisecond)
	started := now.Add(time.Second)
	runID := id.NewRunID()

	j := &dispatcher.Job{
		ID:        id.NewJobID(),
		Key:       dispatcher.JobKey(runID, run.EngineFirefox),
		ParentKey: runID.String(),
		RunID:     runID,
		Engine:    run.EngineFirefox,
		Queue:     dispatcher.QueueRuns,
		Priority:  50,
		Payload: run.Options{
			Browsers:   []run.Engine{run.EngineFirefox},
			StepBudget: 15,
			Approval:   run.ApprovalManual,
			Tier:       "pro",
		},
		State:      dispatcher.StateRunning,
		Attempt:    1,
		MaxRetries: 3,
		LastError:  "timeout",
		RunAt:      now,
		StartedAt:  &started,
	}
	j.CreatedAt = now
	j.UpdatedAt = now

	got, err := mapToJob(stringify(jobToMap(j)))
	if err != nil {
		t.Fatalf("mapToJob: %v", err)
	}

	if got.ID != j.ID || got.Key != j.Key || got.RunID != j.RunID {
		t.Fatalf("identity fields mangled: %+v", got)
	}
	if got.Engine != j.Engine || got.Queue != j.Queue || got.Priority != j.Priority {
		t.Fatalf("routing fields mangled: %+v", got)
	}
	if got.State != j.State || got.Attempt != j.Attempt || got.LastError != j.LastError {
		t.Fatalf("state fields mangled: %+v", got)
	}
	if !got.RunAt.Equal(j.RunAt) {
		t.Fatalf("RunAt = %v, want %v", got.RunAt, j.RunAt)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Fatalf("StartedAt = %v, want %v", got.StartedAt, started)
	}
	if got.CompletedAt != nil || got.ExpiresAt != nil {
		t.Fatal("unset timestamps appeared after round trip")
	}
	if got.Payload.StepBudget != 15 || got.Payload.Approval != run.ApprovalManual {
		t.Fatalf("payload mangled: %+v", got.Payload)
	}
}

func stringify(m map[string]interface{}) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v.(string)
	}
	return out
}

func TestKeyBuilders(t *testing.T) {
	t.Parallel()
	tests := []struct {
		got, want string
	}{
		{jobKey("j1"), "lattice:job:j1"},
		{queueKey("runs"), "lattice:queue:runs"},
		{jobDedupKey("r1:chromium"), "lattice:job_key:r1:chromium"},
		{actionsKey("r1"), "lattice:actions:r1"},
		{presenceKey("r1", "v1"), "lattice:presence:r1:v1"},
		{presenceRunPattern("r1"), "lattice:presence:r1:*"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("key = %q, want %q", tt.got, tt.want)
		}
	}
}
