package runclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	lattice "github.com/Richardson2512/testlattice-backend-sub001"
	"github.com/Richardson2512/testlattice-backend-sub001/id"
	"github.com/Richardson2512/testlattice-backend-sub001/run"
)

func TestGetRun(t *testing.T) {
	t.Parallel()
	runID := id.NewRunID()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/internal/runs/"+runID.String() {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer svc_test" {
			t.Errorf("auth header = %q", got)
		}
		_ = json.NewEncoder(w).Encode(run.Run{ID: runID, Status: run.StatusRunning}) //nolint:errcheck // test handler
	}))
	defer srv.Close()

	c := New(srv.URL, WithToken("svc_test"))
	r, err := c.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if r.ID != runID || r.Status != run.StatusRunning {
		t.Fatalf("run = %+v", r)
	}
}

func TestGetRunNotFound(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := New(srv.URL).GetRun(context.Background(), id.NewRunID())
	if !errors.Is(err, lattice.ErrRunNotFound) {
		t.Fatalf("err = %v, want ErrRunNotFound", err)
	}
}

func TestUpdateRunSendsPatch(t *testing.T) {
	t.Parallel()
	runID := id.NewRunID()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("method = %q, want PATCH", r.Method)
		}
		var patch map[string]any
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			t.Errorf("decode patch: %v", err)
		}
		if patch["status"] != "queued" {
			t.Errorf("patch status = %v", patch["status"])
		}
		if _, ok := patch["paused"]; ok {
			t.Error("unset patch field was serialized")
		}
		_ = json.NewEncoder(w).Encode(run.Run{ID: runID, Status: run.StatusQueued}) //nolint:errcheck // test handler
	}))
	defer srv.Close()

	status := run.StatusQueued
	r, err := New(srv.URL).UpdateRun(context.Background(), runID, run.Patch{Status: &status})
	if err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}
	if r.Status != run.StatusQueued {
		t.Fatalf("run status = %q", r.Status)
	}
}

func TestListStaleRuns(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("age"); got != "30m0s" {
			t.Errorf("age = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test handler
			"runs": []*run.Run{{ID: id.NewRunID(), Status: run.StatusRunning}},
		})
	}))
	defer srv.Close()

	runs, err := New(srv.URL).ListStaleRuns(context.Background(), 30*time.Minute)
	if err != nil {
		t.Fatalf("ListStaleRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
}

func TestServerErrorSurfaces(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := New(srv.URL).GetRun(context.Background(), id.NewRunID())
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	if errors.Is(err, lattice.ErrRunNotFound) {
		t.Fatal("500 mapped to ErrRunNotFound")
	}
}
