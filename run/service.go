package run

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	lattice "github.com/Richardson2512/testlattice-backend-sub001"
	"github.com/Richardson2512/testlattice-backend-sub001/broadcast"
	"github.com/Richardson2512/testlattice-backend-sub001/id"
)

// Resubmitter re-enqueues a run's original parameters as a fresh
// dispatch job. Implemented by the dispatcher; approval after a prior
// abandoned attempt must not be rejected as a duplicate, so
// implementations enqueue with duplicates allowed.
type Resubmitter interface {
	Resubmit(ctx context.Context, r *Run) error
}

// Publisher fans an event out to every viewer of a run.
// Implemented by the broadcast router.
type Publisher interface {
	Publish(ctx context.Context, runID id.RunID, evt *broadcast.Event)
}

// nopPublisher drops events. Used when no router is wired (tests).
type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, id.RunID, *broadcast.Event) {}

// Service enforces the run lifecycle state machine at every mutation
// point. All methods validate against the stored status, not a local
// cache: a transition racing a concurrent completion loses cleanly.
type Service struct {
	store  Store
	submit Resubmitter
	pub    Publisher
	logger *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithPublisher wires the broadcast router for status/step events.
func WithPublisher(p Publisher) ServiceOption {
	return func(s *Service) { s.pub = p }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// NewService creates a lifecycle service over the persistence
// collaborator and the dispatcher's resubmission port.
func NewService(store Store, submit Resubmitter, opts ...ServiceOption) *Service {
	s := &Service{
		store:  store,
		submit: submit,
		pub:    nopPublisher{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// rejected logs a state-machine refusal before it is returned.
func (s *Service) rejected(op string, runID id.RunID, status Status) {
	s.logger.Warn("transition rejected",
		slog.String("op", op),
		slog.String("run_id", runID.String()),
		slog.String("status", string(status)),
	)
}

// statusPayload is the data carried by test_status events.
type statusPayload struct {
	Status Status `json:"status"`
	Paused bool   `json:"paused,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Pause sets the paused flag on an in-flight run. The status does not
// change; the worker checks the flag before taking its next action.
func (s *Service) Pause(ctx context.Context, runID id.RunID) (*Run, error) {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !r.Status.Pausable() {
		s.rejected("pause", runID, r.Status)
		return nil, fmt.Errorf("run: pause %s in status %q: %w", runID, r.Status, lattice.ErrNotAllowed)
	}
	if r.Paused {
		return r, nil
	}

	paused := true
	updated, err := s.store.UpdateRun(ctx, runID, Patch{Paused: &paused})
	if err != nil {
		return nil, err
	}

	s.pub.Publish(ctx, runID, broadcast.NewEvent(broadcast.KindPauseRequested, runID.String(),
		statusPayload{Status: updated.Status, Paused: true}))
	return updated, nil
}

// Resume clears the paused flag on an in-flight run, or approves a run
// parked in waiting_approval.
func (s *Service) Resume(ctx context.Context, runID id.RunID) (*Run, error) {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	if r.Status == StatusWaitingApproval {
		return s.Approve(ctx, runID)
	}
	if !r.Status.Pausable() {
		s.rejected("resume", runID, r.Status)
		return nil, fmt.Errorf("run: resume %s in status %q: %w", runID, r.Status, lattice.ErrNotAllowed)
	}
	if !r.Paused {
		return r, nil
	}

	paused := false
	updated, err := s.store.UpdateRun(ctx, runID, Patch{Paused: &paused})
	if err != nil {
		return nil, err
	}

	s.pub.Publish(ctx, runID, broadcast.NewEvent(broadcast.KindResumeRequested, runID.String(),
		statusPayload{Status: updated.Status}))
	return updated, nil
}

// Approve moves a run from waiting_approval back to queued and
// re-submits a dispatch job with the run's original parameters. The
// job is enqueued before the status flips so a submission failure
// leaves the run parked instead of queued-with-no-job.
func (s *Service) Approve(ctx context.Context, runID id.RunID) (*Run, error) {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusWaitingApproval {
		s.rejected("approve", runID, r.Status)
		return nil, fmt.Errorf("run: approve %s in status %q: %w", runID, r.Status, lattice.ErrNotAllowed)
	}

	if err := s.submit.Resubmit(ctx, r); err != nil {
		return nil, fmt.Errorf("run: approve %s: %w", runID, err)
	}

	status := StatusQueued
	updated, err := s.store.UpdateRun(ctx, runID, Patch{Status: &status})
	if err != nil {
		return nil, err
	}

	s.pub.Publish(ctx, runID, broadcast.NewEvent(broadcast.KindTestStatus, runID.String(),
		statusPayload{Status: StatusQueued}))
	return updated, nil
}

// Cancel moves any non-terminal run to cancelled.
func (s *Service) Cancel(ctx context.Context, runID id.RunID) (*Run, error) {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		s.rejected("cancel", runID, r.Status)
		return nil, fmt.Errorf("run: cancel %s in status %q: %w", runID, r.Status, lattice.ErrNotAllowed)
	}

	status := StatusCancelled
	now := time.Now().UTC()
	updated, err := s.store.UpdateRun(ctx, runID, Patch{Status: &status, CompletedAt: &now})
	if err != nil {
		return nil, err
	}

	s.pub.Publish(ctx, runID, broadcast.NewEvent(broadcast.KindTestStatus, runID.String(),
		statusPayload{Status: StatusCancelled}))
	return updated, nil
}

// Fail forces a non-terminal run to failed with the given reason. It
// re-reads the stored status first and refuses to fire on a run that
// has already reached a terminal state, so a failure racing a
// concurrent completion has no effect.
func (s *Service) Fail(ctx context.Context, runID id.RunID, reason string) (*Run, error) {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		s.rejected("fail", runID, r.Status)
		return nil, fmt.Errorf("run: fail %s in status %q: %w", runID, r.Status, lattice.ErrNotAllowed)
	}

	status := StatusFailed
	now := time.Now().UTC()
	updated, err := s.store.UpdateRun(ctx, runID, Patch{
		Status:        &status,
		FailureReason: &reason,
		CompletedAt:   &now,
	})
	if err != nil {
		return nil, err
	}

	s.pub.Publish(ctx, runID, broadcast.NewEvent(broadcast.KindTestStatus, runID.String(),
		statusPayload{Status: StatusFailed, Reason: reason}))
	return updated, nil
}

// Timeout is the reaper's entry point for runs that stopped making
// progress; it fails the run with the staleness reason.
func (s *Service) Timeout(ctx context.Context, runID id.RunID, reason string) (*Run, error) {
	return s.Fail(ctx, runID, reason)
}

// ReportStatus applies a worker-driven status change, rejecting
// transitions the state machine does not allow. Reporting the current
// status again is a no-op, not an error (workers retry updates).
func (s *Service) ReportStatus(ctx context.Context, runID id.RunID, to Status) (*Run, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("run: report status %q: %w", to, lattice.ErrNotAllowed)
	}

	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.Status == to {
		return r, nil
	}
	if !CanTransition(r.Status, to) {
		s.logger.Warn("status transition rejected",
			slog.String("run_id", runID.String()),
			slog.String("from", string(r.Status)),
			slog.String("to", string(to)),
		)
		return nil, fmt.Errorf("run: %s → %s: %w", r.Status, to, lattice.ErrNotAllowed)
	}

	patch := Patch{Status: &to}
	now := time.Now().UTC()
	if (to == StatusRunning || to == StatusDiagnosing) && r.StartedAt == nil {
		patch.StartedAt = &now
	}
	if to.Terminal() {
		patch.CompletedAt = &now
	}

	updated, err := s.store.UpdateRun(ctx, runID, patch)
	if err != nil {
		return nil, err
	}

	s.pub.Publish(ctx, runID, broadcast.NewEvent(broadcast.KindTestStatus, runID.String(),
		statusPayload{Status: to}))
	return updated, nil
}

// ReportStep advances the run's step counter and broadcasts the step
// to viewers. Step numbers only move forward: a stale report does not
// rewind the stored counter but is still broadcast so viewers can
// apply their own ordering by step number.
func (s *Service) ReportStep(ctx context.Context, runID id.RunID, step int, detail json.RawMessage) error {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !r.Status.Active() {
		s.rejected("report_step", runID, r.Status)
		return fmt.Errorf("run: report step for %s in status %q: %w", runID, r.Status, lattice.ErrNotAllowed)
	}

	if step > r.CurrentStep {
		if _, err := s.store.UpdateRun(ctx, runID, Patch{CurrentStep: &step}); err != nil {
			return err
		}
	}

	evt := &broadcast.Event{
		Kind:  broadcast.KindTestStep,
		RunID: runID.String(),
		Step:  step,
		Data:  detail,
		At:    time.Now().UTC(),
	}
	s.pub.Publish(ctx, runID, evt)
	return nil
}

// ReportStuck parks an in-flight run in waiting_approval and raises
// ai_stuck so an operator can step in.
func (s *Service) ReportStuck(ctx context.Context, runID id.RunID, detail json.RawMessage) (*Run, error) {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(r.Status, StatusWaitingApproval) {
		s.rejected("stuck", runID, r.Status)
		return nil, fmt.Errorf("run: stuck %s in status %q: %w", runID, r.Status, lattice.ErrNotAllowed)
	}

	status := StatusWaitingApproval
	updated, err := s.store.UpdateRun(ctx, runID, Patch{Status: &status})
	if err != nil {
		return nil, err
	}

	evt := &broadcast.Event{
		Kind:  broadcast.KindAIStuck,
		RunID: runID.String(),
		Data:  detail,
		At:    time.Now().UTC(),
	}
	s.pub.Publish(ctx, runID, evt)
	return updated, nil
}

// Get returns the stored run.
func (s *Service) Get(ctx context.Context, runID id.RunID) (*Run, error) {
	return s.store.GetRun(ctx, runID)
}
