package action

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	lattice "github.com/Richardson2512/testlattice-backend-sub001"
	"github.com/Richardson2512/testlattice-backend-sub001/broadcast"
	"github.com/Richardson2512/testlattice-backend-sub001/id"
)

// Publisher fans an event out to every viewer of a run.
type Publisher interface {
	Publish(ctx context.Context, runID id.RunID, evt *broadcast.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, id.RunID, *broadcast.Event) {}

// Service accepts operator actions and hands drained batches to
// workers. Queueing must succeed or fail atomically against the shared
// store; the viewer notification afterwards is best-effort.
type Service struct {
	queue  Queue
	pub    Publisher
	ttl    time.Duration
	logger *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithPublisher wires the broadcast router for action_queued events.
func WithPublisher(p Publisher) ServiceOption {
	return func(s *Service) { s.pub = p }
}

// WithTTL bounds how long an undrained queue survives.
func WithTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) { s.ttl = ttl }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// NewService creates an action service over the given queue store.
func NewService(queue Queue, opts ...ServiceOption) *Service {
	s := &Service{
		queue:  queue,
		pub:    nopPublisher{},
		ttl:    time.Hour,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type queuedPayload struct {
	ActionID string `json:"action_id"`
	Kind     Kind   `json:"kind"`
}

// Enqueue validates and queues one action, then notifies viewers that
// the action was accepted.
func (s *Service) Enqueue(ctx context.Context, runID id.RunID, kind Kind, selector, value string) (*Action, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("action: enqueue kind %q: %w", kind, lattice.ErrNotAllowed)
	}

	act := &Action{
		ID:          id.NewActionID(),
		RunID:       runID,
		Kind:        kind,
		Selector:    selector,
		Value:       value,
		SubmittedAt: time.Now().UTC(),
	}
	if err := s.queue.AppendAction(ctx, act, s.ttl); err != nil {
		return nil, fmt.Errorf("action: enqueue %s: %w", runID, err)
	}

	s.pub.Publish(ctx, runID, broadcast.NewEvent(broadcast.KindActionQueued, runID.String(),
		queuedPayload{ActionID: act.ID.String(), Kind: kind}))
	return act, nil
}

// Drain returns the run's full pending batch in submission order and
// clears the queue. A second drain with no intervening enqueue returns
// an empty batch.
func (s *Service) Drain(ctx context.Context, runID id.RunID) ([]*Action, error) {
	acts, err := s.queue.DrainActions(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("action: drain %s: %w", runID, err)
	}
	return acts, nil
}
