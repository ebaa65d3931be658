package broadcast

import (
	"context"

	"github.com/Richardson2512/testlattice-backend-sub001/id"
)

// Envelope wraps an event with the identity of the instance that
// published it. The origin tag is what makes echo suppression work
// across process boundaries, where socket identity checks mean nothing.
type Envelope struct {
	RunID  string        `json:"run_id"`
	Origin id.InstanceID `json:"origin"`
	Event  *Event        `json:"event"`
}

// Bus is the cross-instance fan-out contract, backed by the shared
// broker's single broadcast topic.
type Bus interface {
	// PublishEnvelope sends an envelope to every subscribed instance,
	// including the publisher itself.
	PublishEnvelope(ctx context.Context, env *Envelope) error

	// SubscribeEnvelopes invokes fn for each envelope published to the
	// broadcast topic. It blocks until ctx is cancelled.
	SubscribeEnvelopes(ctx context.Context, fn func(*Envelope)) error
}
