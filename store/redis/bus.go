package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Richardson2512/testlattice-backend-sub001/broadcast"
)

// PublishEnvelope publishes an envelope on the shared events channel.
// Every instance, the publisher included, receives it; origin
// filtering happens in the broadcast router.
func (s *Store) PublishEnvelope(ctx context.Context, env *broadcast.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("lattice/redis: marshal envelope: %w", err)
	}
	if err := s.client.Publish(ctx, eventsChannel, data).Err(); err != nil {
		return fmt.Errorf("lattice/redis: publish envelope: %w", err)
	}
	return nil
}

// SubscribeEnvelopes consumes the shared events channel until ctx is
// cancelled, invoking fn for each envelope. Malformed payloads are
// logged and skipped; one bad publisher must not wedge the stream.
func (s *Store) SubscribeEnvelopes(ctx context.Context, fn func(*broadcast.Envelope)) error {
	sub := s.client.Subscribe(ctx, eventsChannel)
	defer sub.Close() //nolint:errcheck // best-effort close on shutdown

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("lattice/redis: subscription channel closed")
			}
			var env broadcast.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				s.logger.Warn("skipping malformed envelope",
					"error", err.Error(),
				)
				continue
			}
			fn(&env)
		}
	}
}
