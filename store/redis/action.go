package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Richardson2512/testlattice-backend-sub001/action"
	"github.com/Richardson2512/testlattice-backend-sub001/id"
)

// AppendAction pushes an action onto the run's List and resets the
// queue's expiry. RPUSH and EXPIRE run in one transaction so the queue
// can never end up unbounded.
func (s *Store) AppendAction(ctx context.Context, act *action.Action, ttl time.Duration) error {
	data, err := json.Marshal(act)
	if err != nil {
		return fmt.Errorf("lattice/redis: marshal action: %w", err)
	}

	key := actionsKey(act.RunID.String())
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("lattice/redis: append action: %w", err)
	}
	return nil
}

// DrainActions reads and deletes the run's whole List in one
// transaction. Concurrent drains cannot both see the same batch:
// exactly one transaction reads a non-empty list.
func (s *Store) DrainActions(ctx context.Context, runID id.RunID) ([]*action.Action, error) {
	key := actionsKey(runID.String())

	pipe := s.client.TxPipeline()
	lrange := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("lattice/redis: drain actions: %w", err)
	}

	raws, err := lrange.Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("lattice/redis: drain actions read: %w", err)
	}

	acts := make([]*action.Action, 0, len(raws))
	for _, raw := range raws {
		var act action.Action
		if uErr := json.Unmarshal([]byte(raw), &act); uErr != nil {
			s.logger.Warn("skipping malformed action",
				"run_id", runID.String(),
				"error", uErr.Error(),
			)
			continue
		}
		acts = append(acts, &act)
	}
	return acts, nil
}
