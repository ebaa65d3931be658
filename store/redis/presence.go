package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Richardson2512/testlattice-backend-sub001/id"
	"github.com/Richardson2512/testlattice-backend-sub001/presence"
)

// PutPresence stores a record as a JSON value with the given TTL.
func (s *Store) PutPresence(ctx context.Context, rec *presence.Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("lattice/redis: marshal presence: %w", err)
	}
	key := presenceKey(rec.RunID.String(), rec.ViewerID.String())
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("lattice/redis: put presence: %w", err)
	}
	return nil
}

// RefreshPresence rewrites the record with a fresh TTL. A record that
// already expired is recreated, which is the desired self-healing
// behavior after a store hiccup.
func (s *Store) RefreshPresence(ctx context.Context, rec *presence.Record, ttl time.Duration) error {
	return s.PutPresence(ctx, rec, ttl)
}

// DeletePresence removes a record immediately.
func (s *Store) DeletePresence(ctx context.Context, runID id.RunID, viewerID id.ViewerID) error {
	key := presenceKey(runID.String(), viewerID.String())
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("lattice/redis: delete presence: %w", err)
	}
	return nil
}

// ListPresence scans the run's presence keys and fetches the records.
// Keys that expire between the scan and the fetch are skipped.
func (s *Store) ListPresence(ctx context.Context, runID id.RunID) ([]*presence.Record, error) {
	keys, err := s.scanKeys(ctx, presenceRunPattern(runID.String()))
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("lattice/redis: list presence: %w", err)
	}

	recs := make([]*presence.Record, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var rec presence.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			s.logger.Warn("skipping malformed presence record",
				"error", err.Error(),
			)
			continue
		}
		recs = append(recs, &rec)
	}
	return recs, nil
}

// CountPresence counts unexpired records fleet-wide.
func (s *Store) CountPresence(ctx context.Context) (int64, error) {
	keys, err := s.scanKeys(ctx, presencePattern)
	if err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}

// CountPresenceRuns counts distinct runs with at least one record. The
// run id is the second-to-last segment of the presence key.
func (s *Store) CountPresenceRuns(ctx context.Context) (int64, error) {
	keys, err := s.scanKeys(ctx, presencePattern)
	if err != nil {
		return 0, err
	}
	runs := make(map[string]struct{})
	for _, key := range keys {
		parts := strings.Split(key, ":")
		if len(parts) < 2 {
			continue
		}
		runs[parts[len(parts)-2]] = struct{}{}
	}
	return int64(len(runs)), nil
}

// scanKeys collects every key matching pattern using SCAN, never KEYS.
func (s *Store) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 256).Result()
		if err != nil {
			return nil, fmt.Errorf("lattice/redis: scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}
