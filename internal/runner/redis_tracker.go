package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RunEventsChannel is the pub/sub channel carrying every recorded snapshot.
const RunEventsChannel = "runs:events"

// RedisTracker keeps snapshots as JSON strings under run:<id>, indexes
// children in the set run:<parent>:children, and publishes each snapshot on
// RunEventsChannel. Keys expire after SnapshotTTL.
type RedisTracker struct {
	rdb goredis.UniversalClient
	ttl time.Duration
}

// NewRedisTracker returns a Tracker backed by rdb.
func NewRedisTracker(rdb goredis.UniversalClient) *RedisTracker {
	return &RedisTracker{rdb: rdb, ttl: SnapshotTTL}
}

func runKey(id string) string      { return "run:" + id }
func childrenKey(id string) string { return "run:" + id + ":children" }

// Record implements Tracker.
func (t *RedisTracker) Record(ctx context.Context, s Snapshot) error {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = t.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Set(ctx, runKey(s.RunID), raw, t.ttl)
		if s.ParentRunID != "" {
			p.SAdd(ctx, childrenKey(s.ParentRunID), s.RunID)
			p.Expire(ctx, childrenKey(s.ParentRunID), t.ttl)
		}
		p.Publish(ctx, RunEventsChannel, raw)
		return nil
	})
	return err
}

// Get implements Tracker.
func (t *RedisTracker) Get(ctx context.Context, runID string) (*Snapshot, error) {
	raw, err := t.rdb.Get(ctx, runKey(runID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", runID, err)
	}
	return &s, nil
}

// Children implements Tracker. Children whose snapshot already expired are
// skipped.
func (t *RedisTracker) Children(ctx context.Context, parentRunID string) ([]Snapshot, error) {
	ids, err := t.rdb.SMembers(ctx, childrenKey(parentRunID)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = runKey(id)
	}
	vals, err := t.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var s Snapshot
		if err := json.Unmarshal([]byte(str), &s); err != nil {
			return nil, fmt.Errorf("decode child snapshot: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}

// Forget implements Tracker.
func (t *RedisTracker) Forget(ctx context.Context, runID string) error {
	ids, err := t.rdb.SMembers(ctx, childrenKey(runID)).Result()
	if err != nil {
		return err
	}
	keys := []string{runKey(runID), childrenKey(runID)}
	for _, id := range ids {
		keys = append(keys, runKey(id))
	}
	return t.rdb.Del(ctx, keys...).Err()
}

// Subscribe implements Tracker. The subscription is confirmed before it
// returns so no snapshot recorded afterwards is missed.
func (t *RedisTracker) Subscribe(ctx context.Context) (<-chan Snapshot, func(), error) {
	sub := t.rdb.Subscribe(ctx, RunEventsChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", RunEventsChannel, err)
	}

	out := make(chan Snapshot, 64)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}

	go func() {
		defer close(out)
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var s Snapshot
				if err := json.Unmarshal([]byte(msg.Payload), &s); err != nil {
					zerolog.Ctx(ctx).Warn().Err(err).Msg("dropping malformed run event")
					continue
				}
				select {
				case out <- s:
				case <-done:
					return
				case <-ctx.Done():
					cancel()
					return
				}
			}
		}
	}()
	return out, cancel, nil
}
