package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// RedisStore keeps one sorted set per key, scored by attempt time in
// milliseconds. Trim, add, count, and expiry run in a single MULTI so
// concurrent API instances share one window.
type RedisStore struct {
	rdb goredis.UniversalClient
}

// NewRedisStore returns a Store backed by rdb.
func NewRedisStore(rdb goredis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Hit implements Store.
func (s *RedisStore) Hit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Window, error) {
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString()
	cutoff := strconv.FormatInt(now.Add(-window).UnixMilli(), 10)

	var (
		card   *goredis.IntCmd
		oldest *goredis.ZSliceCmd
	)
	_, err := s.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, key, "-inf", cutoff)
		p.ZAdd(ctx, key, goredis.Z{Score: float64(now.UnixMilli()), Member: member})
		card = p.ZCard(ctx, key)
		oldest = p.ZRangeWithScores(ctx, key, 0, 0)
		p.PExpire(ctx, key, window)
		return nil
	})
	if err != nil {
		return Window{}, err
	}

	w := Window{Count: int(card.Val()), Allowed: int(card.Val()) <= limit}
	if zs := oldest.Val(); len(zs) > 0 {
		w.Oldest = time.UnixMilli(int64(zs[0].Score))
	}
	if !w.Allowed {
		if err := s.rdb.ZRem(ctx, key, member).Err(); err != nil {
			return w, err
		}
		w.Count = limit
	}
	return w, nil
}
