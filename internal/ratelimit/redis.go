package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const counterPrefix = "ratelimit:"

// RedisStore shares counters between replicas through Redis.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

var _ CounterStore = (*RedisStore)(nil)

// NewRedisStore constructs a Redis-backed counter store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

// Increment implements CounterStore with INCR, EXPIRE NX and PTTL in one round trip.
func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	redisKey := counterPrefix + key

	var (
		incr *redis.IntCmd
		pttl *redis.DurationCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.ExpireNX(ctx, redisKey, window)
		pttl = pipe.PTTL(ctx, redisKey)
		return nil
	})
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("incr %s: %w", redisKey, err)
	}

	remaining := pttl.Val()
	if remaining <= 0 {
		remaining = window
	}
	return incr.Val(), s.now().Add(remaining), nil
}
