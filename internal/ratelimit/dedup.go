package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDedupTTL suppresses repeated warnings for the same key.
const DefaultDedupTTL = time.Hour

// Deduper decides whether a message keyed by key should be emitted again.
type Deduper interface {
	ShouldLog(ctx context.Context, key string) bool
}

// MemoryDeduper remembers keys in process memory.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

var _ Deduper = (*MemoryDeduper)(nil)

// NewMemoryDeduper builds an in-memory deduper.
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &MemoryDeduper{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

// ShouldLog returns true the first time key is seen within the ttl.
func (d *MemoryDeduper) ShouldLog(_ context.Context, key string) bool {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()

	if until, ok := d.seen[key]; ok && now.Before(until) {
		return false
	}
	d.seen[key] = now.Add(d.ttl)
	if len(d.seen) > 1024 {
		for k, until := range d.seen {
			if !now.Before(until) {
				delete(d.seen, k)
			}
		}
	}
	return true
}

// RedisDeduper shares the dedup window between replicas.
type RedisDeduper struct {
	client redis.UniversalClient
	ttl    time.Duration
}

var _ Deduper = (*RedisDeduper)(nil)

// NewRedisDeduper builds a Redis-backed deduper using SET NX.
func NewRedisDeduper(client redis.UniversalClient, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &RedisDeduper{client: client, ttl: ttl}
}

// ShouldLog returns true when the key was not present. Redis failures log anyway.
func (d *RedisDeduper) ShouldLog(ctx context.Context, key string) bool {
	ok, err := d.client.SetNX(ctx, "dedup:"+key, 1, d.ttl).Result()
	if err != nil {
		return true
	}
	return ok
}
