package ratelimit

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(limit int) (*Limiter, *MemoryStore, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	store.now = clock.Now
	limiter := NewLimiter(store, limit, time.Minute)
	limiter.now = clock.Now
	return limiter, store, clock
}

func TestLimiterFixedWindow(t *testing.T) {
	limiter, _, clock := newTestLimiter(3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := limiter.Check(ctx, "10.0.0.1")
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i+1)
	}

	clock.Advance(20 * time.Second)
	d, err := limiter.Check(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, 40, d.RetryAfterSeconds)
	require.EqualValues(t, 4, d.Count)

	other, err := limiter.Check(ctx, "10.0.0.2")
	require.NoError(t, err)
	require.True(t, other.Allowed)

	clock.Advance(40 * time.Second)
	d, err = limiter.Check(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.EqualValues(t, 1, d.Count)
}

func TestLimiterDisabled(t *testing.T) {
	var limiter *Limiter = NewLimiter(NewMemoryStore(), 0, time.Minute)
	require.Nil(t, limiter)

	d, err := limiter.Check(context.Background(), "x")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

type failingStore struct{}

func (failingStore) Increment(context.Context, string, time.Duration) (int64, time.Time, error) {
	return 0, time.Time{}, errors.New("redis down")
}

func TestLimiterStoreErrorAllows(t *testing.T) {
	limiter := NewLimiter(failingStore{}, 1, time.Minute)
	d, err := limiter.Check(context.Background(), "x")
	require.Error(t, err)
	require.True(t, d.Allowed)
}

func TestMemoryStoreSweep(t *testing.T) {
	limiter, store, clock := newTestLimiter(10)
	ctx := context.Background()

	_, err := limiter.Check(ctx, "a")
	require.NoError(t, err)
	clock.Advance(30 * time.Second)
	_, err = limiter.Check(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, 2, store.Len())

	clock.Advance(31 * time.Second)
	require.Equal(t, 1, store.Sweep())
	require.Equal(t, 1, store.Len())
}

func TestMemoryStoreConcurrentIncrements(t *testing.T) {
	store := NewMemoryStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = store.Increment(context.Background(), "k", time.Minute)
		}()
	}
	wg.Wait()

	count, _, err := store.Increment(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 51, count)
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest("POST", "/webhooks/payments", nil)
	require.Equal(t, UnknownClient, ClientKey(req))

	req.Header.Set("X-Real-IP", "192.168.1.4")
	require.Equal(t, "192.168.1.4", ClientKey(req))

	req.Header.Set("X-Forwarded-For", " 203.0.113.9, 10.0.0.1")
	require.Equal(t, "203.0.113.9", ClientKey(req))
}

func TestMemoryDeduper(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	d := NewMemoryDeduper(time.Hour)
	d.now = clock.Now
	ctx := context.Background()

	require.True(t, d.ShouldLog(ctx, "payments:in_mediation"))
	require.False(t, d.ShouldLog(ctx, "payments:in_mediation"))
	require.True(t, d.ShouldLog(ctx, "marketplace:partially_paid"))

	clock.Advance(time.Hour)
	require.True(t, d.ShouldLog(ctx, "payments:in_mediation"))
}
