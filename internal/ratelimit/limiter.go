// Package ratelimit implements fixed-window request counting over a pluggable counter store.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"
)

// DefaultWindow is the length of a counting window.
const DefaultWindow = time.Minute

// UnknownClient is the key used when no client address can be derived.
const UnknownClient = "unknown"

// CounterStore increments the counter of key inside a window of the given length.
// It returns the count after increment and the time the window resets.
type CounterStore interface {
	Increment(ctx context.Context, key string, window time.Duration) (int64, time.Time, error)
}

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed           bool
	RetryAfterSeconds int
	Count             int64
	Limit             int
	ResetAt           time.Time
}

// Limiter allows at most limit requests per window and key.
type Limiter struct {
	store  CounterStore
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewLimiter builds a fixed-window limiter. A non-positive limit returns nil,
// which allows every request.
func NewLimiter(store CounterStore, limit int, window time.Duration) *Limiter {
	if limit <= 0 || store == nil {
		return nil
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{store: store, limit: limit, window: window, now: time.Now}
}

// Limit returns the configured request budget per window.
func (l *Limiter) Limit() int {
	if l == nil {
		return 0
	}
	return l.limit
}

// Check counts one request for key.
func (l *Limiter) Check(ctx context.Context, key string) (Decision, error) {
	if l == nil {
		return Decision{Allowed: true}, nil
	}
	if strings.TrimSpace(key) == "" {
		key = UnknownClient
	}

	count, resetAt, err := l.store.Increment(ctx, key, l.window)
	if err != nil {
		return Decision{Allowed: true, Limit: l.limit}, fmt.Errorf("increment counter: %w", err)
	}

	decision := Decision{
		Allowed: count <= int64(l.limit),
		Count:   count,
		Limit:   l.limit,
		ResetAt: resetAt,
	}
	if !decision.Allowed {
		decision.RetryAfterSeconds = retryAfter(resetAt.Sub(l.now()))
	}
	return decision, nil
}

func retryAfter(remaining time.Duration) int {
	secs := int(math.Ceil(remaining.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// ClientKey derives the limiter key from forwarding headers.
func ClientKey(r *http.Request) string {
	if r == nil {
		return UnknownClient
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	return UnknownClient
}
