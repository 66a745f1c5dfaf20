package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallbiznis/valora-storefront/internal/domain/oauth"
	"github.com/smallbiznis/valora-storefront/internal/repository"
)

const sessionPrefix = "oauth:pkce:"

// RedisSessionStore implements PKCESessionStore backed by Redis.
type RedisSessionStore struct {
	client redis.UniversalClient
}

var _ repository.PKCESessionStore = (*RedisSessionStore)(nil)

// NewRedisSessionStore constructs a Redis-backed session store.
func NewRedisSessionStore(client redis.UniversalClient) *RedisSessionStore {
	return &RedisSessionStore{client: client}
}

// SaveSession stores the encoded PKCE session with TTL.
func (s *RedisSessionStore) SaveSession(ctx context.Context, session oauth.PKCESession, ttl time.Duration) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, sessionPrefix+session.SessionID, payload, ttl).Err(); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

// GetSession loads and decodes the session. A missing key returns nil, nil.
func (s *RedisSessionStore) GetSession(ctx context.Context, sessionID string) (*oauth.PKCESession, error) {
	bytes, err := s.client.Get(ctx, sessionPrefix+sessionID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	var session oauth.PKCESession
	if err := json.Unmarshal(bytes, &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &session, nil
}

// DeleteSession removes the persisted session key.
func (s *RedisSessionStore) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, sessionPrefix+sessionID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
