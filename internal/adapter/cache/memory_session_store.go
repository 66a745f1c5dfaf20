package cache

import (
	"context"
	"sync"
	"time"

	"github.com/smallbiznis/valora-storefront/internal/domain/oauth"
	"github.com/smallbiznis/valora-storefront/internal/repository"
)

// MemorySessionStore keeps PKCE sessions in process memory. Used when no
// Redis address is configured.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]memorySession
	now      func() time.Time
}

type memorySession struct {
	session   oauth.PKCESession
	expiresAt time.Time
}

var _ repository.PKCESessionStore = (*MemorySessionStore)(nil)

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]memorySession), now: time.Now}
}

func (s *MemorySessionStore) SaveSession(_ context.Context, session oauth.PKCESession, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, entry := range s.sessions {
		if !now.Before(entry.expiresAt) {
			delete(s.sessions, id)
		}
	}
	s.sessions[session.SessionID] = memorySession{session: session, expiresAt: now.Add(ttl)}
	return nil
}

func (s *MemorySessionStore) GetSession(_ context.Context, sessionID string) (*oauth.PKCESession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[sessionID]
	if !ok || !s.now().Before(entry.expiresAt) {
		return nil, nil
	}
	session := entry.session
	return &session, nil
}

func (s *MemorySessionStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}
