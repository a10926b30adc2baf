// ABOUTME: In-process map backend for session storage. Process-local, lost on restart.
// ABOUTME: Expiry here depends entirely on the Store's sweep and lazy-expiry paths.

package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStorage keeps sessions in a mutex-guarded map. Records are cloned on
// the way in and out so callers never alias stored state.
type MemoryStorage struct {
	sessions map[string]*Session
	mu       sync.RWMutex
}

// NewMemoryStorage creates an empty in-process backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{sessions: make(map[string]*Session)}
}

func (m *MemoryStorage) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.clone(), nil
}

func (m *MemoryStorage) Set(_ context.Context, sess *Session, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = sess.clone()
	return nil
}

func (m *MemoryStorage) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStorage) List(_ context.Context, clientID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id, sess := range m.sessions {
		if clientID == "" || sess.ClientID == clientID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *MemoryStorage) CleanupExpired(_ context.Context, ttl time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, sess := range m.sessions {
		if sess.ExpiredAt(now, ttl) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStorage) Close() error { return nil }
