package authz

import (
	"context"
	"sync"
	"time"
)

// SessionStore is keyed storage for in-flight sessions. Put performs a
// compare-and-swap on Session.Version: a stale write fails with
// ErrVersionConflict and the caller re-reads. ExpiredPending feeds the sweep.
type SessionStore interface {
	Get(ctx context.Context, id string) (Session, error)
	Put(ctx context.Context, s Session) error
	ExpiredPending(ctx context.Context, now time.Time) ([]string, error)
}

// InMemoryStore implements SessionStore with in-process concurrency safety.
// The Postgres store in internal/store/pg is the durable counterpart.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]Session)}
}

var _ SessionStore = (*InMemoryStore)(nil)

func (m *InMemoryStore) Get(ctx context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *InMemoryStore) Put(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.sessions[s.ID]
	if ok && existing.Version != s.Version {
		return ErrVersionConflict
	}
	s.Version++
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *InMemoryStore) ExpiredPending(ctx context.Context, now time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, s := range m.sessions {
		if s.Status == StatusPending && !now.Before(s.ExpiresAt) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Len reports the number of stored sessions regardless of state.
func (m *InMemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
