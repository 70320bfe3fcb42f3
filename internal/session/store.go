// Package session owns the live table of quote intake sessions: creation
// under a capacity limit, lazy and swept expiry, and structured-data merges.
package session

import (
	"sync"

	"github.com/ashureev/quotevoice/internal/domain"
)

// Store is the keyed session table the Manager operates on.
// Implementations must be safe for concurrent use.
type Store interface {
	Get(id string) (*domain.Session, bool)
	Put(s *domain.Session)
	Delete(id string) bool
	Len() int
	// Range calls fn for every stored session until fn returns false.
	Range(fn func(s *domain.Session) bool)
}

// MemoryStore is an in-process Store backed by a map.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*domain.Session),
	}
}

// Get returns the stored session pointer for id.
func (s *MemoryStore) Get(id string) (*domain.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Put inserts or replaces a session.
func (s *MemoryStore) Put(sess *domain.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

// Delete removes id and reports whether it was present.
func (s *MemoryStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}

// Len returns the number of stored sessions.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Range iterates over a snapshot of the stored sessions.
func (s *MemoryStore) Range(fn func(*domain.Session) bool) {
	s.mu.RLock()
	snapshot := make([]*domain.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		snapshot = append(snapshot, sess)
	}
	s.mu.RUnlock()

	for _, sess := range snapshot {
		if !fn(sess) {
			return
		}
	}
}
