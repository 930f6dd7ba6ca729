package history

import (
	"context"
	"sync"
)

// MemoryStore keeps attempts in memory. It is the default when no database
// path is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	attempts []Attempt
	closed   bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Record implements Store.
func (s *MemoryStore) Record(_ context.Context, a Attempt) (Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Attempt{}, ErrStoreClosed
	}
	a.Seq = int64(len(s.attempts) + 1)
	s.attempts = append(s.attempts, a)
	return a, nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, workerID string, limit int) ([]Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var out []Attempt
	for i := len(s.attempts) - 1; i >= 0; i-- {
		if workerID != "" && s.attempts[i].WorkerID != workerID {
			continue
		}
		out = append(out, s.attempts[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
