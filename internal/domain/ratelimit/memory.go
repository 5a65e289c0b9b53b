package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/okian/sabor/internal/domain/model"
)

const sweepEvery = 1024

type memoryEntry struct {
	w    model.RateWindow
	size time.Duration
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]memoryEntry
	calls   int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]memoryEntry)}
}

// Increment implements Store.
func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.calls%sweepEvery == 0 {
		s.sweep(now)
	}

	e := s.windows[key]
	e.w = Advance(e.w, key, window, now)
	e.size = window
	s.windows[key] = e
	return e.w.Count, nil
}

// Len returns the number of live windows.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// sweep drops expired windows. Must be called with s.mu held.
func (s *MemoryStore) sweep(now time.Time) {
	for k, e := range s.windows {
		if now.Sub(e.w.WindowStart) > e.size {
			delete(s.windows, k)
		}
	}
}
