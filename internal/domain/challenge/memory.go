package challenge

import (
	"context"
	"sync"

	"github.com/okian/sabor/internal/domain/model"
)

type memoryEntry struct {
	c   model.Challenge
	rev uint64
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	rev     uint64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, phone string) (model.Challenge, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[phone]
	if !ok {
		return model.Challenge{}, 0, ErrNotFound
	}
	return e.c, e.rev, nil
}

// Replace implements Store.
func (s *MemoryStore) Replace(_ context.Context, c model.Challenge) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rev++
	s.entries[c.Phone] = memoryEntry{c: c, rev: s.rev}
	return s.rev, nil
}

// Swap implements Store.
func (s *MemoryStore) Swap(_ context.Context, c model.Challenge, rev uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[c.Phone]
	if !ok || e.rev != rev {
		return 0, ErrConflict
	}
	s.rev++
	s.entries[c.Phone] = memoryEntry{c: c, rev: s.rev}
	return s.rev, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, phone string, rev uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[phone]
	if !ok || e.rev != rev {
		return ErrConflict
	}
	delete(s.entries, phone)
	return nil
}
