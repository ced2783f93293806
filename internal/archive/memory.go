package archive

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory, thread-safe Store. It is useful for tests and
// for deployments that accept losing the chain on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[uint64]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[uint64]Record)}
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, rec Record) error {
	if rec.Block == nil {
		return fmt.Errorf("archive: record has no block")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.records[rec.Index()]; ok {
		if prev.Hash() != rec.Hash() {
			return fmt.Errorf("%w: block %d", ErrConflict, rec.Index())
		}
		return nil
	}
	s.records[rec.Index()] = rec
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, index uint64) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[index]
	if !ok {
		return nil, fmt.Errorf("block %d: %w", index, ErrNotFound)
	}
	return &rec, nil
}

// Len implements Store.
func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Index() < out[j].Index() })
	return out, nil
}
