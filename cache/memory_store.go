package cache

import (
	"context"
	"sync"
)

// MemoryStore keeps entries in process memory. It backs tests and the
// CACHE_BACKEND=memory mode.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Load(ctx context.Context, fingerprint string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[fingerprint]
	if !ok {
		return Entry{}, ErrMiss
	}
	return e, nil
}

func (s *MemoryStore) Save(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.Fingerprint] = e
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	metas := make([]Meta, 0, len(s.entries))
	for fp, e := range s.entries {
		metas = append(metas, Meta{Fingerprint: fp, CreatedAt: e.CreatedAt})
	}
	return metas, nil
}

func (s *MemoryStore) Delete(ctx context.Context, fingerprints ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fp := range fingerprints {
		delete(s.entries, fp)
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
