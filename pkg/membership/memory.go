package membership

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[string]Record
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]map[string]Record)}
}

func (s *MemoryStore) GetMembership(_ context.Context, potID, userID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[potID][userID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) PutMembership(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pot, ok := s.records[rec.PotID]
	if !ok {
		pot = make(map[string]Record)
		s.records[rec.PotID] = pot
	}
	pot[rec.UserID] = rec
	return nil
}

func (s *MemoryStore) ListMemberships(_ context.Context, potID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records[potID]))
	for _, rec := range s.records[potID] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
