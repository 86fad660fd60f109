package checkpoint

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.RWMutex
	pots map[string][]Checkpoint
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pots: make(map[string][]Checkpoint)}
}

func (s *MemoryStore) LatestCheckpoint(_ context.Context, potID string) (Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.pots[potID]
	if len(list) == 0 {
		return Checkpoint{}, ErrNotFound
	}
	return list[0], nil
}

func (s *MemoryStore) InsertCheckpoint(_ context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.pots[cp.PotID], cp)
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	s.pots[cp.PotID] = list
	return nil
}

func (s *MemoryStore) ListCheckpoints(_ context.Context, potID string) ([]Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Checkpoint(nil), s.pots[potID]...), nil
}

func (s *MemoryStore) DeleteCheckpoint(_ context.Context, potID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.pots[potID]
	for i, cp := range list {
		if cp.ID == id {
			s.pots[potID] = append(list[:i:i], list[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}
