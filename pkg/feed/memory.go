package feed

import (
	"context"
	"sync"
	"time"
)

// MemoryLog is an in-process ChangeLog.
type MemoryLog struct {
	mu     sync.RWMutex
	clock  func() time.Time
	pots   map[string][]ChangeEvent
	hashes map[string]map[string]int
}

var _ ChangeLog = (*MemoryLog)(nil)

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		clock:  time.Now,
		pots:   make(map[string][]ChangeEvent),
		hashes: make(map[string]map[string]int),
	}
}

// WithClock sets the clock used to stamp CreatedAt.
func (l *MemoryLog) WithClock(clock func() time.Time) *MemoryLog {
	l.clock = clock
	return l
}

func (l *MemoryLog) AppendChange(_ context.Context, ev ChangeEvent) (ChangeEvent, bool, error) {
	if err := ev.Validate(); err != nil {
		return ChangeEvent{}, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	seen, ok := l.hashes[ev.PotID]
	if !ok {
		seen = make(map[string]int)
		l.hashes[ev.PotID] = seen
	}
	if i, dup := seen[ev.Hash]; dup {
		return l.pots[ev.PotID][i], false, nil
	}
	ev.CreatedAt = l.clock().UTC()
	seen[ev.Hash] = len(l.pots[ev.PotID])
	l.pots[ev.PotID] = append(l.pots[ev.PotID], ev)
	return ev, true, nil
}

func (l *MemoryLog) ListChangesSince(_ context.Context, potID string, since time.Time) ([]ChangeEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []ChangeEvent
	for _, ev := range l.pots[potID] {
		if !ev.CreatedAt.Before(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Len returns the number of stored changes for a pot.
func (l *MemoryLog) Len(potID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.pots[potID])
}
