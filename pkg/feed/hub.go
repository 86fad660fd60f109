package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrSlowConsumer ends a subscription whose buffer is full. The subscriber is expected to
// resubscribe and catch up from the change log.
var ErrSlowConsumer = errors.New("subscriber fell behind")

// Hub fans events out to in-process subscribers, one room per pot.
type Hub struct {
	buffer int
	mu     sync.RWMutex
	rooms  map[string]map[*Stream]struct{}
}

var _ Broadcaster = (*Hub)(nil)

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{buffer: buffer, rooms: make(map[string]map[*Stream]struct{})}
}

func (h *Hub) Publish(_ context.Context, ev ChangeEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	h.mu.RLock()
	subs := make([]*Stream, 0, len(h.rooms[ev.PotID]))
	for s := range h.rooms[ev.PotID] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		if !s.TryDeliver(ev) {
			slog.Warn("closing slow subscriber", "pot", ev.PotID)
			s.Fail(ErrSlowConsumer)
		}
	}
	return nil
}

func (h *Hub) Subscribe(ctx context.Context, potID string) (Subscription, error) {
	var s *Stream
	s = NewStream(h.buffer, func() { h.leave(potID, s) })

	h.mu.Lock()
	room, ok := h.rooms[potID]
	if !ok {
		room = make(map[*Stream]struct{})
		h.rooms[potID] = room
	}
	room[s] = struct{}{}
	h.mu.Unlock()

	closeWith(ctx, s)
	return s, nil
}

func (h *Hub) leave(potID string, s *Stream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms[potID], s)
	if len(h.rooms[potID]) == 0 {
		delete(h.rooms, potID)
	}
}

// Subscribers returns the number of live subscriptions for a pot.
func (h *Hub) Subscribers(potID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[potID])
}
