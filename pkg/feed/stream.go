package feed

import (
	"context"
	"sync"
)

// Stream is the Subscription implementation shared by every transport. The events channel is
// never closed; consumers select on Done.
type Stream struct {
	ch      chan ChangeEvent
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	err     error
	onClose func()
}

var _ Subscription = (*Stream)(nil)

func NewStream(buffer int, onClose func()) *Stream {
	return &Stream{
		ch:      make(chan ChangeEvent, buffer),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

func (s *Stream) Events() <-chan ChangeEvent {
	return s.ch
}

func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Deliver blocks until the event is queued, the stream ends or ctx is cancelled.
func (s *Stream) Deliver(ctx context.Context, ev ChangeEvent) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- ev:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// TryDeliver queues the event without blocking.
func (s *Stream) TryDeliver(ev ChangeEvent) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

// Fail ends the stream with err. Only the first call has an effect.
func (s *Stream) Fail(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
}

func (s *Stream) Close() error {
	s.Fail(nil)
	return nil
}

// closeWith ends s when ctx is cancelled.
func closeWith(ctx context.Context, s *Stream) {
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
}
