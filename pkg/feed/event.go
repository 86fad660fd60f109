// Package feed carries change events between devices: the append-only change log, in-process
// fan-out, and the Kafka transport used between relay replicas.
package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/astromechza/potsync/pkg/potdoc"
)

// ChangeEvent is one row of the change log: a single automerge change plus routing metadata.
type ChangeEvent struct {
	PotID     string    `json:"potId"`
	Payload   []byte    `json:"payload"`
	Hash      string    `json:"hash"`
	Actor     string    `json:"actor"`
	Seq       uint64    `json:"seq"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

var ErrInvalidEvent = errors.New("invalid change event")

func NewChangeEvent(potID, userID string, c potdoc.Change) ChangeEvent {
	return ChangeEvent{
		PotID:   potID,
		Payload: c.Bytes,
		Hash:    c.Hash,
		Actor:   c.Actor,
		Seq:     c.Seq,
		UserID:  userID,
	}
}

func EventsFor(potID, userID string, chs []potdoc.Change) []ChangeEvent {
	out := make([]ChangeEvent, len(chs))
	for i, c := range chs {
		out[i] = NewChangeEvent(potID, userID, c)
	}
	return out
}

// Validate checks the fields every consumer relies on. It does not decode the payload.
func (e ChangeEvent) Validate() error {
	switch {
	case e.PotID == "":
		return fmt.Errorf("%w: missing pot id", ErrInvalidEvent)
	case len(e.Payload) == 0:
		return fmt.Errorf("%w: empty payload", ErrInvalidEvent)
	case len(e.Hash) != 64:
		return fmt.Errorf("%w: bad hash %q", ErrInvalidEvent, e.Hash)
	case e.Actor == "":
		return fmt.Errorf("%w: missing actor", ErrInvalidEvent)
	case e.Seq == 0:
		return fmt.Errorf("%w: missing sequence", ErrInvalidEvent)
	}
	return nil
}

type Publisher interface {
	Publish(ctx context.Context, ev ChangeEvent) error
}

type Subscriber interface {
	// Subscribe delivers events for potID published after the call. The subscription ends when
	// ctx is cancelled, Close is called, or the transport fails.
	Subscribe(ctx context.Context, potID string) (Subscription, error)
}

type Broadcaster interface {
	Publisher
	Subscriber
}

type Subscription interface {
	Events() <-chan ChangeEvent
	// Done is closed when the subscription ends; Err then reports why (nil after Close).
	Done() <-chan struct{}
	Err() error
	Close() error
}

// ChangeLog is the durable append-only change table.
type ChangeLog interface {
	// AppendChange stores ev unless the pot already has a change with the same hash. It returns
	// the stored row, with CreatedAt stamped by the log, and whether it was newly inserted.
	AppendChange(ctx context.Context, ev ChangeEvent) (ChangeEvent, bool, error)

	// ListChangesSince returns the pot's changes recorded at or after since, oldest first.
	ListChangesSince(ctx context.Context, potID string, since time.Time) ([]ChangeEvent, error)
}
