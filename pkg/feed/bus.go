package feed

import (
	"context"
	"fmt"
	"time"
)

// Bus records every published event in a ChangeLog before fanning it out. Duplicates are fanned
// out again so a retried publish still reaches live subscribers; consumers apply idempotently.
type Bus struct {
	log    ChangeLog
	fanout Broadcaster
}

func NewBus(log ChangeLog, fanout Broadcaster) *Bus {
	return &Bus{log: log, fanout: fanout}
}

func (b *Bus) Publish(ctx context.Context, ev ChangeEvent) error {
	_, err := b.Append(ctx, ev)
	return err
}

// Append is Publish that also reports whether the event was new to the log.
func (b *Bus) Append(ctx context.Context, ev ChangeEvent) (bool, error) {
	if err := ev.Validate(); err != nil {
		return false, err
	}
	stored, inserted, err := b.log.AppendChange(ctx, ev)
	if err != nil {
		return false, fmt.Errorf("failed to append change: %w", err)
	}
	if err := b.fanout.Publish(ctx, stored); err != nil {
		return inserted, fmt.Errorf("failed to fan out change: %w", err)
	}
	return inserted, nil
}

func (b *Bus) Subscribe(ctx context.Context, potID string) (Subscription, error) {
	return b.fanout.Subscribe(ctx, potID)
}

func (b *Bus) ListChangesSince(ctx context.Context, potID string, since time.Time) ([]ChangeEvent, error) {
	return b.log.ListChangesSince(ctx, potID, since)
}
