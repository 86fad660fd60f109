// Package realtime runs live sync sessions: one Handle per open pot, owning the current document,
// an outbox of unpublished local changes and the goroutines that publish, receive and checkpoint.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/astromechza/potsync/pkg/checkpoint"
	"github.com/astromechza/potsync/pkg/feed"
	"github.com/astromechza/potsync/pkg/potdoc"
)

// Authorizer is the membership check consulted before a pot is loaded.
type Authorizer interface {
	IsMember(ctx context.Context, potID, userID string) bool
}

// Transport is the remote change feed: publish, live subscription and catch-up from the log.
type Transport interface {
	feed.Publisher
	feed.Subscriber
	ListChangesSince(ctx context.Context, potID string, since time.Time) ([]feed.ChangeEvent, error)
}

type Options struct {
	// OpenTimeout bounds authorization and loading, and each publish attempt.
	OpenTimeout time.Duration
	// RetryInterval is the wait between failed publish or subscribe attempts.
	RetryInterval time.Duration
	// ReplayOverlap widens the replay window back from the checkpoint time and from the last
	// seen change on reconnect. Zero replays strictly after the checkpoint.
	ReplayOverlap time.Duration
	Clock         func() time.Time
}

func (o Options) withDefaults() Options {
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 5 * time.Second
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 2 * time.Second
	}
	if o.ReplayOverlap < 0 {
		o.ReplayOverlap = 0
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

type Syncer struct {
	auth        Authorizer
	transport   Transport
	checkpoints *checkpoint.Manager
	opts        Options
}

func NewSyncer(auth Authorizer, transport Transport, checkpoints *checkpoint.Manager, opts Options) *Syncer {
	return &Syncer{
		auth:        auth,
		transport:   transport,
		checkpoints: checkpoints,
		opts:        opts.withDefaults(),
	}
}

// Open authorizes userID for potID, loads the latest checkpoint and replays the changes recorded
// after it, then subscribes to the pot's feed. initial seeds the pot when it has no history.
// Open fails with ErrUnauthorized or ErrNoDocument; transport failures only leave the handle offline.
func (s *Syncer) Open(ctx context.Context, potID, userID string, initial *potdoc.PlainPot) (*Handle, error) {
	h := newHandle(s, potID, userID, initial)
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()
	if err := h.open(ctx); err != nil {
		h.setState(StateStopped)
		return nil, err
	}
	return h, nil
}

// applyEvents merges events into doc, dropping any that cannot be decoded. It returns the new
// document, the events that were loaded and one error per dropped event. A loaded event may still
// be waiting on its dependencies; see parkedEvents.
func applyEvents(doc *potdoc.Document, evs []feed.ChangeEvent) (*potdoc.Document, []feed.ChangeEvent, []error) {
	if len(evs) == 0 {
		return doc, nil, nil
	}
	evs = append([]feed.ChangeEvent(nil), evs...)
	var errs []error
	for len(evs) > 0 {
		payloads := make([][]byte, len(evs))
		for i, ev := range evs {
			payloads[i] = ev.Payload
		}
		next, err := potdoc.ApplyChanges(doc, payloads...)
		if err == nil {
			return next, evs, errs
		}
		var de *potdoc.DecodeError
		if !errors.As(err, &de) || de.Index < 0 || de.Index >= len(evs) {
			return doc, nil, append(errs, err)
		}
		errs = append(errs, err)
		evs = append(evs[:de.Index:de.Index], evs[de.Index+1:]...)
	}
	return doc, nil, errs
}

// parkedEvents returns the loaded events that doc has not applied yet because a dependency is
// still missing, once per hash.
func parkedEvents(doc *potdoc.Document, evs []feed.ChangeEvent) []feed.ChangeEvent {
	var out []feed.ChangeEvent
	seen := make(map[string]bool)
	for _, ev := range evs {
		if seen[ev.Hash] || doc.Has(ev.Hash) {
			continue
		}
		seen[ev.Hash] = true
		out = append(out, ev)
	}
	return out
}

// coveredUntil is the log time up to which doc is known to hold every change: just before the
// newest event seen, or before the oldest event still parked. Zero means nothing is known.
func coveredUntil(lastSeen time.Time, parked []feed.ChangeEvent) time.Time {
	if lastSeen.IsZero() {
		return time.Time{}
	}
	t := lastSeen
	for _, ev := range parked {
		if ev.CreatedAt.Before(t) {
			t = ev.CreatedAt
		}
	}
	// stores keep microseconds, and another event may share the boundary time
	return t.Add(-time.Microsecond)
}

func strictlyAfter(evs []feed.ChangeEvent, t time.Time) []feed.ChangeEvent {
	out := evs[:0:0]
	for _, ev := range evs {
		if ev.CreatedAt.After(t) {
			out = append(out, ev)
		}
	}
	return out
}

func validEvents(potID string, evs []feed.ChangeEvent) ([]feed.ChangeEvent, []error) {
	out := evs[:0:0]
	var errs []error
	for _, ev := range evs {
		if ev.PotID != potID {
			continue
		}
		if err := ev.Validate(); err != nil {
			errs = append(errs, &potdoc.DecodeError{Index: 0, Err: err})
			continue
		}
		out = append(out, ev)
	}
	return out, errs
}

func latest(t time.Time, evs []feed.ChangeEvent) time.Time {
	for _, ev := range evs {
		if ev.CreatedAt.After(t) {
			t = ev.CreatedAt
		}
	}
	return t
}

func logDropped(log *slog.Logger, errs []error) {
	for _, err := range errs {
		decodeErrorCounter.Inc()
		log.Warn("dropping change", "err", err)
	}
}
