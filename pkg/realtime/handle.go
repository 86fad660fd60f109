package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/potsync/pkg/checkpoint"
	"github.com/astromechza/potsync/pkg/feed"
	"github.com/astromechza/potsync/pkg/potdoc"
)

type State int

const (
	StateIdle State = iota
	StateAuthorizing
	StateLoading
	StateSubscribed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateAuthorizing:
		return "authorizing"
	case StateLoading:
		return "loading"
	case StateSubscribed:
		return "subscribed"
	case StateStopped:
		return "stopped"
	default:
		return "idle"
	}
}

type Status struct {
	State     State
	IsOnline  bool
	IsSyncing bool
	// Pending is the number of local changes not yet acknowledged by the transport.
	Pending   int
	LastError error
}

// Handle is an open pot. All methods are safe for concurrent use; local mutations apply in the
// order they are submitted.
type Handle struct {
	syncer  *Syncer
	potID   string
	userID  string
	initial *potdoc.PlainPot
	log     *slog.Logger

	// lifecycle serialises open, ForceSync and Close.
	lifecycle sync.Mutex

	mu           sync.Mutex
	doc          *potdoc.Document
	value        potdoc.PlainPot
	outbox       []feed.ChangeEvent
	parked       []feed.ChangeEvent
	state        State
	online       bool
	loading      bool
	lastErr      error
	lastSeen     time.Time
	listeners    map[int]func(potdoc.PlainPot)
	nextListener int
	cancel       context.CancelFunc

	wg      sync.WaitGroup
	wake    chan struct{}
	dirty   chan struct{}
	changed chan struct{}
}

func newHandle(s *Syncer, potID, userID string, initial *potdoc.PlainPot) *Handle {
	return &Handle{
		syncer:    s,
		potID:     potID,
		userID:    userID,
		initial:   initial,
		log:       slog.With("pot", potID, "user", userID),
		listeners: make(map[int]func(potdoc.PlainPot)),
		wake:      make(chan struct{}, 1),
		dirty:     make(chan struct{}, 1),
		changed:   make(chan struct{}, 1),
	}
}

func kick(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.loading = s == StateAuthorizing || s == StateLoading
	h.mu.Unlock()
}

func (h *Handle) fail(err error) {
	h.mu.Lock()
	h.lastErr = err
	var te *TransportError
	if errors.As(err, &te) {
		h.online = false
	}
	h.mu.Unlock()
	h.log.Warn("sync error", "err", err)
}

func (h *Handle) open(ctx context.Context) error {
	opts := h.syncer.opts
	ctx, cancel := context.WithTimeout(ctx, opts.OpenTimeout)
	defer cancel()

	h.setState(StateAuthorizing)
	if !h.syncer.auth.IsMember(ctx, h.potID, h.userID) {
		return ErrUnauthorized
	}

	h.setState(StateLoading)
	actor := potdoc.NewActorID()
	docOpts := []potdoc.Option{potdoc.WithClock(opts.Clock)}
	h.log = slog.With("pot", h.potID, "user", h.userID, "actor", actor)

	doc, cp, err := h.syncer.checkpoints.LoadLatest(ctx, h.potID, actor, docOpts...)
	if err != nil {
		h.fail(&CheckpointError{Op: "load", Err: err})
		doc, cp = nil, nil
	}
	var from time.Time
	if doc != nil {
		from = cp.CreatedAt.Add(-opts.ReplayOverlap)
	} else if doc, err = potdoc.Empty(actor, docOpts...); err != nil {
		return err
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	sub, subErr := h.syncer.transport.Subscribe(runCtx, h.potID)
	if subErr != nil {
		h.fail(&TransportError{Op: "subscribe", Err: subErr})
		sub = nil
	}
	evs, listErr := h.syncer.transport.ListChangesSince(ctx, h.potID, from)
	if listErr != nil {
		h.fail(&TransportError{Op: "replay changes", Err: listErr})
		if sub != nil {
			_ = sub.Close()
			sub = nil
		}
	}
	evs, dropped := validEvents(h.potID, strictlyAfter(evs, from))
	h.mu.Lock()
	carried := append([]feed.ChangeEvent(nil), h.parked...)
	h.mu.Unlock()
	doc, loaded, applyErrs := applyEvents(doc, append(carried, evs...))
	dropped = append(dropped, applyErrs...)
	logDropped(h.log, dropped)

	h.mu.Lock()
	doc, _, applyErrs = applyEvents(doc, h.outbox)
	logDropped(h.log, applyErrs)
	count, err := doc.ChangeCount()
	if err != nil {
		h.mu.Unlock()
		runCancel()
		return err
	}
	if count == 0 {
		if h.initial == nil {
			h.mu.Unlock()
			runCancel()
			if listErr != nil {
				return fmt.Errorf("%w: %w", ErrNoDocument, &TransportError{Op: "replay changes", Err: listErr})
			}
			return ErrNoDocument
		}
		if doc, err = potdoc.FromPlain(*h.initial, actor, docOpts...); err != nil {
			h.mu.Unlock()
			runCancel()
			return err
		}
		chs, err := potdoc.ExtractChanges(doc)
		if err != nil {
			h.mu.Unlock()
			runCancel()
			return err
		}
		h.outbox = append(h.outbox, feed.EventsFor(h.potID, h.userID, chs)...)
	}
	if cp == nil {
		h.syncer.checkpoints.MarkFromScratch(h.potID)
	}
	h.doc = doc
	h.value = doc.ToPlain()
	h.parked = parkedEvents(doc, loaded)
	h.lastSeen = latest(from, evs)
	h.state = StateSubscribed
	h.loading = false
	h.online = sub != nil
	if len(dropped) > 0 {
		h.lastErr = dropped[len(dropped)-1]
	}
	h.cancel = runCancel
	pending, parked := len(h.outbox), len(h.parked)
	h.mu.Unlock()

	outboxGauge.WithLabelValues(h.potID).Set(float64(pending))
	h.log.Info("pot opened", "from-snapshot", cp != nil, "replayed", len(evs), "pending", pending, "parked", parked, "online", sub != nil)

	h.wg.Add(4)
	go h.sendLoop(runCtx)
	go h.receiveLoop(runCtx, sub)
	go h.checkpointLoop(runCtx)
	go h.notifyLoop(runCtx)
	kick(h.wake)
	kick(h.dirty)
	kick(h.changed)
	return nil
}

func (h *Handle) stop() {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()
	if cancel != nil {
		cancel()
		h.wg.Wait()
	}
}

// mutate applies fn to the current document and queues the resulting change for publishing.
func (h *Handle) mutate(op string, fn func(*potdoc.Document) (*potdoc.Document, error)) (potdoc.PlainPot, error) {
	h.mu.Lock()
	if h.state == StateStopped || h.doc == nil {
		h.mu.Unlock()
		return potdoc.PlainPot{}, ErrClosed
	}
	prev := h.doc
	next, err := fn(prev)
	if err != nil {
		h.mu.Unlock()
		return potdoc.PlainPot{}, err
	}
	chs, err := next.ChangesSince(prev)
	if err != nil {
		h.mu.Unlock()
		return potdoc.PlainPot{}, err
	}
	h.doc = next
	h.value = next.ToPlain()
	h.outbox = append(h.outbox, feed.EventsFor(h.potID, h.userID, chs)...)
	value, pending := h.value, len(h.outbox)
	h.mu.Unlock()

	localChangesCounter.WithLabelValues(op).Inc()
	outboxGauge.WithLabelValues(h.potID).Set(float64(pending))
	kick(h.wake)
	kick(h.dirty)
	kick(h.changed)
	return value, nil
}

func (h *Handle) AddMember(m potdoc.PlainMember) (potdoc.PlainPot, error) {
	return h.mutate("add-member", func(d *potdoc.Document) (*potdoc.Document, error) { return d.AddMember(m) })
}

func (h *Handle) UpdateMember(id string, patch potdoc.MemberPatch) (potdoc.PlainPot, error) {
	return h.mutate("update-member", func(d *potdoc.Document) (*potdoc.Document, error) { return d.UpdateMember(id, patch) })
}

func (h *Handle) RemoveMember(id string) (potdoc.PlainPot, error) {
	return h.mutate("remove-member", func(d *potdoc.Document) (*potdoc.Document, error) { return d.RemoveMember(id) })
}

func (h *Handle) AddExpense(e potdoc.PlainExpense) (potdoc.PlainPot, error) {
	return h.mutate("add-expense", func(d *potdoc.Document) (*potdoc.Document, error) { return d.AddExpense(e) })
}

func (h *Handle) UpdateExpense(id string, patch potdoc.ExpensePatch) (potdoc.PlainPot, error) {
	return h.mutate("update-expense", func(d *potdoc.Document) (*potdoc.Document, error) { return d.UpdateExpense(id, patch) })
}

func (h *Handle) DeleteExpense(id string) (potdoc.PlainPot, error) {
	return h.mutate("delete-expense", func(d *potdoc.Document) (*potdoc.Document, error) { return d.DeleteExpense(id) })
}

func (h *Handle) UpdateMetadata(patch potdoc.MetadataPatch) (potdoc.PlainPot, error) {
	return h.mutate("update-metadata", func(d *potdoc.Document) (*potdoc.Document, error) { return d.UpdateMetadata(patch) })
}

func (h *Handle) CurrentValue() potdoc.PlainPot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.value
}

// Document returns the current immutable document handle.
func (h *Handle) Document() *potdoc.Document {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.doc
}

func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Status{
		State:     h.state,
		IsOnline:  h.online,
		IsSyncing: h.loading || len(h.outbox) > 0,
		Pending:   len(h.outbox),
		LastError: h.lastErr,
	}
}

// OnChange registers fn to receive the projected value after local or remote changes. Calls are
// made from a single goroutine and coalesced, so fn always sees the latest value.
func (h *Handle) OnChange(fn func(potdoc.PlainPot)) (unregister func()) {
	h.mu.Lock()
	id := h.nextListener
	h.nextListener++
	h.listeners[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.listeners, id)
		h.mu.Unlock()
	}
}

// ForceSave checkpoints the current document regardless of the threshold.
func (h *Handle) ForceSave(ctx context.Context) (checkpoint.Checkpoint, error) {
	doc, covered := h.checkpointState()
	if doc == nil {
		return checkpoint.Checkpoint{}, ErrClosed
	}
	return h.createCheckpoint(ctx, doc, covered)
}

// ForceSync drops the in-memory document and opens the pot again from the latest checkpoint.
// Unpublished local changes are kept and re-applied.
func (h *Handle) ForceSync(ctx context.Context) error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()
	if h.Status().State == StateStopped {
		return ErrClosed
	}
	h.stop()
	if err := h.open(ctx); err != nil {
		h.setState(StateStopped)
		return err
	}
	return nil
}

// Close stops the session after trying to publish any queued changes. It reports a
// TransportError when changes are still unpublished.
func (h *Handle) Close() error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()
	if h.Status().State == StateStopped {
		return nil
	}
	h.stop()

	ctx, cancel := context.WithTimeout(context.Background(), h.syncer.opts.OpenTimeout)
	defer cancel()
	h.flush(ctx)

	h.mu.Lock()
	h.state = StateStopped
	pending := len(h.outbox)
	h.mu.Unlock()
	outboxGauge.DeleteLabelValues(h.potID)
	h.log.Info("pot closed", "pending", pending)
	if pending > 0 {
		return &TransportError{Op: "flush outbox", Err: fmt.Errorf("%d changes not published", pending)}
	}
	return nil
}

func (h *Handle) peek() (feed.ChangeEvent, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.outbox) == 0 {
		return feed.ChangeEvent{}, false
	}
	return h.outbox[0], true
}

func (h *Handle) ack(hash string) {
	h.mu.Lock()
	if len(h.outbox) > 0 && h.outbox[0].Hash == hash {
		h.outbox = h.outbox[1:]
	}
	h.online = true
	pending := len(h.outbox)
	h.mu.Unlock()
	outboxGauge.WithLabelValues(h.potID).Set(float64(pending))
}

// flush publishes queued changes in order until the outbox is empty or ctx ends.
func (h *Handle) flush(ctx context.Context) {
	opts := h.syncer.opts
	for {
		ev, ok := h.peek()
		if !ok {
			return
		}
		pctx, cancel := context.WithTimeout(ctx, opts.OpenTimeout)
		err := h.syncer.transport.Publish(pctx, ev)
		cancel()
		if err == nil {
			h.ack(ev.Hash)
			continue
		}
		if ctx.Err() != nil {
			return
		}
		publishErrorCounter.Inc()
		h.fail(&TransportError{Op: "publish change", Err: err})
		select {
		case <-ctx.Done():
			return
		case <-time.After(opts.RetryInterval):
		}
	}
}

func (h *Handle) sendLoop(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.wake:
			h.flush(ctx)
		}
	}
}

func (h *Handle) receiveLoop(ctx context.Context, sub feed.Subscription) {
	defer h.wg.Done()
	for {
		if sub == nil {
			if sub = h.reconnect(ctx); sub == nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			_ = sub.Close()
			return
		case ev := <-sub.Events():
			h.applyRemote([]feed.ChangeEvent{ev})
		case <-sub.Done():
			if err := sub.Err(); err != nil && ctx.Err() == nil {
				h.fail(&TransportError{Op: "receive changes", Err: err})
			}
			sub = nil
		}
	}
}

// reconnect subscribes again and catches up on anything missed while disconnected.
func (h *Handle) reconnect(ctx context.Context) feed.Subscription {
	opts := h.syncer.opts
	for {
		if ctx.Err() != nil {
			return nil
		}
		h.mu.Lock()
		since := h.lastSeen.Add(-opts.ReplayOverlap)
		h.mu.Unlock()

		sub, err := h.syncer.transport.Subscribe(ctx, h.potID)
		if err == nil {
			var evs []feed.ChangeEvent
			if evs, err = h.syncer.transport.ListChangesSince(ctx, h.potID, since); err == nil {
				h.applyRemote(evs)
				h.mu.Lock()
				h.online = true
				h.mu.Unlock()
				h.log.Info("resubscribed", "caught-up", len(evs))
				kick(h.wake)
				return sub
			}
			_ = sub.Close()
			h.fail(&TransportError{Op: "catch up", Err: err})
		} else {
			h.fail(&TransportError{Op: "subscribe", Err: err})
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(opts.RetryInterval):
		}
	}
}

func (h *Handle) applyRemote(evs []feed.ChangeEvent) {
	evs, dropped := validEvents(h.potID, evs)
	h.mu.Lock()
	if h.state == StateStopped || h.doc == nil {
		h.mu.Unlock()
		return
	}
	next, loaded, applyErrs := applyEvents(h.doc, append(h.parked[:len(h.parked):len(h.parked)], evs...))
	dropped = append(dropped, applyErrs...)
	h.doc = next
	h.value = next.ToPlain()
	h.parked = parkedEvents(next, loaded)
	h.lastSeen = latest(h.lastSeen, evs)
	if len(dropped) > 0 {
		h.lastErr = dropped[len(dropped)-1]
	}
	parked := len(h.parked)
	h.mu.Unlock()

	logDropped(h.log, dropped)
	if parked > 0 {
		h.log.Debug("waiting on missing dependencies", "parked", parked)
	}
	if applied := len(loaded) - parked; applied > 0 {
		remoteAppliedCounter.Add(float64(applied))
		kick(h.dirty)
		kick(h.changed)
	}
}

func (h *Handle) checkpointLoop(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.dirty:
			doc, covered := h.checkpointState()
			if doc == nil || !h.syncer.checkpoints.ShouldCheckpoint(h.potID, doc) {
				continue
			}
			_, _ = h.createCheckpoint(ctx, doc, covered)
		}
	}
}

// checkpointState returns the document together with the log time it is known to cover. Both are
// read under one lock so a checkpoint never claims changes its snapshot lacks.
func (h *Handle) checkpointState() (*potdoc.Document, time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.doc, coveredUntil(h.lastSeen, h.parked)
}

func (h *Handle) createCheckpoint(ctx context.Context, doc *potdoc.Document, covered time.Time) (checkpoint.Checkpoint, error) {
	cp, err := h.syncer.checkpoints.CreateCovering(ctx, h.potID, h.userID, doc, covered)
	if err != nil {
		checkpointCounter.WithLabelValues("failed").Inc()
		cerr := &CheckpointError{Op: "create", Err: err}
		h.fail(cerr)
		return checkpoint.Checkpoint{}, cerr
	}
	checkpointCounter.WithLabelValues("created").Inc()
	return cp, nil
}

func (h *Handle) notifyLoop(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.changed:
			h.mu.Lock()
			value := h.value
			fns := make([]func(potdoc.PlainPot), 0, len(h.listeners))
			for _, fn := range h.listeners {
				fns = append(fns, fn)
			}
			h.mu.Unlock()
			for _, fn := range fns {
				fn(value)
			}
		}
	}
}
