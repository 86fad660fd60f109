package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/potsync/pkg/potdoc"
)

func event(pot string, n int) ChangeEvent {
	return ChangeEvent{
		PotID:   pot,
		Payload: []byte(fmt.Sprintf("change-%d", n)),
		Hash:    fmt.Sprintf("%064x", n),
		Actor:   "a1",
		Seq:     uint64(n),
		UserID:  "alice",
	}
}

func receive(t *testing.T, sub Subscription) ChangeEvent {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-sub.Done():
		t.Fatalf("subscription ended: %v", sub.Err())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return ChangeEvent{}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, event("p", 1).Validate())

	for name, mut := range map[string]func(*ChangeEvent){
		"pot":     func(e *ChangeEvent) { e.PotID = "" },
		"payload": func(e *ChangeEvent) { e.Payload = nil },
		"hash":    func(e *ChangeEvent) { e.Hash = "abc" },
		"actor":   func(e *ChangeEvent) { e.Actor = "" },
		"seq":     func(e *ChangeEvent) { e.Seq = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			ev := event("p", 1)
			mut(&ev)
			assert.ErrorIs(t, ev.Validate(), ErrInvalidEvent)
		})
	}
}

func TestEventsFromDocument(t *testing.T) {
	d, err := potdoc.FromPlain(potdoc.PlainPot{
		ID:           "p1",
		Name:         "Trip",
		BaseCurrency: "EUR",
		Members:      []potdoc.PlainMember{{ID: "alice", Name: "Alice", Role: potdoc.DisplayOwner}},
	}, potdoc.NewActorID())
	require.NoError(t, err)
	chs, err := potdoc.ExtractChanges(d)
	require.NoError(t, err)

	evs := EventsFor("p1", "alice", chs)
	require.Len(t, evs, 1)
	require.NoError(t, evs[0].Validate())
	assert.Equal(t, d.ActorID(), evs[0].Actor)
	assert.Equal(t, uint64(1), evs[0].Seq)
}

func TestHubDeliversPerPot(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(8)
	a, err := hub.Subscribe(ctx, "p1")
	require.NoError(t, err)
	b, err := hub.Subscribe(ctx, "p2")
	require.NoError(t, err)

	require.NoError(t, hub.Publish(ctx, event("p1", 1)))
	assert.Equal(t, event("p1", 1), receive(t, a))
	select {
	case ev := <-b.Events():
		t.Fatalf("unexpected event %v", ev)
	default:
	}

	require.NoError(t, a.Close())
	assert.Equal(t, 0, hub.Subscribers("p1"))
	assert.Equal(t, 1, hub.Subscribers("p2"))
	assert.NoError(t, a.Err())
}

func TestHubRejectsInvalid(t *testing.T) {
	hub := NewHub(1)
	assert.ErrorIs(t, hub.Publish(context.Background(), ChangeEvent{PotID: "p1"}), ErrInvalidEvent)
}

func TestHubClosesSlowConsumer(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(1)
	sub, err := hub.Subscribe(ctx, "p1")
	require.NoError(t, err)

	require.NoError(t, hub.Publish(ctx, event("p1", 1)))
	require.NoError(t, hub.Publish(ctx, event("p1", 2)))

	<-sub.Done()
	assert.ErrorIs(t, sub.Err(), ErrSlowConsumer)
	assert.Equal(t, 0, hub.Subscribers("p1"))
}

func TestHubSubscriptionEndsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(1)
	sub, err := hub.Subscribe(ctx, "p1")
	require.NoError(t, err)
	cancel()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not end")
	}
	assert.Eventually(t, func() bool { return hub.Subscribers("p1") == 0 }, time.Second, 10*time.Millisecond)
}

func TestMemoryLogDedupesAndOrders(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	log := NewMemoryLog().WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	})

	first, inserted, err := log.AppendChange(ctx, event("p1", 1))
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 1, 0, time.UTC), first.CreatedAt)

	again, inserted, err := log.AppendChange(ctx, event("p1", 1))
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.CreatedAt, again.CreatedAt)

	_, _, err = log.AppendChange(ctx, event("p1", 2))
	require.NoError(t, err)
	_, _, err = log.AppendChange(ctx, event("p2", 3))
	require.NoError(t, err)

	all, err := log.ListChangesSince(ctx, "p1", time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, uint64(1), all[0].Seq)
	assert.Equal(t, uint64(2), all[1].Seq)

	later, err := log.ListChangesSince(ctx, "p1", first.CreatedAt.Add(time.Millisecond))
	require.NoError(t, err)
	require.Len(t, later, 1)
	assert.Equal(t, uint64(2), later[0].Seq)
}

func TestBusAppendsThenFansOut(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()
	bus := NewBus(log, NewHub(8))
	sub, err := bus.Subscribe(ctx, "p1")
	require.NoError(t, err)
	defer sub.Close()

	inserted, err := bus.Append(ctx, event("p1", 1))
	require.NoError(t, err)
	assert.True(t, inserted)
	got := receive(t, sub)
	assert.False(t, got.CreatedAt.IsZero())

	inserted, err = bus.Append(ctx, event("p1", 1))
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, got, receive(t, sub))
	assert.Equal(t, 1, log.Len("p1"))

	listed, err := bus.ListChangesSince(ctx, "p1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

type stubWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
}

func (w *stubWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *stubWriter) Close() error { return nil }

type stubReader struct {
	messages    chan kafka.Message
	mu          sync.Mutex
	commitCalls int
	closed      bool
}

func (r *stubReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case msg := <-r.messages:
		return msg, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *stubReader) CommitMessages(context.Context, ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commitCalls++
	return nil
}

func (r *stubReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func TestKafkaPublishKeysByPot(t *testing.T) {
	w := &stubWriter{}
	k := NewKafkaBroadcasterWithWriter(w)
	require.NoError(t, k.Publish(context.Background(), event("p1", 1)))

	require.Len(t, w.messages, 1)
	assert.Equal(t, "p1", string(w.messages[0].Key))
	var decoded ChangeEvent
	require.NoError(t, json.Unmarshal(w.messages[0].Value, &decoded))
	assert.Equal(t, event("p1", 1), decoded)

	w.err = kafka.LeaderNotAvailable
	assert.ErrorIs(t, k.Publish(context.Background(), event("p1", 2)), kafka.LeaderNotAvailable)
}

func TestKafkaSubscribeFiltersPot(t *testing.T) {
	reader := &stubReader{messages: make(chan kafka.Message, 4)}
	var group string
	k := NewKafkaBroadcasterWithWriter(&stubWriter{}, WithReaderFactory(func(groupID string) Reader {
		group = groupID
		return reader
	}))

	sub, err := k.Subscribe(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(group, "potsync-"))

	for _, ev := range []ChangeEvent{event("p2", 1), event("p1", 2)} {
		value, err := json.Marshal(ev)
		require.NoError(t, err)
		reader.messages <- kafka.Message{Key: []byte(ev.PotID), Value: value}
	}
	reader.messages <- kafka.Message{Key: []byte("p1"), Value: []byte("{not json")}
	value, _ := json.Marshal(event("p1", 3))
	reader.messages <- kafka.Message{Key: []byte("p1"), Value: value}

	assert.Equal(t, uint64(2), receive(t, sub).Seq)
	assert.Equal(t, uint64(3), receive(t, sub).Seq)

	require.NoError(t, sub.Close())
	reader.mu.Lock()
	defer reader.mu.Unlock()
	assert.True(t, reader.closed)
}
