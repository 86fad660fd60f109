package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/potsync/pkg/auth"
	"github.com/astromechza/potsync/pkg/checkpoint"
	"github.com/astromechza/potsync/pkg/feed"
	"github.com/astromechza/potsync/pkg/membership"
	"github.com/astromechza/potsync/pkg/potdoc"
	"github.com/astromechza/potsync/pkg/realtime"
)

const waitFor = 3 * time.Second
const tick = 10 * time.Millisecond

type testRelay struct {
	url    string
	tokens *auth.JWTManager
	log    *feed.MemoryLog
	hub    *feed.Hub
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	log := feed.NewMemoryLog()
	hub := feed.NewHub(64)
	tokens := auth.NewJWTManager("test-secret", time.Hour)
	srv := NewServer(
		membership.NewGate(membership.NewMemoryStore()),
		feed.NewBus(log, hub),
		checkpoint.NewMemoryStore(),
		tokens,
	)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testRelay{url: ts.URL, tokens: tokens, log: log, hub: hub}
}

func (r *testRelay) client(t *testing.T, user string) *Client {
	t.Helper()
	token, err := r.tokens.Generate(user)
	require.NoError(t, err)
	c, err := NewClient(r.url, token)
	require.NoError(t, err)
	return c
}

func (r *testRelay) withPot(t *testing.T) (alice, bob *Client) {
	t.Helper()
	ctx := context.Background()
	alice, bob = r.client(t, "alice"), r.client(t, "bob")
	_, err := alice.Bootstrap(ctx, "p1")
	require.NoError(t, err)
	_, err = alice.AddMember(ctx, "p1", "bob", membership.RoleMember)
	require.NoError(t, err)
	return alice, bob
}

func changeEvents(t *testing.T, user string) []feed.ChangeEvent {
	t.Helper()
	doc, err := potdoc.FromPlain(potdoc.PlainPot{ID: "p1", Name: "Flat", BaseCurrency: "GBP"}, potdoc.NewActorID())
	require.NoError(t, err)
	next, err := doc.AddExpense(potdoc.PlainExpense{ID: "e1", Amount: decimal.RequireFromString("4.20"), PaidBy: user})
	require.NoError(t, err)
	chs, err := potdoc.ExtractChanges(next)
	require.NoError(t, err)
	return feed.EventsFor("p1", user, chs)
}

func TestRejectsMissingToken(t *testing.T) {
	r := newTestRelay(t)
	resp, err := http.Get(r.url + "/pots/p1/members")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(r.url + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNonMembersAreForbidden(t *testing.T) {
	r := newTestRelay(t)
	r.withPot(t)
	carol := r.client(t, "carol")
	ctx := context.Background()

	assert.False(t, carol.IsMember(ctx, "p1", "carol"))
	_, err := carol.Members(ctx, "p1")
	assert.ErrorIs(t, err, membership.ErrForbidden)
	err = carol.Publish(ctx, changeEvents(t, "carol")[0])
	assert.ErrorIs(t, err, membership.ErrForbidden)
	_, err = carol.Subscribe(ctx, "p1")
	assert.ErrorIs(t, err, membership.ErrForbidden)
	assert.Zero(t, r.log.Len("p1"))
}

func TestMembershipLifecycle(t *testing.T) {
	r := newTestRelay(t)
	alice, bob := r.withPot(t)
	ctx := context.Background()

	assert.True(t, bob.IsMember(ctx, "p1", "bob"))
	_, err := alice.Bootstrap(ctx, "p1")
	assert.ErrorIs(t, err, membership.ErrForbidden)

	_, err = bob.Invite(ctx, "p1", "carol", membership.RoleMember)
	assert.ErrorIs(t, err, membership.ErrForbidden)
	rec, err := alice.Invite(ctx, "p1", "carol", membership.RoleMember)
	require.NoError(t, err)
	assert.Equal(t, membership.StatusPending, rec.Status)

	carol := r.client(t, "carol")
	assert.False(t, carol.IsMember(ctx, "p1", "carol"))
	rec, err = carol.AcceptInvitation(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, membership.StatusActive, rec.Status)
	_, err = carol.AcceptInvitation(ctx, "p1")
	assert.ErrorIs(t, err, membership.ErrInvalidTransition)

	recs, err := bob.Members(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, recs, 3)

	_, err = alice.RemoveMember(ctx, "p1", "alice")
	assert.ErrorIs(t, err, membership.ErrInvalidTransition)
	_, err = alice.RemoveMember(ctx, "p1", "bob")
	require.NoError(t, err)
	assert.False(t, bob.IsMember(ctx, "p1", "bob"))
}

func TestCheckpointsThroughRelay(t *testing.T) {
	r := newTestRelay(t)
	alice, bob := r.withPot(t)
	ctx := context.Background()

	_, err := bob.LatestCheckpoint(ctx, "p1")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)

	doc, err := potdoc.FromPlain(potdoc.PlainPot{ID: "p1", Name: "Flat", BaseCurrency: "GBP"}, potdoc.NewActorID())
	require.NoError(t, err)
	cp, err := checkpoint.NewManager(alice).Create(ctx, "p1", "alice", doc)
	require.NoError(t, err)

	loaded, got, err := checkpoint.NewManager(bob).LoadLatest(ctx, "p1", potdoc.NewActorID())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, cp.ID, got.ID)
	assert.Equal(t, "alice", got.CreatedBy)
	assert.Equal(t, "Flat", loaded.ToPlain().Name)

	list, err := bob.ListCheckpoints(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Empty(t, list[0].Snapshot)

	require.NoError(t, bob.DeleteCheckpoint(ctx, "p1", cp.ID))
	assert.ErrorIs(t, bob.DeleteCheckpoint(ctx, "p1", cp.ID), checkpoint.ErrNotFound)
}

func TestPublishIsIdempotent(t *testing.T) {
	r := newTestRelay(t)
	alice, bob := r.withPot(t)
	ctx := context.Background()
	evs := changeEvents(t, "alice")
	before := testutil.ToFloat64(appendedCounter.WithLabelValues("duplicate"))

	for _, ev := range evs {
		require.NoError(t, alice.Publish(ctx, ev))
	}
	require.NoError(t, alice.Publish(ctx, evs[0]))
	assert.Equal(t, before+1, testutil.ToFloat64(appendedCounter.WithLabelValues("duplicate")))

	got, err := bob.ListChangesSince(ctx, "p1", time.Time{})
	require.NoError(t, err)
	require.Len(t, got, len(evs))
	assert.Equal(t, evs[0].Hash, got[0].Hash)
	assert.Equal(t, "alice", got[0].UserID)

	later, err := bob.ListChangesSince(ctx, "p1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, later)

	bad := evs[0]
	bad.Payload = nil
	assert.Error(t, alice.Publish(ctx, bad))
}

func TestFeedDeliversPublishedEvents(t *testing.T) {
	r := newTestRelay(t)
	alice, bob := r.withPot(t)
	ctx := context.Background()

	sub, err := bob.Subscribe(ctx, "p1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r.hub.Subscribers("p1") == 1 }, waitFor, tick)

	evs := changeEvents(t, "alice")
	require.NoError(t, alice.Publish(ctx, evs[0]))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, evs[0].Hash, ev.Hash)
		assert.Equal(t, evs[0].Payload, ev.Payload)
	case <-time.After(waitFor):
		t.Fatal("no event received")
	}

	require.NoError(t, sub.Close())
	require.Eventually(t, func() bool { return r.hub.Subscribers("p1") == 0 }, waitFor, tick)
}

func TestDevicesConvergeThroughRelay(t *testing.T) {
	r := newTestRelay(t)
	alice, bob := r.withPot(t)
	ctx := context.Background()
	opts := realtime.Options{OpenTimeout: time.Second, RetryInterval: 20 * time.Millisecond}

	sa := realtime.NewSyncer(alice, alice, checkpoint.NewManager(alice), opts)
	a, err := sa.Open(ctx, "p1", "alice", &potdoc.PlainPot{
		ID:           "p1",
		Name:         "Flat",
		BaseCurrency: "GBP",
		Members: []potdoc.PlainMember{
			{ID: "alice", Name: "Alice", Role: potdoc.DisplayOwner},
			{ID: "bob", Name: "Bob", Role: potdoc.DisplayMember},
		},
	})
	require.NoError(t, err)
	defer a.Close()
	require.Eventually(t, func() bool { return a.Status().Pending == 0 }, waitFor, tick)

	sb := realtime.NewSyncer(bob, bob, checkpoint.NewManager(bob), opts)
	b, err := sb.Open(ctx, "p1", "bob", nil)
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, "Flat", b.CurrentValue().Name)

	_, err = a.AddExpense(potdoc.PlainExpense{ID: "rent", Amount: decimal.RequireFromString("900"), PaidBy: "alice"})
	require.NoError(t, err)
	_, err = b.AddExpense(potdoc.PlainExpense{ID: "food", Amount: decimal.RequireFromString("42.10"), PaidBy: "bob"})
	require.NoError(t, err)

	converged := func() bool {
		pa, pb := a.CurrentValue(), b.CurrentValue()
		return len(pa.Expenses) == 2 && len(pb.Expenses) == 2
	}
	require.Eventually(t, converged, waitFor, tick)
	assert.ElementsMatch(t, a.Document().Heads(), b.Document().Heads())

	food, ok := a.CurrentValue().Expense("food")
	require.True(t, ok)
	assert.True(t, decimal.RequireFromString("42.10").Equal(food.Amount))
}
