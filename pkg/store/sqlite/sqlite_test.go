package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/potsync/pkg/checkpoint"
	"github.com/astromechza/potsync/pkg/feed"
	"github.com/astromechza/potsync/pkg/membership"
	"github.com/astromechza/potsync/pkg/potdoc"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "nested", "pots.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMemberships(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.GetMembership(ctx, "p1", "alice")
	require.ErrorIs(t, err, membership.ErrNotFound)

	joined := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := membership.Record{PotID: "p1", UserID: "alice", Role: membership.RoleOwner, Status: membership.StatusActive, JoinedAt: joined}
	require.NoError(t, s.PutMembership(ctx, rec))
	got, err := s.GetMembership(ctx, "p1", "alice")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	rec.Status = membership.StatusRemoved
	require.NoError(t, s.PutMembership(ctx, rec))
	require.NoError(t, s.PutMembership(ctx, membership.Record{
		PotID: "p1", UserID: "bob", Role: membership.RoleMember, Status: membership.StatusPending,
		JoinedAt: joined.Add(time.Hour), InvitedBy: "alice",
	}))

	all, err := s.ListMemberships(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, membership.StatusRemoved, all[0].Status)
	assert.Equal(t, "alice", all[1].InvitedBy)
}

func TestMembershipGateOnSQLite(t *testing.T) {
	ctx := context.Background()
	gate := membership.NewGate(newStore(t))
	_, err := gate.Bootstrap(ctx, "p1", "alice")
	require.NoError(t, err)
	assert.True(t, gate.IsOwner(ctx, "p1", "alice"))
	assert.False(t, gate.IsMember(ctx, "p1", "bob"))
}

func TestCheckpoints(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.LatestCheckpoint(ctx, "p1")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.InsertCheckpoint(ctx, checkpoint.Checkpoint{
			ID:          fmt.Sprintf("cp%d", i),
			PotID:       "p1",
			Snapshot:    []byte{byte(i)},
			Heads:       []string{fmt.Sprintf("%064x", i)},
			ChangeCount: i * 10,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
			CreatedBy:   "alice",
		}))
	}

	latest, err := s.LatestCheckpoint(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "cp2", latest.ID)
	assert.Equal(t, []byte{2}, latest.Snapshot)
	assert.Equal(t, 20, latest.ChangeCount)
	assert.Equal(t, base.Add(2*time.Minute), latest.CreatedAt)

	list, err := s.ListCheckpoints(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "cp0", list[2].ID)
	assert.Nil(t, list[0].Snapshot)

	require.NoError(t, s.DeleteCheckpoint(ctx, "p1", "cp0"))
	assert.ErrorIs(t, s.DeleteCheckpoint(ctx, "p1", "cp0"), checkpoint.ErrNotFound)
}

func TestCheckpointManagerOnSQLite(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	m := checkpoint.NewManager(s, checkpoint.WithRetain(2))

	d, err := potdoc.FromPlain(potdoc.PlainPot{ID: "p1", Name: "Flat", BaseCurrency: "GBP"}, potdoc.NewActorID())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("Flat %d", i)
		d, err = d.UpdateMetadata(potdoc.MetadataPatch{Name: &name})
		require.NoError(t, err)
		_, err = m.Create(ctx, "p1", "alice", d)
		require.NoError(t, err)
	}

	list, err := s.ListCheckpoints(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	loaded, cp, err := m.LoadLatest(ctx, "p1", potdoc.NewActorID())
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "Flat 2", loaded.ToPlain().Name)
}

func change(pot string, n int) feed.ChangeEvent {
	return feed.ChangeEvent{
		PotID:   pot,
		Payload: []byte{byte(n), 1, 2},
		Hash:    fmt.Sprintf("%064x", n),
		Actor:   "a1",
		Seq:     uint64(n),
		UserID:  "alice",
	}
}

func TestChangeLog(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	s := newStore(t).WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	})

	first, inserted, err := s.AppendChange(ctx, change("p1", 1))
	require.NoError(t, err)
	assert.True(t, inserted)

	dup, inserted, err := s.AppendChange(ctx, change("p1", 1))
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first, dup)

	_, _, err = s.AppendChange(ctx, change("p1", 2))
	require.NoError(t, err)
	_, _, err = s.AppendChange(ctx, change("p2", 3))
	require.NoError(t, err)

	all, err := s.ListChangesSince(ctx, "p1", time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first, all[0])
	assert.Equal(t, uint64(2), all[1].Seq)

	later, err := s.ListChangesSince(ctx, "p1", first.CreatedAt.Add(time.Millisecond))
	require.NoError(t, err)
	require.Len(t, later, 1)
	assert.Equal(t, change("p1", 2).Hash, later[0].Hash)

	_, _, err = s.AppendChange(ctx, feed.ChangeEvent{PotID: "p1"})
	assert.ErrorIs(t, err, feed.ErrInvalidEvent)
}
