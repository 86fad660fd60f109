package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/potsync/pkg/potdoc"
)

func tickingClock() func() time.Time {
	t := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func seedDoc(t *testing.T) *potdoc.Document {
	t.Helper()
	d, err := potdoc.FromPlain(potdoc.PlainPot{
		ID:           "P",
		Name:         "Flat",
		BaseCurrency: "DOT",
		Members:      []potdoc.PlainMember{{ID: "alice", Name: "Alice", Role: potdoc.DisplayOwner}},
	}, potdoc.NewActorID())
	require.NoError(t, err)
	return d
}

func addExpenses(t *testing.T, d *potdoc.Document, from, to int) *potdoc.Document {
	t.Helper()
	for i := from; i < to; i++ {
		var err error
		d, err = d.AddExpense(potdoc.PlainExpense{
			ID:     fmt.Sprintf("e%03d", i),
			Amount: decimal.NewFromInt(int64(i)),
			PaidBy: "alice",
		})
		require.NoError(t, err)
	}
	return d
}

func TestShouldCheckpointAfterThreshold(t *testing.T) {
	m := NewManager(NewMemoryStore(), WithThreshold(5))
	d := seedDoc(t)
	m.MarkFromScratch("P")
	require.Equal(t, StateLoadedFromScratch, m.State("P"))

	d = addExpenses(t, d, 0, 4) // 5 changes including genesis
	require.False(t, m.ShouldCheckpoint("P", d))
	require.Equal(t, StateDirty, m.State("P"))

	d = addExpenses(t, d, 4, 5)
	require.True(t, m.ShouldCheckpoint("P", d))

	_, err := m.Create(context.Background(), "P", "alice", d)
	require.NoError(t, err)
	require.Equal(t, StateCheckpointed, m.State("P"))
	require.False(t, m.ShouldCheckpoint("P", d))
}

func TestCheckpointEquivalentToFullReplay(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewManager(store, WithClock(tickingClock()))

	d := addExpenses(t, seedDoc(t), 0, 20)
	cp, err := m.Create(ctx, "P", "alice", d)
	require.NoError(t, err)
	require.Equal(t, 21, cp.ChangeCount)
	require.ElementsMatch(t, d.Heads(), cp.Heads)

	full := addExpenses(t, d, 20, 30)
	full, err = full.DeleteExpense("e005")
	require.NoError(t, err)
	later, err := full.ChangesSinceHeads(cp.Heads)
	require.NoError(t, err)
	require.Len(t, later, 11)

	loaded, got, err := m.LoadLatest(ctx, "P", potdoc.NewActorID())
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, cp.ID, got.ID)
	require.Equal(t, StateLoadedFromSnapshot, m.State("P"))
	replayed, err := potdoc.ApplyChanges(loaded, potdoc.Payloads(later)...)
	require.NoError(t, err)

	all, err := potdoc.ExtractChanges(full)
	require.NoError(t, err)
	empty, err := potdoc.Empty(potdoc.NewActorID())
	require.NoError(t, err)
	genesis, err := potdoc.ApplyChanges(empty, potdoc.Payloads(all)...)
	require.NoError(t, err)

	require.Equal(t, genesis.ToPlain(), replayed.ToPlain())
	require.Equal(t, full.ToPlain(), replayed.ToPlain())
}

func TestLoadLatestWithoutCheckpoint(t *testing.T) {
	m := NewManager(NewMemoryStore())
	doc, cp, err := m.LoadLatest(context.Background(), "P", potdoc.NewActorID())
	require.NoError(t, err)
	require.Nil(t, doc)
	require.Nil(t, cp)
}

func TestCleanupKeepsNewest(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewManager(store, WithRetain(3), WithClock(tickingClock()))
	d := seedDoc(t)

	var last Checkpoint
	for i := 0; i < 6; i++ {
		d = addExpenses(t, d, i, i+1)
		cp, err := m.Create(ctx, "P", "alice", d)
		require.NoError(t, err)
		last = cp
	}
	list, err := store.ListCheckpoints(ctx, "P")
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, last.ID, list[0].ID)

	latest, err := store.LatestCheckpoint(ctx, "P")
	require.NoError(t, err)
	require.Equal(t, last.ID, latest.ID)
}

func TestCreateCoveringStampsLogTime(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewManager(store, WithClock(tickingClock()))
	d := addExpenses(t, seedDoc(t), 0, 2)

	covered := time.Date(2023, 12, 31, 23, 0, 0, 0, time.FixedZone("CET", 3600))
	cp, err := m.CreateCovering(ctx, "P", "alice", d, covered)
	require.NoError(t, err)
	require.True(t, cp.CreatedAt.Equal(covered))
	require.Equal(t, time.UTC, cp.CreatedAt.Location())

	cp, err = m.CreateCovering(ctx, "P", "alice", d, time.Time{})
	require.NoError(t, err)
	require.True(t, cp.CreatedAt.Equal(time.Unix(0, 0)))

	latest, err := store.LatestCheckpoint(ctx, "P")
	require.NoError(t, err)
	require.True(t, latest.CreatedAt.Equal(covered), "the checkpoint covering more of the log stays the latest")
}

type flakyStore struct {
	*MemoryStore
	failInsert bool
	failList   bool
	deleted    []string
}

func (s *flakyStore) InsertCheckpoint(ctx context.Context, cp Checkpoint) error {
	if s.failInsert {
		return errors.New("disk full")
	}
	return s.MemoryStore.InsertCheckpoint(ctx, cp)
}

func (s *flakyStore) ListCheckpoints(ctx context.Context, potID string) ([]Checkpoint, error) {
	if s.failList {
		return nil, errors.New("timeout")
	}
	return s.MemoryStore.ListCheckpoints(ctx, potID)
}

func (s *flakyStore) DeleteCheckpoint(ctx context.Context, potID, id string) error {
	s.deleted = append(s.deleted, id)
	return s.MemoryStore.DeleteCheckpoint(ctx, potID, id)
}

func TestFailedInsertKeepsThresholdTripped(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failInsert: true}
	m := NewManager(store, WithThreshold(2))
	d := addExpenses(t, seedDoc(t), 0, 3)
	m.MarkFromScratch("P")

	require.True(t, m.ShouldCheckpoint("P", d))
	_, err := m.Create(context.Background(), "P", "alice", d)
	require.Error(t, err)
	require.True(t, m.ShouldCheckpoint("P", d), "retried on the next cycle")

	store.failInsert = false
	_, err = m.Create(context.Background(), "P", "alice", d)
	require.NoError(t, err)
	require.False(t, m.ShouldCheckpoint("P", d))
}

func TestCleanupDeletesNothingWhenListingFails(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	m := NewManager(store, WithRetain(1), WithClock(tickingClock()))
	d := seedDoc(t)
	for i := 0; i < 3; i++ {
		d = addExpenses(t, d, i, i+1)
		_, err := m.Create(ctx, "P", "alice", d)
		require.NoError(t, err)
	}
	require.Len(t, store.deleted, 2)

	store.failList = true
	store.deleted = nil
	require.Error(t, m.Cleanup(ctx, "P"))
	require.Empty(t, store.deleted)
	_, err := store.LatestCheckpoint(ctx, "P")
	require.NoError(t, err)
}

func TestCompressRoundTrip(t *testing.T) {
	raw := seedDoc(t).Save()
	out, err := Decompress(Compress(raw))
	require.NoError(t, err)
	require.Equal(t, raw, out)

	_, err = Decompress([]byte("garbage"))
	require.Error(t, err)
}
