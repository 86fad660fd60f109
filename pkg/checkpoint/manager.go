package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/astromechza/potsync/pkg/potdoc"
)

const (
	DefaultThreshold = 50
	DefaultRetain    = 10
)

type Manager struct {
	store     Store
	threshold int
	retain    int
	clock     func() time.Time

	mu   sync.Mutex
	pots map[string]*potState
}

type potState struct {
	state    State
	baseline []string
}

type Option func(*Manager)

// WithThreshold sets how many changes past the last checkpoint trigger a new one.
func WithThreshold(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.threshold = n
		}
	}
}

// WithRetain sets how many checkpoints are kept per pot. At least one is always kept.
func WithRetain(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.retain = n
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		threshold: DefaultThreshold,
		retain:    DefaultRetain,
		clock:     time.Now,
		pots:      make(map[string]*potState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) pot(potID string) *potState {
	ps, ok := m.pots[potID]
	if !ok {
		ps = &potState{}
		m.pots[potID] = ps
	}
	return ps
}

func (m *Manager) State(potID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pot(potID).state
}

func (m *Manager) set(potID string, state State, baseline []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps := m.pot(potID)
	ps.state = state
	ps.baseline = append([]string(nil), baseline...)
}

// MarkFromScratch records that the pot was built without a snapshot, so its whole history counts
// towards the threshold.
func (m *Manager) MarkFromScratch(potID string) {
	m.set(potID, StateLoadedFromScratch, nil)
}

// ShouldCheckpoint reports whether the number of changes since the last checkpoint exceeds the threshold.
func (m *Manager) ShouldCheckpoint(potID string, doc *potdoc.Document) bool {
	m.mu.Lock()
	ps := m.pot(potID)
	baseline := append([]string(nil), ps.baseline...)
	m.mu.Unlock()

	n, err := doc.CountChangesSince(baseline)
	if err != nil {
		slog.Error("failed to count changes since checkpoint", "pot", potID, "err", err)
		return false
	}
	if n > 0 {
		m.mu.Lock()
		ps.state = StateDirty
		m.mu.Unlock()
	}
	return n > m.threshold
}

// logStart stamps checkpoints that cannot vouch for any part of the change log, so that opening
// from them replays the whole log.
var logStart = time.Unix(0, 0).UTC()

// Create snapshots a document that holds every logged change up to now, stamped with the manager
// clock. Devices that learn about changes from the log should use CreateCovering.
func (m *Manager) Create(ctx context.Context, potID, userID string, doc *potdoc.Document) (Checkpoint, error) {
	return m.CreateCovering(ctx, potID, userID, doc, m.clock())
}

// CreateCovering snapshots the document and makes it the new baseline. The checkpoint is stamped
// with coveredUntil, the change log time up to which doc is known to hold every change, since
// openers only replay changes logged after it. A zero coveredUntil means the whole log. Older
// checkpoints beyond the retention limit are pruned afterwards; pruning failures are only logged.
func (m *Manager) CreateCovering(ctx context.Context, potID, userID string, doc *potdoc.Document, coveredUntil time.Time) (Checkpoint, error) {
	if coveredUntil.IsZero() || coveredUntil.Before(logStart) {
		coveredUntil = logStart
	}
	count, err := doc.ChangeCount()
	if err != nil {
		return Checkpoint{}, err
	}
	raw := doc.Save()
	cp := Checkpoint{
		ID:          uuid.NewString(),
		PotID:       potID,
		Snapshot:    Compress(raw),
		Heads:       doc.Heads(),
		ChangeCount: count,
		CreatedAt:   coveredUntil.UTC(),
		CreatedBy:   userID,
	}
	if err := m.store.InsertCheckpoint(ctx, cp); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	m.set(potID, StateCheckpointed, cp.Heads)
	slog.Info("checkpoint created", "pot", potID, "id", cp.ID, "changes", count, "covered", cp.CreatedAt, "#raw", len(raw), "#snapshot", len(cp.Snapshot))

	if err := m.Cleanup(ctx, potID); err != nil {
		slog.Warn("failed to clean up old checkpoints", "pot", potID, "err", err)
	}
	return cp, nil
}

// LoadLatest restores the newest checkpoint under actorID. It returns a nil document and nil
// error when the pot has no checkpoint yet.
func (m *Manager) LoadLatest(ctx context.Context, potID, actorID string, opts ...potdoc.Option) (*potdoc.Document, *Checkpoint, error) {
	cp, err := m.store.LatestCheckpoint(ctx, potID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, nil
	} else if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch latest checkpoint: %w", err)
	}
	raw, err := Decompress(cp.Snapshot)
	if err != nil {
		return nil, nil, err
	}
	doc, err := potdoc.Load(raw, actorID, opts...)
	if err != nil {
		return nil, nil, err
	}
	m.set(potID, StateLoadedFromSnapshot, cp.Heads)
	slog.Info("checkpoint loaded", "pot", potID, "id", cp.ID, "heads", cp.Heads, "created", cp.CreatedAt)
	return doc, &cp, nil
}

// Cleanup deletes all but the newest retained checkpoints. The newest checkpoint is never deleted:
// if listing fails nothing is deleted.
func (m *Manager) Cleanup(ctx context.Context, potID string) error {
	list, err := m.store.ListCheckpoints(ctx, potID)
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	keep := max(m.retain, 1)
	if len(list) <= keep {
		return nil
	}
	var errs []error
	for _, cp := range list[keep:] {
		if err := m.store.DeleteCheckpoint(ctx, potID, cp.ID); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete checkpoint %s: %w", cp.ID, err))
			continue
		}
		slog.Debug("checkpoint pruned", "pot", potID, "id", cp.ID)
	}
	return errors.Join(errs...)
}
