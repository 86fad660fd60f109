// Package potdoc holds the replicated representation of a pot and the operations that change it.
//
// A Document wraps an automerge document. Handles are immutable: every operation forks the
// underlying document, commits exactly one change and returns a new handle. Callers keep a
// single current handle and must not run operations on a handle that has been superseded,
// since both results would claim the same actor sequence number.
package potdoc

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
)

type Document struct {
	am    *automerge.Doc
	clock func() time.Time
}

type Option func(*Document)

// WithClock overrides the clock used to stamp createdAt/updatedAt/deletedAt.
func WithClock(clock func() time.Time) Option {
	return func(d *Document) {
		d.clock = clock
	}
}

// NewActorID returns a random automerge actor id.
func NewActorID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

func newDocument(am *automerge.Doc, opts ...Option) *Document {
	d := &Document{am: am, clock: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Empty returns a document with no history. Applying the changes of another document to it
// reconstructs that document.
func Empty(actorID string, opts ...Option) (*Document, error) {
	am := automerge.New()
	if err := am.SetActorID(actorID); err != nil {
		return nil, fmt.Errorf("failed to set actor id: %w", err)
	}
	return newDocument(am, opts...), nil
}

// Load restores a document from a full save and continues it under actorID.
func Load(snapshot []byte, actorID string, opts ...Option) (*Document, error) {
	am, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	if err := am.SetActorID(actorID); err != nil {
		return nil, fmt.Errorf("failed to set actor id: %w", err)
	}
	return newDocument(am, opts...), nil
}

// Save returns the full compacted encoding of the document.
func (d *Document) Save() []byte {
	return d.am.Save()
}

func (d *Document) ActorID() string {
	return d.am.ActorID()
}

// Heads returns the causal frontier as hex change hashes.
func (d *Document) Heads() []string {
	heads := d.am.Heads()
	out := make([]string, len(heads))
	for i, h := range heads {
		out[i] = h.String()
	}
	return out
}

// ChangeCount is the number of changes in the document's history.
func (d *Document) ChangeCount() (int, error) {
	chs, err := d.am.Changes()
	if err != nil {
		return 0, fmt.Errorf("failed to generate changes: %w", err)
	}
	return len(chs), nil
}

// CountChangesSince counts changes that are not ancestors of heads.
func (d *Document) CountChangesSince(heads []string) (int, error) {
	hashes, err := ParseHeads(heads)
	if err != nil {
		return 0, err
	}
	chs, err := d.am.Changes(hashes...)
	if err != nil {
		return 0, fmt.Errorf("failed to generate changes: %w", err)
	}
	return len(chs), nil
}

// At returns a read-only view of the document as of the given change.
func (d *Document) At(hash string) (*Document, error) {
	h, err := automerge.NewChangeHash(hash)
	if err != nil {
		return nil, fmt.Errorf("invalid change hash %q: %w", hash, err)
	}
	am, err := d.am.Fork(h)
	if err != nil {
		return nil, fmt.Errorf("failed to checkout %s: %w", hash, err)
	}
	return &Document{am: am, clock: d.clock}, nil
}

func ParseHeads(heads []string) ([]automerge.ChangeHash, error) {
	out := make([]automerge.ChangeHash, 0, len(heads))
	for _, s := range heads {
		h, err := automerge.NewChangeHash(s)
		if err != nil {
			return nil, fmt.Errorf("invalid change hash %q: %w", s, err)
		}
		out = append(out, h)
	}
	return out, nil
}

func (d *Document) now() time.Time {
	return d.clock().UTC().Truncate(time.Millisecond)
}

// fork copies the document and keeps the current actor so the copy continues the same history.
func (d *Document) fork() (*Document, error) {
	am, err := d.am.Fork()
	if err != nil {
		return nil, fmt.Errorf("failed to fork doc: %w", err)
	}
	if err := am.SetActorID(d.am.ActorID()); err != nil {
		return nil, fmt.Errorf("failed to set actor id: %w", err)
	}
	return &Document{am: am, clock: d.clock}, nil
}

// edit runs fn against a fork and commits the result as a single change. The receiver is
// untouched when fn fails.
func (d *Document) edit(msg string, fn func(root *automerge.Map, now time.Time) error) (*Document, error) {
	next, err := d.fork()
	if err != nil {
		return nil, err
	}
	now := d.now()
	if err := fn(next.am.RootMap(), now); err != nil {
		return nil, err
	}
	if err := next.am.RootMap().Set(keyUpdatedAt, now); err != nil {
		return nil, fmt.Errorf("failed to stamp updatedAt: %w", err)
	}
	if _, err := next.am.Commit(msg, automerge.CommitOptions{Time: &now}); err != nil {
		return nil, fmt.Errorf("failed to commit %q: %w", msg, err)
	}
	return next, nil
}
