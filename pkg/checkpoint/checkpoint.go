// Package checkpoint bounds replay history by periodically persisting compressed snapshots of a
// pot document and pruning old ones.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

type Checkpoint struct {
	ID          string    `json:"id"`
	PotID       string    `json:"potId"`
	Snapshot    []byte    `json:"snapshot,omitempty"`
	Heads       []string  `json:"heads"`
	ChangeCount int       `json:"changeCount"`
	CreatedAt   time.Time `json:"createdAt"`
	CreatedBy   string    `json:"createdBy"`
}

var ErrNotFound = errors.New("checkpoint not found")

// Store persists checkpoints keyed by pot, ordered by creation time.
type Store interface {
	// LatestCheckpoint returns the newest checkpoint or ErrNotFound.
	LatestCheckpoint(ctx context.Context, potID string) (Checkpoint, error)

	InsertCheckpoint(ctx context.Context, cp Checkpoint) error

	// ListCheckpoints returns the pot's checkpoints newest first. Snapshot bytes may be omitted.
	ListCheckpoints(ctx context.Context, potID string) ([]Checkpoint, error)

	DeleteCheckpoint(ctx context.Context, potID, id string) error
}

// State tracks where a pot is in the checkpoint lifecycle on this device.
type State int

const (
	StateUninitialized State = iota
	StateLoadedFromSnapshot
	StateLoadedFromScratch
	StateDirty
	StateCheckpointed
)

func (s State) String() string {
	switch s {
	case StateLoadedFromSnapshot:
		return "loaded-from-snapshot"
	case StateLoadedFromScratch:
		return "loaded-from-scratch"
	case StateDirty:
		return "dirty"
	case StateCheckpointed:
		return "checkpointed"
	default:
		return "uninitialized"
	}
}
