// Package membership gates access to a pot's replicated document. It works on a membership table
// that is separate from the document and is consulted before any load or mutation.
package membership

import (
	"context"
	"errors"
	"time"
)

type Role string

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusPending Status = "pending"
	StatusRemoved Status = "removed"
)

type Record struct {
	PotID     string    `json:"potId"`
	UserID    string    `json:"userId"`
	Role      Role      `json:"role"`
	Status    Status    `json:"status"`
	JoinedAt  time.Time `json:"joinedAt"`
	InvitedBy string    `json:"invitedBy,omitempty"`
}

var (
	ErrNotFound          = errors.New("membership not found")
	ErrForbidden         = errors.New("not allowed")
	ErrInvalidTransition = errors.New("invalid membership transition")
)

// Store is the membership table keyed by (potID, userID).
type Store interface {
	// GetMembership returns ErrNotFound when no record exists.
	GetMembership(ctx context.Context, potID, userID string) (Record, error)

	// PutMembership inserts or replaces the record.
	PutMembership(ctx context.Context, rec Record) error

	// ListMemberships returns every record of the pot.
	ListMemberships(ctx context.Context, potID string) ([]Record, error)
}
