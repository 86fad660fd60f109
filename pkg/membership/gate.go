package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Gate answers authorization questions and performs the allowed membership transitions.
// Lookups fail closed: any store error means "not authorized".
type Gate struct {
	store Store
	clock func() time.Time
}

func NewGate(store Store) *Gate {
	return &Gate{store: store, clock: time.Now}
}

// WithClock returns a copy of the gate stamping JoinedAt with clock.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	return &Gate{store: g.store, clock: clock}
}

func (g *Gate) lookup(ctx context.Context, potID, userID string) (Record, bool) {
	if potID == "" || userID == "" {
		return Record{}, false
	}
	rec, err := g.store.GetMembership(ctx, potID, userID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			slog.Error("membership lookup failed", "pot", potID, "user", userID, "err", err)
		}
		return Record{}, false
	}
	return rec, true
}

// IsMember is true only for an active membership record.
func (g *Gate) IsMember(ctx context.Context, potID, userID string) bool {
	rec, ok := g.lookup(ctx, potID, userID)
	return ok && rec.Status == StatusActive
}

// IsOwner is true only for an active owner.
func (g *Gate) IsOwner(ctx context.Context, potID, userID string) bool {
	rec, ok := g.lookup(ctx, potID, userID)
	return ok && rec.Status == StatusActive && rec.Role == RoleOwner
}

// Get returns the record for a user, for display purposes.
func (g *Gate) Get(ctx context.Context, potID, userID string) (Record, error) {
	return g.store.GetMembership(ctx, potID, userID)
}

// List returns every record of the pot, including invited and removed users.
func (g *Gate) List(ctx context.Context, potID string) ([]Record, error) {
	recs, err := g.store.ListMemberships(ctx, potID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	if recs == nil {
		recs = []Record{}
	}
	return recs, nil
}

// Bootstrap makes ownerID the first owner of a pot that has no membership records yet.
func (g *Gate) Bootstrap(ctx context.Context, potID, ownerID string) (Record, error) {
	if potID == "" || ownerID == "" {
		return Record{}, ErrForbidden
	}
	existing, err := g.store.ListMemberships(ctx, potID)
	if err != nil {
		return Record{}, fmt.Errorf("failed to list memberships: %w", err)
	}
	if len(existing) > 0 {
		return Record{}, fmt.Errorf("pot %s already has members: %w", potID, ErrForbidden)
	}
	rec := Record{PotID: potID, UserID: ownerID, Role: RoleOwner, Status: StatusActive, JoinedAt: g.now()}
	if err := g.store.PutMembership(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("failed to store membership: %w", err)
	}
	slog.Info("pot bootstrapped", "pot", potID, "owner", ownerID)
	return rec, nil
}

// AddMember lets an owner add a user as an active member directly.
func (g *Gate) AddMember(ctx context.Context, potID, actorID, userID string, role Role) (Record, error) {
	if !g.IsOwner(ctx, potID, actorID) {
		return Record{}, ErrForbidden
	}
	if rec, ok := g.lookup(ctx, potID, userID); ok && rec.Status == StatusActive {
		return Record{}, fmt.Errorf("%s is already active: %w", userID, ErrInvalidTransition)
	}
	rec := Record{PotID: potID, UserID: userID, Role: normalizeRole(role), Status: StatusActive, JoinedAt: g.now(), InvitedBy: actorID}
	if err := g.store.PutMembership(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("failed to store membership: %w", err)
	}
	return rec, nil
}

// Invite lets an owner create a pending membership for a user who is not active.
func (g *Gate) Invite(ctx context.Context, potID, actorID, userID string, role Role) (Record, error) {
	if !g.IsOwner(ctx, potID, actorID) {
		return Record{}, ErrForbidden
	}
	if rec, ok := g.lookup(ctx, potID, userID); ok && rec.Status != StatusRemoved {
		return Record{}, fmt.Errorf("%s is %s: %w", userID, rec.Status, ErrInvalidTransition)
	}
	rec := Record{PotID: potID, UserID: userID, Role: normalizeRole(role), Status: StatusPending, InvitedBy: actorID}
	if err := g.store.PutMembership(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("failed to store membership: %w", err)
	}
	return rec, nil
}

// AcceptInvitation moves the caller's own pending membership to active.
func (g *Gate) AcceptInvitation(ctx context.Context, potID, userID string) (Record, error) {
	rec, err := g.store.GetMembership(ctx, potID, userID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status != StatusPending {
		return Record{}, fmt.Errorf("%s is %s: %w", userID, rec.Status, ErrInvalidTransition)
	}
	rec.Status = StatusActive
	rec.JoinedAt = g.now()
	if err := g.store.PutMembership(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("failed to store membership: %w", err)
	}
	return rec, nil
}

// RemoveMember flips a membership to removed. Owners may remove anyone; members may remove
// themselves. The last active owner cannot be removed.
func (g *Gate) RemoveMember(ctx context.Context, potID, actorID, userID string) (Record, error) {
	if actorID != userID && !g.IsOwner(ctx, potID, actorID) {
		return Record{}, ErrForbidden
	}
	rec, err := g.store.GetMembership(ctx, potID, userID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status == StatusRemoved {
		return Record{}, fmt.Errorf("%s is already removed: %w", userID, ErrInvalidTransition)
	}
	if rec.Role == RoleOwner && rec.Status == StatusActive {
		all, err := g.store.ListMemberships(ctx, potID)
		if err != nil {
			return Record{}, fmt.Errorf("failed to list memberships: %w", err)
		}
		owners := 0
		for _, r := range all {
			if r.Role == RoleOwner && r.Status == StatusActive {
				owners++
			}
		}
		if owners <= 1 {
			return Record{}, fmt.Errorf("cannot remove the last owner: %w", ErrInvalidTransition)
		}
	}
	rec.Status = StatusRemoved
	if err := g.store.PutMembership(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("failed to store membership: %w", err)
	}
	return rec, nil
}

func (g *Gate) now() time.Time {
	return g.clock().UTC()
}

func normalizeRole(r Role) Role {
	if r == RoleOwner {
		return RoleOwner
	}
	return RoleMember
}
