// Package postgres is the relay's shared store for memberships, checkpoints and the change log.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/astromechza/potsync/pkg/checkpoint"
	"github.com/astromechza/potsync/pkg/feed"
	"github.com/astromechza/potsync/pkg/membership"
)

const Schema = `
CREATE TABLE IF NOT EXISTS memberships (
    pot_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    role TEXT NOT NULL,
    status TEXT NOT NULL,
    joined_at TIMESTAMPTZ NOT NULL,
    invited_by TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (pot_id, user_id)
);

CREATE TABLE IF NOT EXISTS checkpoints (
    id TEXT PRIMARY KEY,
    pot_id TEXT NOT NULL,
    snapshot BYTEA NOT NULL,
    heads TEXT[] NOT NULL,
    change_count INTEGER NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    created_by TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS changes (
    seq BIGSERIAL PRIMARY KEY,
    pot_id TEXT NOT NULL,
    hash TEXT NOT NULL,
    actor TEXT NOT NULL,
    actor_seq BIGINT NOT NULL,
    user_id TEXT NOT NULL,
    payload BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    UNIQUE (pot_id, hash)
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_pot_created ON checkpoints(pot_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_changes_pot_created ON changes(pot_id, created_at);
`

var (
	_ membership.Store = (*Store)(nil)
	_ checkpoint.Store = (*Store)(nil)
	_ feed.ChangeLog   = (*Store)(nil)
)

type Store struct {
	pool  *pgxpool.Pool
	clock func() time.Time
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, clock: time.Now}
}

// Connect opens a pool and applies the schema.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}
	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) GetMembership(ctx context.Context, potID, userID string) (membership.Record, error) {
	const query = `SELECT role, status, joined_at, invited_by FROM memberships WHERE pot_id=$1 AND user_id=$2`
	rec := membership.Record{PotID: potID, UserID: userID}
	var role, status string
	if err := s.pool.QueryRow(ctx, query, potID, userID).Scan(&role, &status, &rec.JoinedAt, &rec.InvitedBy); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return membership.Record{}, membership.ErrNotFound
		}
		return membership.Record{}, fmt.Errorf("failed to get membership: %w", err)
	}
	rec.Role, rec.Status = membership.Role(role), membership.Status(status)
	rec.JoinedAt = rec.JoinedAt.UTC()
	return rec, nil
}

func (s *Store) PutMembership(ctx context.Context, rec membership.Record) error {
	const query = `INSERT INTO memberships (pot_id, user_id, role, status, joined_at, invited_by)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (pot_id, user_id) DO UPDATE SET role=EXCLUDED.role, status=EXCLUDED.status,
        joined_at=EXCLUDED.joined_at, invited_by=EXCLUDED.invited_by`
	if _, err := s.pool.Exec(ctx, query, rec.PotID, rec.UserID, string(rec.Role), string(rec.Status), rec.JoinedAt, rec.InvitedBy); err != nil {
		return fmt.Errorf("failed to put membership: %w", err)
	}
	return nil
}

func (s *Store) ListMemberships(ctx context.Context, potID string) ([]membership.Record, error) {
	const query = `SELECT user_id, role, status, joined_at, invited_by FROM memberships
        WHERE pot_id=$1 ORDER BY joined_at, user_id`
	rows, err := s.pool.Query(ctx, query, potID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()
	var out []membership.Record
	for rows.Next() {
		rec := membership.Record{PotID: potID}
		var role, status string
		if err := rows.Scan(&rec.UserID, &role, &status, &rec.JoinedAt, &rec.InvitedBy); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		rec.Role, rec.Status = membership.Role(role), membership.Status(status)
		rec.JoinedAt = rec.JoinedAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) LatestCheckpoint(ctx context.Context, potID string) (checkpoint.Checkpoint, error) {
	const query = `SELECT id, snapshot, heads, change_count, created_at, created_by FROM checkpoints
        WHERE pot_id=$1 ORDER BY created_at DESC, id DESC LIMIT 1`
	cp := checkpoint.Checkpoint{PotID: potID}
	if err := s.pool.QueryRow(ctx, query, potID).Scan(&cp.ID, &cp.Snapshot, &cp.Heads, &cp.ChangeCount, &cp.CreatedAt, &cp.CreatedBy); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
		}
		return checkpoint.Checkpoint{}, fmt.Errorf("failed to get latest checkpoint: %w", err)
	}
	cp.CreatedAt = cp.CreatedAt.UTC()
	return cp, nil
}

func (s *Store) InsertCheckpoint(ctx context.Context, cp checkpoint.Checkpoint) error {
	const query = `INSERT INTO checkpoints (id, pot_id, snapshot, heads, change_count, created_at, created_by)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`
	heads := cp.Heads
	if heads == nil {
		heads = []string{}
	}
	if _, err := s.pool.Exec(ctx, query, cp.ID, cp.PotID, cp.Snapshot, heads, cp.ChangeCount, cp.CreatedAt, cp.CreatedBy); err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return nil
}

func (s *Store) ListCheckpoints(ctx context.Context, potID string) ([]checkpoint.Checkpoint, error) {
	const query = `SELECT id, heads, change_count, created_at, created_by FROM checkpoints
        WHERE pot_id=$1 ORDER BY created_at DESC, id DESC`
	rows, err := s.pool.Query(ctx, query, potID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()
	var out []checkpoint.Checkpoint
	for rows.Next() {
		cp := checkpoint.Checkpoint{PotID: potID}
		if err := rows.Scan(&cp.ID, &cp.Heads, &cp.ChangeCount, &cp.CreatedAt, &cp.CreatedBy); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		cp.CreatedAt = cp.CreatedAt.UTC()
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *Store) DeleteCheckpoint(ctx context.Context, potID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM checkpoints WHERE pot_id=$1 AND id=$2`, potID, id)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return checkpoint.ErrNotFound
	}
	return nil
}

func (s *Store) AppendChange(ctx context.Context, ev feed.ChangeEvent) (feed.ChangeEvent, bool, error) {
	if err := ev.Validate(); err != nil {
		return feed.ChangeEvent{}, false, err
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return feed.ChangeEvent{}, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	ev.CreatedAt = s.clock().UTC().Truncate(time.Microsecond)
	tag, err := tx.Exec(ctx, `INSERT INTO changes (pot_id, hash, actor, actor_seq, user_id, payload, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (pot_id, hash) DO NOTHING`,
		ev.PotID, ev.Hash, ev.Actor, int64(ev.Seq), ev.UserID, ev.Payload, ev.CreatedAt,
	)
	if err != nil {
		return feed.ChangeEvent{}, false, fmt.Errorf("failed to insert change: %w", err)
	}
	inserted := tag.RowsAffected() > 0
	if !inserted {
		var seq int64
		ev = feed.ChangeEvent{PotID: ev.PotID, Hash: ev.Hash}
		if err := tx.QueryRow(ctx, `SELECT actor, actor_seq, user_id, payload, created_at FROM changes WHERE pot_id=$1 AND hash=$2`,
			ev.PotID, ev.Hash,
		).Scan(&ev.Actor, &seq, &ev.UserID, &ev.Payload, &ev.CreatedAt); err != nil {
			return feed.ChangeEvent{}, false, fmt.Errorf("failed to read existing change: %w", err)
		}
		ev.Seq = uint64(seq)
		ev.CreatedAt = ev.CreatedAt.UTC()
	}
	if err := tx.Commit(ctx); err != nil {
		return feed.ChangeEvent{}, false, fmt.Errorf("failed to commit change: %w", err)
	}
	return ev, inserted, nil
}

func (s *Store) ListChangesSince(ctx context.Context, potID string, since time.Time) ([]feed.ChangeEvent, error) {
	const query = `SELECT hash, actor, actor_seq, user_id, payload, created_at FROM changes
        WHERE pot_id=$1 AND created_at >= $2 ORDER BY seq`
	rows, err := s.pool.Query(ctx, query, potID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	defer rows.Close()
	var out []feed.ChangeEvent
	for rows.Next() {
		ev := feed.ChangeEvent{PotID: potID}
		var seq int64
		if err := rows.Scan(&ev.Hash, &ev.Actor, &seq, &ev.UserID, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		ev.Seq = uint64(seq)
		ev.CreatedAt = ev.CreatedAt.UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}
