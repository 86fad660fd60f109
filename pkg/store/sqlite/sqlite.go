// Package sqlite stores memberships, checkpoints and the change log in a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/potsync/pkg/checkpoint"
	"github.com/astromechza/potsync/pkg/feed"
	"github.com/astromechza/potsync/pkg/membership"
)

var (
	_ membership.Store = (*Store)(nil)
	_ checkpoint.Store = (*Store)(nil)
	_ feed.ChangeLog   = (*Store)(nil)
)

type Store struct {
	db    *sql.DB
	clock func() time.Time
}

// New opens the database at path, creating parent directories and tables as needed.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, clock: time.Now}, nil
}

// WithClock sets the clock used to stamp change rows.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func toNanos(t time.Time) int64 {
	if t.Before(time.Unix(0, 0)) {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func splitHeads(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(s, ",")
}

// memberships

func (s *Store) GetMembership(ctx context.Context, potID, userID string) (membership.Record, error) {
	rec := membership.Record{PotID: potID, UserID: userID}
	var joined int64
	err := s.db.QueryRowContext(ctx,
		`SELECT role, status, joined_at, invited_by FROM memberships WHERE pot_id = ? AND user_id = ?`,
		potID, userID,
	).Scan(&rec.Role, &rec.Status, &joined, &rec.InvitedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return membership.Record{}, membership.ErrNotFound
	} else if err != nil {
		return membership.Record{}, fmt.Errorf("failed to get membership: %w", err)
	}
	rec.JoinedAt = fromNanos(joined)
	return rec, nil
}

func (s *Store) PutMembership(ctx context.Context, rec membership.Record) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO memberships (pot_id, user_id, role, status, joined_at, invited_by) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (pot_id, user_id) DO UPDATE SET role = excluded.role, status = excluded.status,
		joined_at = excluded.joined_at, invited_by = excluded.invited_by`,
		rec.PotID, rec.UserID, string(rec.Role), string(rec.Status), rec.JoinedAt.UnixNano(), rec.InvitedBy,
	); err != nil {
		return fmt.Errorf("failed to put membership: %w", err)
	}
	return nil
}

func (s *Store) ListMemberships(ctx context.Context, potID string) ([]membership.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, role, status, joined_at, invited_by FROM memberships WHERE pot_id = ? ORDER BY joined_at, user_id`,
		potID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()
	var out []membership.Record
	for rows.Next() {
		rec := membership.Record{PotID: potID}
		var joined int64
		if err := rows.Scan(&rec.UserID, &rec.Role, &rec.Status, &joined, &rec.InvitedBy); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		rec.JoinedAt = fromNanos(joined)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// checkpoints

func (s *Store) LatestCheckpoint(ctx context.Context, potID string) (checkpoint.Checkpoint, error) {
	cp := checkpoint.Checkpoint{PotID: potID}
	var heads string
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, snapshot, heads, change_count, created_at, created_by FROM checkpoints
		WHERE pot_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		potID,
	).Scan(&cp.ID, &cp.Snapshot, &heads, &cp.ChangeCount, &created, &cp.CreatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
	} else if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("failed to get latest checkpoint: %w", err)
	}
	cp.Heads = splitHeads(heads)
	cp.CreatedAt = fromNanos(created)
	return cp, nil
}

func (s *Store) InsertCheckpoint(ctx context.Context, cp checkpoint.Checkpoint) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, pot_id, snapshot, heads, change_count, created_at, created_by) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.PotID, cp.Snapshot, strings.Join(cp.Heads, ","), cp.ChangeCount, cp.CreatedAt.UnixNano(), cp.CreatedBy,
	); err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return nil
}

func (s *Store) ListCheckpoints(ctx context.Context, potID string) ([]checkpoint.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, heads, change_count, created_at, created_by FROM checkpoints
		WHERE pot_id = ? ORDER BY created_at DESC, id DESC`,
		potID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()
	var out []checkpoint.Checkpoint
	for rows.Next() {
		cp := checkpoint.Checkpoint{PotID: potID}
		var heads string
		var created int64
		if err := rows.Scan(&cp.ID, &heads, &cp.ChangeCount, &created, &cp.CreatedBy); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		cp.Heads = splitHeads(heads)
		cp.CreatedAt = fromNanos(created)
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *Store) DeleteCheckpoint(ctx context.Context, potID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE pot_id = ? AND id = ?`, potID, id)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return checkpoint.ErrNotFound
	}
	return nil
}

// changes

func (s *Store) AppendChange(ctx context.Context, ev feed.ChangeEvent) (feed.ChangeEvent, bool, error) {
	if err := ev.Validate(); err != nil {
		return feed.ChangeEvent{}, false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return feed.ChangeEvent{}, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ev.CreatedAt = s.clock().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO changes (pot_id, hash, actor, actor_seq, user_id, payload, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (pot_id, hash) DO NOTHING`,
		ev.PotID, ev.Hash, ev.Actor, ev.Seq, ev.UserID, ev.Payload, ev.CreatedAt.UnixNano(),
	)
	if err != nil {
		return feed.ChangeEvent{}, false, fmt.Errorf("failed to insert change: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		if err := tx.Commit(); err != nil {
			return feed.ChangeEvent{}, false, fmt.Errorf("failed to commit change: %w", err)
		}
		return ev, true, nil
	}

	stored := feed.ChangeEvent{PotID: ev.PotID, Hash: ev.Hash}
	var created int64
	if err := tx.QueryRowContext(ctx,
		`SELECT actor, actor_seq, user_id, payload, created_at FROM changes WHERE pot_id = ? AND hash = ?`,
		ev.PotID, ev.Hash,
	).Scan(&stored.Actor, &stored.Seq, &stored.UserID, &stored.Payload, &created); err != nil {
		return feed.ChangeEvent{}, false, fmt.Errorf("failed to read existing change: %w", err)
	}
	stored.CreatedAt = fromNanos(created)
	return stored, false, tx.Commit()
}

func (s *Store) ListChangesSince(ctx context.Context, potID string, since time.Time) ([]feed.ChangeEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT hash, actor, actor_seq, user_id, payload, created_at FROM changes
		WHERE pot_id = ? AND created_at >= ? ORDER BY seq`,
		potID, toNanos(since),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	defer rows.Close()
	var out []feed.ChangeEvent
	for rows.Next() {
		ev := feed.ChangeEvent{PotID: potID}
		var created int64
		if err := rows.Scan(&ev.Hash, &ev.Actor, &ev.Seq, &ev.UserID, &ev.Payload, &created); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		ev.CreatedAt = fromNanos(created)
		out = append(out, ev)
	}
	return out, rows.Err()
}
