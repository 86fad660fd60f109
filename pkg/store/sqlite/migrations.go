package sqlite

import (
	"database/sql"
	"fmt"
)

// Times are stored as unix nanoseconds. Heads are comma separated hex hashes.
const schema = `
CREATE TABLE IF NOT EXISTS memberships (
    pot_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    role TEXT NOT NULL,
    status TEXT NOT NULL,
    joined_at INTEGER NOT NULL,
    invited_by TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (pot_id, user_id)
);

CREATE TABLE IF NOT EXISTS checkpoints (
    id TEXT PRIMARY KEY,
    pot_id TEXT NOT NULL,
    snapshot BLOB NOT NULL,
    heads TEXT NOT NULL,
    change_count INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    created_by TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS changes (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    pot_id TEXT NOT NULL,
    hash TEXT NOT NULL,
    actor TEXT NOT NULL,
    actor_seq INTEGER NOT NULL,
    user_id TEXT NOT NULL,
    payload BLOB NOT NULL,
    created_at INTEGER NOT NULL,
    UNIQUE (pot_id, hash)
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_pot_created ON checkpoints(pot_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_changes_pot_created ON changes(pot_id, created_at);
`

func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
