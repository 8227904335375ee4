// Package sqlite implements the betting stores on an embedded SQLite
// database (pure Go driver). It suits single-node deployments and tests.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Timestamps are stored as INTEGER unix nanoseconds (UTC) so range
// comparisons are exact.
const schema = `
CREATE TABLE IF NOT EXISTS pools (
    id          TEXT PRIMARY KEY,
    subject_id  TEXT    NOT NULL,
    info        TEXT    NOT NULL DEFAULT '',
    status      TEXT    NOT NULL DEFAULT 'open',
    outcome_won INTEGER,
    created_at  INTEGER NOT NULL,
    settled_at  INTEGER
);

CREATE UNIQUE INDEX IF NOT EXISTS pools_one_open_per_subject
    ON pools(subject_id) WHERE status = 'open';

CREATE TABLE IF NOT EXISTS wagers (
    pool_id       TEXT    NOT NULL REFERENCES pools(id),
    bettor_id     TEXT    NOT NULL,
    amount        INTEGER NOT NULL CHECK (amount > 0),
    predicted_win INTEGER NOT NULL,
    placed_at     INTEGER NOT NULL,
    canceled      INTEGER NOT NULL DEFAULT 0,
    cancel_reason TEXT    NOT NULL DEFAULT '',
    version       INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (pool_id, bettor_id)
);

CREATE INDEX IF NOT EXISTS wagers_placed_at_idx ON wagers(placed_at);

CREATE TABLE IF NOT EXISTS balances (
    user_id    TEXT PRIMARY KEY,
    balance    INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    event      TEXT    NOT NULL,
    detail     TEXT,
    created_at INTEGER NOT NULL
);
`

// DB is an open SQLite database with the betting schema applied.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for an ephemeral database.
func Open(ctx context.Context, path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	// Single writer. Also keeps a ":memory:" database alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Ping checks the database handle.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(ss []string) []any {
	args := make([]any, len(ss))
	for i, s := range ss {
		args[i] = s
	}
	return args
}
