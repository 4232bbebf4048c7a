// Package sqlite provides SQLite-based persistent storage for the coordinator.
// Uses WAL mode for concurrent reads and crash-safe writes.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := "file:" + dbPath +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer; one connection also serializes transactions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// PingContext checks database connectivity with a deadline.
func (d *DB) PingContext(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id             TEXT PRIMARY KEY,
			requester      TEXT NOT NULL DEFAULT '',
			type           TEXT NOT NULL,
			data           TEXT NOT NULL,
			reward         INTEGER NOT NULL,
			status         TEXT NOT NULL,
			min_power      REAL NOT NULL,
			preferred_hw   TEXT NOT NULL DEFAULT '',
			estimated_secs INTEGER NOT NULL DEFAULT 0,
			assigned_to    TEXT,
			result         TEXT,
			proof          TEXT,
			submitted_by   TEXT,
			settlement_ref TEXT,
			failure_reason TEXT,
			requeued_from  TEXT,
			created_at     INTEGER NOT NULL,
			assigned_at    INTEGER,
			completed_at   INTEGER,
			failed_at      INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_assigned ON tasks(assigned_to)`,

		`CREATE TABLE IF NOT EXISTS swarms (
			id          TEXT PRIMARY KEY,
			leader      TEXT NOT NULL,
			status      TEXT NOT NULL,
			total_power REAL NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_swarms_status ON swarms(status)`,

		// identity is UNIQUE: a member belongs to one swarm at a time.
		`CREATE TABLE IF NOT EXISTS swarm_members (
			swarm_id  TEXT NOT NULL REFERENCES swarms(id),
			identity  TEXT NOT NULL UNIQUE,
			power     REAL NOT NULL,
			hardware  TEXT NOT NULL DEFAULT '',
			joined_at INTEGER NOT NULL,
			PRIMARY KEY (swarm_id, identity)
		)`,

		// Settlement ledger (double-entry bookkeeping)
		`CREATE TABLE IF NOT EXISTS settlement_ledger (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp      INTEGER NOT NULL,
			entry_type     TEXT NOT NULL,
			account        TEXT NOT NULL,
			amount         INTEGER NOT NULL,
			task_id        TEXT,
			settlement_ref TEXT NOT NULL,
			description    TEXT,
			balance        INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_account ON settlement_ledger(account)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_task_side ON settlement_ledger(task_id, entry_type)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// Timestamps are stored as Unix nanoseconds so created_at orders
// tasks and swarms created within the same second.
func unixNano(t time.Time) int64 { return t.UnixNano() }

func nullableUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullUnix(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.Unix(0, n.Int64)
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// inTx runs fn inside a transaction, rolling back on error.
func (d *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
