package aggregator

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
	_ "modernc.org/sqlite"
)

const currentSchemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS servers (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	name        TEXT    NOT NULL UNIQUE,
	host        TEXT    NOT NULL,
	agent_port  INTEGER NOT NULL DEFAULT 9109,
	token       TEXT    NOT NULL DEFAULT '',
	enabled     INTEGER NOT NULL DEFAULT 1,
	services    TEXT    NOT NULL DEFAULT '[]',
	proxy_config TEXT,
	last_seen_at TEXT,
	created_at  TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);

CREATE TABLE IF NOT EXISTS samples_hourly (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	server_id         INTEGER NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
	ts                TEXT    NOT NULL,
	cpu_pct_avg       REAL,
	cpu_pct_max       REAL,
	disk_used_pct     REAL,
	disk_used_bytes   INTEGER,
	disk_total_bytes  INTEGER,
	gpu_util_pct_avg  REAL,
	gpu_util_pct_max  REAL,
	gpu_mem_used_mb   REAL,
	gpu_mem_total_mb  REAL,
	UNIQUE(server_id, ts)
);
CREATE INDEX IF NOT EXISTS idx_samples_hourly_server_ts ON samples_hourly(server_id, ts DESC);

CREATE TABLE IF NOT EXISTS events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	server_id   INTEGER NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
	ts          TEXT    NOT NULL,
	type        TEXT    NOT NULL,
	message     TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_server_ts ON events(server_id, ts DESC);

CREATE TABLE IF NOT EXISTS service_status (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	server_id   INTEGER NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
	ts          TEXT    NOT NULL,
	name        TEXT    NOT NULL,
	active_state TEXT   NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_service_status_server_ts ON service_status(server_id, ts DESC);
`

// Store manages SQLite persistence for the aggregator: servers, hourly
// rollups, and events.
type Store struct {
	db       *sql.DB
	path     string
	lockFile *os.File
}

// OpenStore opens or creates a SQLite database at the given path with WAL
// mode, foreign keys enabled, and an exclusive single-instance advisory
// lock held for the store's lifetime.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	lockFile, err := acquireLock(path + ".lock")
	if err != nil {
		return nil, fmt.Errorf("single-instance lock: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA cache_size=-2000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			lockFile.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	s := &Store{db: db, path: path, lockFile: lockFile}

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		lockFile.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		lockFile.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if err := os.Chmod(path, 0o600); err != nil {
		slog.Warn("failed to set database file permissions", "error", err)
	}

	return s, nil
}

// Close closes the database connection and releases the single-instance lock.
func (s *Store) Close() error {
	err := s.db.Close()
	releaseLock(s.lockFile)
	return err
}

// migrate handles schema migrations using PRAGMA user_version for tracking.
// There is only the baseline schema so far; the hook exists for the next
// column addition, matching the teacher's versioned-migration idiom.
func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version >= currentSchemaVersion {
		return nil
	}
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("another aggregator instance already holds the database lock: %w", err)
	}
	return f, nil
}

func releaseLock(f *os.File) {
	if f == nil {
		return
	}
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	f.Close()
}
