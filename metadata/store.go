// Package metadata is the C5 Metadata Store: a single SQLite database
// holding every Source, Destination, Schedule, Backup, Archive and
// BackupFile row the engine needs to plan incrementals, resolve
// restores and roll backups off under a retention policy. It keeps the
// original prototype's raw database/sql + go-sqlite3 style, generalized
// from its 3-table history.db to the full schema below.
package metadata

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the sqlite3 connection and exposes the engine's queries.
type Store struct {
	db *sql.DB
}

// DefaultPath returns ~/.scrat/scrat.db, the teacher's ~/.gobackup
// convention renamed for this project.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".scrat")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, "scrat.db"), nil
}

// Open opens (creating if needed) the sqlite3 database at path and
// applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying *sql.DB for callers (schedule, backup,
// restore) that need to run ad-hoc queries or transactions.
func (s *Store) DB() *sql.DB { return s.db }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sources (
		id TEXT NOT NULL PRIMARY KEY,
		name TEXT NOT NULL,
		roots_json TEXT NOT NULL,
		filters_json TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		watch_enabled INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS destinations (
		id TEXT NOT NULL PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		config_json TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS schedules (
		id TEXT NOT NULL PRIMARY KEY,
		source_id TEXT NOT NULL REFERENCES sources(id),
		destination_id TEXT NOT NULL REFERENCES destinations(id),
		frequency TEXT NOT NULL,
		at_minute INTEGER NOT NULL DEFAULT 0,
		at_hour INTEGER NOT NULL DEFAULT 0,
		day_of_week INTEGER NOT NULL DEFAULT 0,
		day_of_month INTEGER NOT NULL DEFAULT 1,
		retention_json TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		last_run_at DATETIME,
		next_run_at DATETIME,
		created_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS backups (
		id TEXT NOT NULL PRIMARY KEY,
		schedule_id TEXT REFERENCES schedules(id),
		source_id TEXT NOT NULL REFERENCES sources(id),
		destination_id TEXT NOT NULL REFERENCES destinations(id),
		backup_type TEXT NOT NULL,
		base_backup_id TEXT REFERENCES backups(id),
		status TEXT NOT NULL,
		algorithm INTEGER NOT NULL,
		compression TEXT NOT NULL,
		salt BLOB NOT NULL,
		verifier TEXT NOT NULL,
		kdf_iterations INTEGER NOT NULL,
		file_count INTEGER NOT NULL DEFAULT 0,
		total_bytes INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		error_message TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS archives (
		id TEXT NOT NULL PRIMARY KEY,
		backup_id TEXT NOT NULL REFERENCES backups(id),
		sequence INTEGER NOT NULL,
		destination_key TEXT NOT NULL,
		iv_seed BLOB NOT NULL,
		plain_bytes INTEGER NOT NULL,
		stored_bytes INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS backup_files (
		backup_id TEXT NOT NULL REFERENCES backups(id),
		archive_id TEXT NOT NULL REFERENCES archives(id),
		relative_path TEXT NOT NULL,
		source_root TEXT NOT NULL,
		byte_offset INTEGER NOT NULL,
		byte_length INTEGER NOT NULL,
		size INTEGER NOT NULL,
		mode INTEGER NOT NULL,
		mod_time_unix_nano INTEGER NOT NULL,
		is_dir INTEGER NOT NULL DEFAULT 0,
		is_link INTEGER NOT NULL DEFAULT 0,
		link_dest TEXT,
		deleted INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (backup_id, relative_path)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_backup_files_by_backup ON backup_files(backup_id);`,
	`CREATE INDEX IF NOT EXISTS idx_backup_files_by_path ON backup_files(source_root, relative_path);`,
	`CREATE INDEX IF NOT EXISTS idx_backups_by_timestamp ON backups(started_at);`,
	`CREATE TABLE IF NOT EXISTS log_ring (
		id INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);`,
}

func (s *Store) migrate() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
