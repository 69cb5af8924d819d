// Package store provides the SQLite-backed metadata store: the
// transactional source of truth for repositories, worktrees, sessions,
// commands, artifacts, tokens, and debugger state.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	_ "modernc.org/sqlite"
)

// Store is the metadata store. A single *sql.DB backs every entity table;
// every exported method holds the store's RWMutex for the duration of its
// transaction, mirroring how the original persistence layer serialized
// mutations against modernc.org/sqlite's single-writer model.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at the given path and runs any
// pending migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("applying metadata store migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the full entity schema described in SPEC_FULL.md §3/§3.1.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS repositories (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL UNIQUE,
			remote_url     TEXT NOT NULL,
			default_branch TEXT NOT NULL,
			description    TEXT NOT NULL DEFAULT '',
			settings_json  TEXT NOT NULL DEFAULT '{}',
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS worktrees (
			id               TEXT PRIMARY KEY,
			repository_id    TEXT NOT NULL REFERENCES repositories(id),
			path             TEXT NOT NULL UNIQUE,
			commit_sha       TEXT NOT NULL DEFAULT '',
			environment_hash TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL DEFAULT 'IDLE',
			lease_owner      TEXT NOT NULL DEFAULT '',
			lease_token      TEXT NOT NULL DEFAULT '',
			leased_at        TEXT,
			lease_expires_at TEXT,
			version          INTEGER NOT NULL DEFAULT 0,
			created_at       TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_worktrees_repo ON worktrees(repository_id);
		CREATE INDEX IF NOT EXISTS idx_worktrees_status ON worktrees(repository_id, status);

		CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			repository_id TEXT NOT NULL REFERENCES repositories(id),
			worktree_id   TEXT NOT NULL DEFAULT '',
			token_id      TEXT NOT NULL DEFAULT '',
			requested_by  TEXT NOT NULL DEFAULT '',
			commit_sha    TEXT NOT NULL,
			patch_hash    TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL DEFAULT 'PENDING',
			expires_at    TEXT,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,
			completed_at  TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_repo ON sessions(repository_id);

		CREATE TABLE IF NOT EXISTS commands (
			id          TEXT PRIMARY KEY,
			session_id  TEXT NOT NULL REFERENCES sessions(id),
			sequence    INTEGER NOT NULL,
			command     TEXT NOT NULL,
			cwd         TEXT NOT NULL DEFAULT '',
			env_json    TEXT NOT NULL DEFAULT '{}',
			status      TEXT NOT NULL DEFAULT 'PENDING',
			exit_code   INTEGER,
			log_path    TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL,
			started_at  TEXT,
			finished_at TEXT,
			UNIQUE(session_id, sequence)
		);
		CREATE INDEX IF NOT EXISTS idx_commands_session ON commands(session_id);

		CREATE TABLE IF NOT EXISTS artifacts (
			id               TEXT PRIMARY KEY,
			session_id       TEXT NOT NULL REFERENCES sessions(id),
			command_id       TEXT NOT NULL DEFAULT '',
			kind             TEXT NOT NULL,
			path             TEXT NOT NULL,
			content_type     TEXT NOT NULL DEFAULT '',
			size_bytes       INTEGER NOT NULL DEFAULT 0,
			checksum_sha256  TEXT NOT NULL DEFAULT '',
			metadata_json    TEXT NOT NULL DEFAULT '{}',
			created_at       TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_artifacts_session ON artifacts(session_id);

		CREATE TABLE IF NOT EXISTS auth_tokens (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL UNIQUE,
			token_hash    TEXT NOT NULL UNIQUE,
			scopes_json   TEXT NOT NULL DEFAULT '[]',
			expires_at    TEXT,
			last_used_at  TEXT,
			revoked_at    TEXT,
			created_at    TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS debugger_states (
			session_id       TEXT PRIMARY KEY REFERENCES sessions(id),
			last_event       TEXT NOT NULL DEFAULT '',
			breakpoints_json TEXT NOT NULL DEFAULT '[]',
			payload_json     TEXT NOT NULL DEFAULT '{}',
			version          INTEGER NOT NULL DEFAULT 0,
			updated_at       TEXT NOT NULL
		);
	`)
	return err
}
