package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mtzanidakis/opsbridge/internal/config"
	"github.com/mtzanidakis/opsbridge/internal/vault"
	_ "modernc.org/sqlite"
)

type Store struct {
	db    *sql.DB
	vault *vault.Vault
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Enable WAL mode for concurrent read/write access and set a busy
	// timeout so writers retry instead of immediately returning SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// WithVault seals evidence content written after this call.
func (s *Store) WithVault(v *vault.Vault) *Store {
	s.vault = v
	return s
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS operations (
			id            TEXT PRIMARY KEY,
			target        TEXT NOT NULL DEFAULT '',
			objective     TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL DEFAULT 'running',
			stop_reason   TEXT,
			max_steps     INTEGER NOT NULL DEFAULT 0,
			steps         INTEGER NOT NULL DEFAULT 0,
			input_tokens  INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			started_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
			ended_at      DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_operations_started ON operations(started_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			operation_id TEXT NOT NULL REFERENCES operations(id),
			event_id     TEXT NOT NULL,
			type         TEXT NOT NULL,
			payload      TEXT NOT NULL,
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_operation ON events(operation_id, seq)`,
		`CREATE TABLE IF NOT EXISTS evidence (
			id           TEXT PRIMARY KEY,
			operation_id TEXT NOT NULL REFERENCES operations(id),
			category     TEXT NOT NULL,
			content      BLOB NOT NULL,
			nonce        BLOB,
			metadata     TEXT,
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_evidence_operation ON evidence(operation_id, category)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}
