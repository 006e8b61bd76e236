// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent/integration/activity persistence with automatic schema creation

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			slug TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL DEFAULT 'pending',
			target TEXT,
			instance_id TEXT,
			idle_timeout_mins INTEGER NOT NULL DEFAULT 10,
			auto_sleep INTEGER NOT NULL DEFAULT 1,
			last_activity_at TEXT,
			last_wake_at TEXT,
			last_sleep_at TEXT,
			wake_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_agents_slug ON agents(slug);
		CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);

		CREATE TABLE IF NOT EXISTS integrations (
			integration_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(agent_id),
			platform TEXT NOT NULL,
			credentials_json TEXT NOT NULL DEFAULT '{}',
			event_filter_json TEXT,
			enabled INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL DEFAULT 'pending',
			events_received INTEGER NOT NULL DEFAULT 0,
			events_delivered INTEGER NOT NULL DEFAULT 0,
			events_failed INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_integrations_agent ON integrations(agent_id);
		CREATE INDEX IF NOT EXISTS idx_integrations_enabled ON integrations(enabled);

		CREATE TABLE IF NOT EXISTS activity_log (
			activity_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			trigger TEXT NOT NULL DEFAULT '',
			detail_json TEXT,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			success INTEGER NOT NULL DEFAULT 1,
			error TEXT NOT NULL DEFAULT '',
			ts TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_activity_agent_ts ON activity_log(agent_id, ts);
		CREATE INDEX IF NOT EXISTS idx_activity_kind ON activity_log(kind);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
