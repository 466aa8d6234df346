// Package database provides SQLite persistence for tasks, transcripts and jobs.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite wraps the database connection with migration and health helpers.
type SQLite struct {
	DB     *sql.DB
	Config Config

	// Migrator handles schema migrations
	Migrator *Migrator

	// Health checker
	Health *HealthChecker
}

// Config holds SQLite-specific configuration.
type Config struct {
	Path          string `yaml:"path"`
	JournalMode   string `yaml:"journal_mode"`
	BusyTimeout   int    `yaml:"busy_timeout"`
	ForeignKeys   bool   `yaml:"foreign_keys"`
	RetentionDays int    `yaml:"retention_days"`
}

// DefaultConfig returns the configuration used when none is provided.
func DefaultConfig() Config {
	return Config{
		Path:          "./data/crewclaw.db",
		JournalMode:   "WAL",
		BusyTimeout:   5000,
		ForeignKeys:   true,
		RetentionDays: 30,
	}
}

// Open opens or creates a SQLite database with the given configuration.
func Open(config Config) (*SQLite, error) {
	if config.Path == "" {
		config.Path = "./data/crewclaw.db"
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.BusyTimeout == 0 {
		config.BusyTimeout = 5000
	}
	if config.RetentionDays == 0 {
		config.RetentionDays = 30
	}

	// Ensure parent directory exists
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	// Build DSN with options
	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d", config.Path, config.JournalMode, config.BusyTimeout)
	if config.ForeignKeys {
		dsn += "&_foreign_keys=ON"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", config.Path, err)
	}

	// Verify connectivity
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLite{
		DB:     db,
		Config: config,
	}
	s.Migrator = NewMigrator(db)
	s.Health = NewHealthChecker(db)

	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.DB.Close()
}

// Migrator handles schema migrations.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a new migrator.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		// Table might not exist yet
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return version, nil
}

// Migrate brings the schema up to the current version. Idempotent.
func (m *Migrator) Migrate() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := m.CurrentVersion()
	if err != nil {
		return err
	}

	// Run schema (idempotent via IF NOT EXISTS)
	if _, err := m.db.Exec(Schema()); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Record migration
	if current == 0 {
		_, err = m.db.Exec("INSERT INTO schema_version (version) VALUES (1)")
		if err != nil {
			if !isDuplicateKeyError(err) {
				return fmt.Errorf("record migration: %w", err)
			}
		}
	}

	return nil
}

// NeedsMigration returns true if the schema is outdated.
func (m *Migrator) NeedsMigration() (bool, error) {
	current, err := m.CurrentVersion()
	if err != nil {
		return false, err
	}
	return current < 1, nil // Version 1 is the current schema
}

// HealthChecker monitors database health.
type HealthChecker struct {
	db *sql.DB
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker(db *sql.DB) *HealthChecker {
	return &HealthChecker{db: db}
}

// Ping checks database connectivity.
func (h *HealthChecker) Ping() error {
	return h.db.Ping()
}

// Status returns detailed health status.
func (h *HealthChecker) Status() (map[string]any, error) {
	stats := h.db.Stats()

	var version string
	err := h.db.QueryRow("SELECT sqlite_version()").Scan(&version)
	if err != nil {
		version = "unknown"
	}

	return map[string]any{
		"healthy":          true,
		"version":          version,
		"open_conns":       stats.OpenConnections,
		"in_use":           stats.InUse,
		"idle":             stats.Idle,
		"wait_count":       stats.WaitCount,
		"wait_duration_ms": stats.WaitDuration.Milliseconds(),
		"max_open_conns":   stats.MaxOpenConnections,
	}, nil
}

func isDuplicateKeyError(err error) bool {
	return err != nil && (err.Error() == "UNIQUE constraint failed: schema_version.version" ||
		err.Error() == "constraint failed")
}

// Schema returns the SQLite schema DDL.
func Schema() string {
	return `
-- Background tasks
CREATE TABLE IF NOT EXISTS bg_tasks (
    id             TEXT PRIMARY KEY,
    description    TEXT NOT NULL,
    agent_template TEXT DEFAULT '',
    prompt         TEXT NOT NULL DEFAULT '',
    model          TEXT DEFAULT '',
    skills         TEXT DEFAULT '[]',
    status         TEXT NOT NULL DEFAULT 'queued',
    priority       TEXT NOT NULL DEFAULT 'normal',
    result         TEXT DEFAULT '',
    error          TEXT DEFAULT '',
    cancel_reason  TEXT DEFAULT '',
    origin_task_id TEXT DEFAULT '',
    sandbox_kind   TEXT DEFAULT '',
    preview_url    TEXT DEFAULT '',
    retry_count    INTEGER DEFAULT 0,
    redo_history   TEXT DEFAULT '[]',
    tool_calls     INTEGER DEFAULT 0,
    steps          INTEGER DEFAULT 0,
    total_tokens   INTEGER DEFAULT 0,
    created_at     TEXT NOT NULL,
    started_at     TEXT DEFAULT '',
    completed_at   TEXT DEFAULT '',
    updated_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bg_tasks_status ON bg_tasks(status);
CREATE INDEX IF NOT EXISTS idx_bg_tasks_origin ON bg_tasks(origin_task_id);
CREATE INDEX IF NOT EXISTS idx_bg_tasks_created ON bg_tasks(created_at);

-- Conversation transcript
CREATE TABLE IF NOT EXISTS transcript_entries (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id    TEXT DEFAULT '',
    role       TEXT NOT NULL,
    content    TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcript_task ON transcript_entries(task_id);
CREATE INDEX IF NOT EXISTS idx_transcript_created ON transcript_entries(created_at);

-- Scheduled jobs
CREATE TABLE IF NOT EXISTS scheduled_jobs (
    id              TEXT PRIMARY KEY,
    schedule        TEXT NOT NULL,
    type            TEXT NOT NULL DEFAULT 'cron',
    agent_template  TEXT NOT NULL DEFAULT 'executor',
    prompt          TEXT NOT NULL,
    description     TEXT DEFAULT '',
    priority        TEXT DEFAULT 'normal',
    enabled         INTEGER DEFAULT 1,
    timeout_seconds INTEGER DEFAULT 0,
    created_by      TEXT DEFAULT '',
    created_at      TEXT NOT NULL,
    last_run_at     TEXT,
    last_error      TEXT DEFAULT '',
    run_count       INTEGER DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_enabled ON scheduled_jobs(enabled);
`
}
