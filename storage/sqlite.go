package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var memorySeq atomic.Int64

// SQLite is the durable store. WAL mode supports concurrent readers plus a
// single writer, so reads and writes use separate pools: the write pool is
// capped at one connection, the read pool at ten.
type SQLite struct {
	WriteDB *sql.DB
	ReadDB  *sql.DB
	Path    string
	Logger  *zap.SugaredLogger
}

func configureConnection(db *sql.DB, dbPath string) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	// In-memory databases report journal mode "memory"; WAL only applies on disk.
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	if dbPath != ":memory:" && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled (got %q)", journalMode)
	}
	return nil
}

// NewSQLite opens (and migrates) the database at dbPath. Pass ":memory:"
// for an ephemeral database in tests.
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	if dir := filepath.Dir(dbPath); dbPath != ":memory:" && dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Shared cache so both pools see the same in-memory database. The
	// name is unique per instance so separate opens stay isolated.
	actualPath := dbPath
	if dbPath == ":memory:" {
		actualPath = fmt.Sprintf("file:mem-%d?mode=memory&cache=shared", memorySeq.Add(1))
	}

	writeDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open write pool: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(time.Hour)
	if err := configureConnection(writeDB, dbPath); err != nil {
		writeDB.Close()
		return nil, err
	}

	readDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("failed to open read pool: %w", err)
	}
	readDB.SetMaxOpenConns(10)
	readDB.SetMaxIdleConns(5)
	readDB.SetConnMaxLifetime(time.Hour)
	if err := configureConnection(readDB, dbPath); err != nil {
		writeDB.Close()
		readDB.Close()
		return nil, err
	}

	s := &SQLite{WriteDB: writeDB, ReadDB: readDB, Path: dbPath, Logger: logger}
	if err := s.migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	logger.Infow("SQLite storage ready", "path", dbPath)
	return s, nil
}

// Close closes both connection pools.
func (s *SQLite) Close() error {
	var firstErr error
	if err := s.WriteDB.Close(); err != nil {
		firstErr = err
	}
	if err := s.ReadDB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (s *SQLite) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS alarms (
			id TEXT PRIMARY KEY,
			group_key TEXT NOT NULL,
			tenant TEXT NOT NULL,
			site TEXT NOT NULL,
			state TEXT NOT NULL,
			prior_state TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			assignee TEXT NOT NULL DEFAULT '',
			watchers TEXT NOT NULL DEFAULT '[]',
			runbook_id TEXT NOT NULL DEFAULT '',
			escalation_policy TEXT NOT NULL DEFAULT '',
			sla_deadline TEXT NOT NULL DEFAULT '',
			sla_breached INTEGER NOT NULL DEFAULT 0,
			snooze_until TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alarms_group_key ON alarms(group_key, state, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_alarms_state ON alarms(state)`,
		`CREATE TABLE IF NOT EXISTS alarm_events (
			alarm_id TEXT NOT NULL REFERENCES alarms(id),
			seq INTEGER NOT NULL,
			event_id TEXT NOT NULL,
			PRIMARY KEY (alarm_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS alarm_history (
			alarm_id TEXT NOT NULL REFERENCES alarms(id),
			seq INTEGER NOT NULL,
			timestamp TEXT NOT NULL,
			actor TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			from_state TEXT NOT NULL DEFAULT '',
			to_state TEXT NOT NULL DEFAULT '',
			note TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (alarm_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			ingested_at TEXT NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			priority INTEGER NOT NULL DEFAULT 10,
			cooldown_ns INTEGER NOT NULL DEFAULT 0,
			source TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.WriteDB.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply migration: %w", err)
		}
	}
	return nil
}

// Timestamps are stored as RFC 3339 text; the empty string is the zero time.

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
