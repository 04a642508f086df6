// audit_backend.go: Storage backends for the lifecycle audit trail
//
// Events go to a SQLite database by default. An OutputFile ending in .jsonl
// selects an append-only JSON lines file instead, and SQLite falls back to
// JSONL when the database cannot be opened.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package verge

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver registration
)

// auditBackend abstracts where audit events are stored.
type auditBackend interface {
	// Write persists a batch. Implementations must be safe for concurrent use.
	Write(events []AuditEvent) error
	Flush() error
	Close() error
	// Maintenance trims events older than the retention window.
	Maintenance() error
	GetStats() (*AuditDatabaseStats, error)
}

// AuditDatabaseStats summarizes what a backend holds.
type AuditDatabaseStats struct {
	TotalEvents       int64            `json:"total_events"`
	EventsByLevel     map[string]int64 `json:"events_by_level"`
	EventsByComponent map[string]int64 `json:"events_by_component"`
	OldestEvent       *time.Time       `json:"oldest_event"`
	NewestEvent       *time.Time       `json:"newest_event"`
	DatabaseSize      int64            `json:"database_size_bytes"`
	SchemaVersion     int              `json:"schema_version"`
}

const (
	auditSchemaVersion  = 1
	auditRetentionDays  = 90
	auditDatabaseName   = "audit.db"
	auditDirPermissions = 0750
)

func createAuditBackend(config AuditConfig) (auditBackend, error) {
	if strings.HasSuffix(config.OutputFile, ".jsonl") {
		return newJSONLBackend(config.OutputFile)
	}

	dbPath := config.OutputFile
	if dbPath == "" {
		dbPath = filepath.Join(defaultHomeDir(), auditDatabaseName)
	}
	backend, err := newSQLiteBackend(dbPath)
	if err == nil {
		return backend, nil
	}

	jsonl, jsonlErr := newJSONLBackend(strings.TrimSuffix(dbPath, filepath.Ext(dbPath)) + ".jsonl")
	if jsonlErr != nil {
		return nil, fmt.Errorf("all audit backends failed - SQLite: %w, JSONL: %v", err, jsonlErr)
	}
	return jsonl, nil
}

// sqliteAuditBackend stores events in the lifecycle_events table.
type sqliteAuditBackend struct {
	db         *sql.DB
	dbPath     string
	insertStmt *sql.Stmt
	mu         sync.RWMutex
	closed     bool
}

func newSQLiteBackend(dbPath string) (*sqliteAuditBackend, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), auditDirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create audit database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping audit database: %w", err)
	}

	backend := &sqliteAuditBackend{db: db, dbPath: dbPath}
	if err := backend.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	stmt, err := db.Prepare(`
	INSERT INTO lifecycle_events (
		timestamp, level, event, component, file_path,
		old_value, new_value, process_id, process_name, context, checksum
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare audit insert: %w", err)
	}
	backend.insertStmt = stmt

	// Retention is best effort; a failure here never blocks startup.
	_ = backend.Maintenance()
	return backend, nil
}

func (s *sqliteAuditBackend) migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin audit migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS schema_info (
			version INTEGER PRIMARY KEY,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS lifecycle_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			level TEXT NOT NULL,
			event TEXT NOT NULL,
			component TEXT NOT NULL,
			file_path TEXT,
			old_value TEXT,
			new_value TEXT,
			process_id INTEGER NOT NULL,
			process_name TEXT NOT NULL,
			context TEXT,
			checksum TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		"CREATE INDEX IF NOT EXISTS idx_lifecycle_component_time ON lifecycle_events(component, timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_lifecycle_level ON lifecycle_events(level)",
		"CREATE INDEX IF NOT EXISTS idx_lifecycle_created_at ON lifecycle_events(created_at)",
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("audit migration failed: %w", err)
		}
	}
	if _, err := tx.Exec("INSERT OR REPLACE INTO schema_info (version) VALUES (?)", auditSchemaVersion); err != nil {
		return fmt.Errorf("failed to record audit schema version: %w", err)
	}
	return tx.Commit()
}

func (s *sqliteAuditBackend) Write(events []AuditEvent) (err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("cannot write to closed SQLite audit backend")
	}
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt := tx.Stmt(s.insertStmt)
	defer func() { _ = stmt.Close() }()

	for _, event := range events {
		if err = insertAuditEvent(stmt, event); err != nil {
			return fmt.Errorf("failed to insert audit event: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit transaction: %w", err)
	}
	return nil
}

func insertAuditEvent(stmt *sql.Stmt, event AuditEvent) error {
	oldValue, err := jsonColumn(event.OldValue)
	if err != nil {
		return err
	}
	newValue, err := jsonColumn(event.NewValue)
	if err != nil {
		return err
	}
	var context string
	if event.Context != nil {
		if context, err = jsonColumn(event.Context); err != nil {
			return err
		}
	}

	_, err = stmt.Exec(
		event.Timestamp.Format(time.RFC3339Nano),
		event.Level.String(),
		event.Event,
		event.Component,
		event.FilePath,
		oldValue,
		newValue,
		event.ProcessID,
		event.ProcessName,
		context,
		event.Checksum,
	)
	return err
}

func jsonColumn(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to serialize audit value: %w", err)
	}
	return string(data), nil
}

func (s *sqliteAuditBackend) Flush() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("failed to flush SQLite audit backend: %w", err)
	}
	return nil
}

func (s *sqliteAuditBackend) Maintenance() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	_, err := s.db.Exec(
		"DELETE FROM lifecycle_events WHERE created_at < datetime('now', ?)",
		fmt.Sprintf("-%d days", auditRetentionDays))
	if err != nil {
		return fmt.Errorf("failed to trim audit events: %w", err)
	}
	return nil
}

func (s *sqliteAuditBackend) GetStats() (*AuditDatabaseStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("SQLite audit backend is closed")
	}

	stats := &AuditDatabaseStats{
		EventsByLevel:     make(map[string]int64),
		EventsByComponent: make(map[string]int64),
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM lifecycle_events").Scan(&stats.TotalEvents); err != nil {
		return nil, fmt.Errorf("failed to count audit events: %w", err)
	}
	if err := s.countBy("level", stats.EventsByLevel); err != nil {
		return nil, err
	}
	if err := s.countBy("component", stats.EventsByComponent); err != nil {
		return nil, err
	}

	var oldest, newest sql.NullString
	if err := s.db.QueryRow("SELECT MIN(timestamp), MAX(timestamp) FROM lifecycle_events").Scan(&oldest, &newest); err != nil {
		return nil, fmt.Errorf("failed to read audit time range: %w", err)
	}
	stats.OldestEvent = parseAuditTime(oldest)
	stats.NewestEvent = parseAuditTime(newest)

	if err := s.db.QueryRow("SELECT MAX(version) FROM schema_info").Scan(&stats.SchemaVersion); err != nil {
		return nil, fmt.Errorf("failed to read audit schema version: %w", err)
	}
	if info, err := os.Stat(s.dbPath); err == nil {
		stats.DatabaseSize = info.Size()
	}
	return stats, nil
}

// countBy groups events by a fixed column name.
func (s *sqliteAuditBackend) countBy(column string, into map[string]int64) error {
	rows, err := s.db.Query("SELECT " + column + ", COUNT(*) FROM lifecycle_events GROUP BY " + column)
	if err != nil {
		return fmt.Errorf("failed to group audit events by %s: %w", column, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return fmt.Errorf("failed to scan audit %s stats: %w", column, err)
		}
		into[key] = count
	}
	return rows.Err()
}

func parseAuditTime(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}

func (s *sqliteAuditBackend) Close() error {
	if err := s.Flush(); err != nil {
		_ = err // closing still releases the handles
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []string
	if s.insertStmt != nil {
		if err := s.insertStmt.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing SQLite audit backend: %s", strings.Join(errs, "; "))
	}
	return nil
}

// jsonlAuditBackend appends one JSON object per line.
type jsonlAuditBackend struct {
	path   string
	file   *os.File
	mu     sync.Mutex
	closed bool
}

func newJSONLBackend(path string) (*jsonlAuditBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("JSONL backend requires OutputFile to be specified")
	}
	if err := os.MkdirAll(filepath.Dir(path), auditDirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create JSONL audit log directory: %w", err)
	}
	// #nosec G304 -- audit path comes from trusted configuration
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL audit log file: %w", err)
	}
	return &jsonlAuditBackend{path: path, file: file}, nil
}

func (j *jsonlAuditBackend) Write(events []AuditEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return fmt.Errorf("cannot write to closed JSONL audit backend")
	}

	w := bufio.NewWriter(j.file)
	enc := json.NewEncoder(w)
	for _, event := range events {
		if err := enc.Encode(event); err != nil {
			return fmt.Errorf("failed to write audit event to JSONL: %w", err)
		}
	}
	return w.Flush()
}

func (j *jsonlAuditBackend) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync JSONL audit file: %w", err)
	}
	return nil
}

func (j *jsonlAuditBackend) Maintenance() error { return nil }

// GetStats scans the file; JSONL trails are expected to stay small.
func (j *jsonlAuditBackend) GetStats() (*AuditDatabaseStats, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	stats := &AuditDatabaseStats{
		EventsByLevel:     make(map[string]int64),
		EventsByComponent: make(map[string]int64),
		SchemaVersion:     auditSchemaVersion,
	}

	// #nosec G304 -- same trusted path as the writer
	f, err := os.Open(j.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL audit log: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var event AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		stats.TotalEvents++
		stats.EventsByLevel[event.Level.String()]++
		stats.EventsByComponent[event.Component]++
		ts := event.Timestamp
		if stats.OldestEvent == nil || ts.Before(*stats.OldestEvent) {
			stats.OldestEvent = &ts
		}
		if stats.NewestEvent == nil || ts.After(*stats.NewestEvent) {
			stats.NewestEvent = &ts
		}
	}
	if info, err := f.Stat(); err == nil {
		stats.DatabaseSize = info.Size()
	}
	return stats, scanner.Err()
}

func (j *jsonlAuditBackend) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.file.Close()
}
