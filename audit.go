// audit.go: Audit trail for configuration lifecycle events
//
// Every commit of a configuration cell, every generation, validation outcome
// and fallback is recorded with a tamper-detection checksum. Events are
// buffered and flushed in the background to a pluggable backend.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package verge

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/zeebo/blake3"
)

// AuditLevel represents the severity of audit events
type AuditLevel int

const (
	AuditInfo AuditLevel = iota
	AuditWarn
	AuditCritical
	AuditSecurity
)

func (al AuditLevel) String() string {
	switch al {
	case AuditInfo:
		return "INFO"
	case AuditWarn:
		return "WARN"
	case AuditCritical:
		return "CRITICAL"
	case AuditSecurity:
		return "SECURITY"
	default:
		return "UNKNOWN"
	}
}

// AuditEvent represents a single auditable event
type AuditEvent struct {
	Timestamp   time.Time              `json:"timestamp"`
	Level       AuditLevel             `json:"level"`
	Event       string                 `json:"event"`
	Component   string                 `json:"component"`
	FilePath    string                 `json:"file_path,omitempty"`
	OldValue    interface{}            `json:"old_value,omitempty"`
	NewValue    interface{}            `json:"new_value,omitempty"`
	ProcessID   int                    `json:"process_id"`
	ProcessName string                 `json:"process_name"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Checksum    string                 `json:"checksum"` // For tamper detection
}

// AuditConfig configures the audit system
type AuditConfig struct {
	Enabled       bool          `json:"enabled"`
	OutputFile    string        `json:"output_file"`
	MinLevel      AuditLevel    `json:"min_level"`
	BufferSize    int           `json:"buffer_size"`
	FlushInterval time.Duration `json:"flush_interval"`
}

// DefaultAuditConfig returns the default audit configuration. An empty
// OutputFile selects the SQLite backend at the default database path; a
// .jsonl OutputFile selects the JSONL backend.
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		Enabled:       true,
		OutputFile:    "",
		MinLevel:      AuditInfo,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
	}
}

// AuditLogger buffers events and writes them to a backend.
type AuditLogger struct {
	config      AuditConfig
	backend     auditBackend // SQLite or JSONL
	buffer      []AuditEvent
	bufferMu    sync.Mutex
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
	processID   int
	processName string
}

// NewAuditLogger creates an audit logger. A disabled configuration yields a
// logger that drops every event.
func NewAuditLogger(config AuditConfig) (*AuditLogger, error) {
	logger := &AuditLogger{
		config:      config,
		stopCh:      make(chan struct{}),
		processID:   os.Getpid(),
		processName: getProcessName(),
	}
	if !config.Enabled {
		return logger, nil
	}

	backend, err := createAuditBackend(config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audit backend: %w", err)
	}
	logger.backend = backend
	logger.buffer = make([]AuditEvent, 0, config.BufferSize)

	if config.FlushInterval > 0 {
		logger.flushTicker = time.NewTicker(config.FlushInterval)
		go logger.flushLoop()
	}

	return logger, nil
}

// Log records an audit event.
func (al *AuditLogger) Log(level AuditLevel, event, component, filePath string, oldVal, newVal interface{}, context map[string]interface{}) {
	if al == nil || al.backend == nil || !al.config.Enabled || level < al.config.MinLevel {
		return
	}

	auditEvent := AuditEvent{
		Timestamp:   timecache.CachedTime(),
		Level:       level,
		Event:       event,
		Component:   component,
		FilePath:    filePath,
		OldValue:    oldVal,
		NewValue:    newVal,
		ProcessID:   al.processID,
		ProcessName: al.processName,
		Context:     context,
	}
	auditEvent.Checksum = al.generateChecksum(auditEvent)

	al.bufferMu.Lock()
	al.buffer = append(al.buffer, auditEvent)
	if len(al.buffer) >= al.config.BufferSize {
		_ = al.flushBufferUnsafe() // a failed batch stays buffered for the next flush
	}
	al.bufferMu.Unlock()
}

// LogCommit records a commit of a configuration cell.
func (al *AuditLogger) LogCommit(cell string, oldVersion, newVersion uint64) {
	al.Log(AuditInfo, "commit", cell, "", oldVersion, newVersion, nil)
}

// LogGeneration records a generation attempt.
func (al *AuditLogger) LogGeneration(digest string, failedSteps int, err error) {
	if err != nil {
		al.Log(AuditWarn, "generation_failed", "runtime", "", nil, nil,
			map[string]interface{}{"error": err.Error()})
		return
	}
	al.Log(AuditInfo, "generated", "runtime", "", nil, digest,
		map[string]interface{}{"failed_steps": failedSteps})
}

// LogRuntimeFile records a runtime file write.
func (al *AuditLogger) LogRuntimeFile(kind FileKind, path, digest string) {
	al.Log(AuditInfo, "runtime_file_written", "runtime", path, nil, digest,
		map[string]interface{}{"kind": kind.String()})
}

// LogValidation records the outcome of a validation cycle.
func (al *AuditLogger) LogValidation(outcome ValidationOutcome) {
	level := AuditInfo
	if outcome.NeedsFallback() {
		level = AuditCritical
	}
	al.Log(level, "validation", "engine", "", nil, outcome.Reason(),
		map[string]interface{}{"message": outcome.Message})
}

// LogFallback records a default-config fallback.
func (al *AuditLogger) LogFallback(reason, message string, err error) {
	ctx := map[string]interface{}{"message": message}
	if err != nil {
		ctx["error"] = err.Error()
	}
	al.Log(AuditCritical, "fallback", "engine", "", nil, reason, ctx)
}

// LogRemote records a remote profile download.
func (al *AuditLogger) LogRemote(uid, url string, err error) {
	if err != nil {
		al.Log(AuditWarn, "remote_failed", "profiles", url, nil, uid,
			map[string]interface{}{"error": err.Error()})
		return
	}
	al.Log(AuditInfo, "remote_updated", "profiles", url, nil, uid, nil)
}

// LogFileWatch logs profile watch events
func (al *AuditLogger) LogFileWatch(event, filePath string) {
	al.Log(AuditInfo, event, "watcher", filePath, nil, nil, nil)
}

// Stats returns backend statistics.
func (al *AuditLogger) Stats() (*AuditDatabaseStats, error) {
	if al == nil || al.backend == nil {
		return &AuditDatabaseStats{
			EventsByLevel:     map[string]int64{},
			EventsByComponent: map[string]int64{},
		}, nil
	}
	if err := al.Flush(); err != nil {
		return nil, err
	}
	return al.backend.GetStats()
}

// Flush immediately writes all buffered events
func (al *AuditLogger) Flush() error {
	if al == nil || al.backend == nil {
		return nil
	}
	al.bufferMu.Lock()
	defer al.bufferMu.Unlock()
	return al.flushBufferUnsafe()
}

// Close flushes pending events and releases the backend. It is safe to call
// more than once.
func (al *AuditLogger) Close() error {
	if al == nil {
		return nil
	}

	var closeErr error
	al.closeOnce.Do(func() {
		close(al.stopCh)
		if al.flushTicker != nil {
			al.flushTicker.Stop()
		}
		if al.backend == nil {
			return
		}

		if err := al.Flush(); err != nil {
			closeErr = fmt.Errorf("failed to flush audit logger during close: %w", err)
			return
		}
		if err := al.backend.Close(); err != nil {
			closeErr = fmt.Errorf("failed to close audit backend: %w", err)
		}
	})
	return closeErr
}

func (al *AuditLogger) flushLoop() {
	for {
		select {
		case <-al.flushTicker.C:
			_ = al.Flush()
		case <-al.stopCh:
			return
		}
	}
}

// flushBufferUnsafe writes buffer to backend storage (caller must hold bufferMu).
func (al *AuditLogger) flushBufferUnsafe() error {
	if len(al.buffer) == 0 {
		return nil
	}

	if err := al.backend.Write(al.buffer); err != nil {
		return fmt.Errorf("failed to write audit events to backend: %w", err)
	}

	al.buffer = al.buffer[:0]
	return nil
}

// generateChecksum creates a tamper-detection checksum using BLAKE3
func (al *AuditLogger) generateChecksum(event AuditEvent) string {
	data := fmt.Sprintf("%s:%s:%s:%v:%v",
		event.Timestamp.Format(time.RFC3339Nano),
		event.Event, event.Component, event.OldValue, event.NewValue)
	sum := blake3.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

func getProcessName() string {
	if len(os.Args) > 0 {
		return filepath.Base(os.Args[0])
	}
	return "verge"
}
