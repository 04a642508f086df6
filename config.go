// config.go: Configuration for the Verge lifecycle engine
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package verge

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Default file names inside HomeDir.
const (
	DefaultRunFile      = "verge.yaml"
	DefaultCheckFile    = "verge-check.yaml"
	DefaultSettingsFile = "settings.yaml"
	DefaultEngineFile   = "engine.yaml"
	DefaultProfilesDir  = "profiles"
	DefaultEngineBinary = "mihomo"

	// GeneratedHeader is the first line of every runtime file.
	GeneratedHeader = "# Generated by Verge"
)

// ErrorHandler is called when background work fails and nobody is waiting
// for the error. It receives the error and the file path involved, if any.
type ErrorHandler func(err error, filepath string)

// Config configures the lifecycle engine.
type Config struct {
	// HomeDir holds the runtime files, settings and profiles.
	// Default: $XDG_CONFIG_HOME/verge or ~/.config/verge
	HomeDir string

	// ProfilesDir holds profiles.yaml and item contents.
	// Default: HomeDir/profiles
	ProfilesDir string

	RunFile      string
	CheckFile    string
	SettingsFile string
	EngineFile   string

	// EngineBinary is the transport engine executable used for validation.
	EngineBinary string

	// InitTimeout bounds how long Boot waits for the first cycle.
	// Default: 30 seconds
	InitTimeout time.Duration

	// ValidateTimeout bounds a single engine validation.
	// Default: 10 seconds
	ValidateTimeout time.Duration

	// NoticeDelay postpones the outcome notification so the UI can start.
	// Default: 2 seconds
	NoticeDelay time.Duration

	// ScriptTimeout bounds each script chain item.
	// Default: 5 seconds
	ScriptTimeout time.Duration

	// Workers and QueueSize size the coordinator pool.
	// Default: 2 workers, 16 queued tasks
	Workers   int
	QueueSize int

	// WatchInterval is how often the profile watcher polls.
	// Default: 2 seconds
	WatchInterval time.Duration

	// Audit configuration for the configuration trail
	// Default: Enabled with secure defaults
	Audit AuditConfig

	// Logger receives diagnostics. Default: slog.Default()
	Logger *slog.Logger

	// ErrorHandler is called for errors of background work.
	// If nil, errors are only logged.
	ErrorHandler ErrorHandler
}

// WithDefaults applies sensible defaults to the configuration
func (c *Config) WithDefaults() *Config {
	config := *c

	if config.HomeDir == "" {
		config.HomeDir = defaultHomeDir()
	}
	if config.ProfilesDir == "" {
		config.ProfilesDir = filepath.Join(config.HomeDir, DefaultProfilesDir)
	}
	if config.RunFile == "" {
		config.RunFile = DefaultRunFile
	}
	if config.CheckFile == "" {
		config.CheckFile = DefaultCheckFile
	}
	if config.SettingsFile == "" {
		config.SettingsFile = DefaultSettingsFile
	}
	if config.EngineFile == "" {
		config.EngineFile = DefaultEngineFile
	}
	if config.EngineBinary == "" {
		config.EngineBinary = DefaultEngineBinary
	}

	if config.InitTimeout <= 0 {
		config.InitTimeout = 30 * time.Second
	}
	if config.ValidateTimeout <= 0 {
		config.ValidateTimeout = 10 * time.Second
	}
	// Negative disables the delay; zero means default
	if config.NoticeDelay == 0 {
		config.NoticeDelay = 2 * time.Second
	} else if config.NoticeDelay < 0 {
		config.NoticeDelay = 0
	}
	if config.ScriptTimeout <= 0 {
		config.ScriptTimeout = 5 * time.Second
	}

	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 16
	}
	if config.WatchInterval <= 0 {
		config.WatchInterval = 2 * time.Second
	}

	// Set audit defaults if not configured
	if config.Audit == (AuditConfig{}) {
		config.Audit = DefaultAuditConfig()
	}
	if config.Audit.Enabled && config.Audit.OutputFile == "" {
		config.Audit.OutputFile = filepath.Join(config.HomeDir, auditDatabaseName)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &config
}

// RunPath is the file the transport engine loads.
func (c *Config) RunPath() string { return filepath.Join(c.HomeDir, c.RunFile) }

// CheckPath is the throwaway file used for validation.
func (c *Config) CheckPath() string { return filepath.Join(c.HomeDir, c.CheckFile) }

// SettingsPath is where settings are persisted.
func (c *Config) SettingsPath() string { return filepath.Join(c.HomeDir, c.SettingsFile) }

// EnginePath is where engine options are persisted.
func (c *Config) EnginePath() string { return filepath.Join(c.HomeDir, c.EngineFile) }

func defaultHomeDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "verge")
	}
	return filepath.Join(os.TempDir(), "verge")
}

func (c *Config) handleError(err error, path string) {
	if err == nil {
		return
	}
	if c.Logger != nil {
		c.Logger.Error("background operation failed", "path", path, "error", err)
	}
	if c.ErrorHandler != nil {
		c.ErrorHandler(err, path)
	}
}
