// integration.go: Command-line and environment configuration for the daemon
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package verge

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	flashflags "github.com/agilira/flash-flags"
	"github.com/agilira/go-errors"
)

const envPrefix = "VERGE"

// ErrHelpRequested is returned by Parse when -h or --help is present.
var ErrHelpRequested = errors.New(ErrCodeInvalidConfig, "help requested")

// ConfigManager binds daemon flags and VERGE_* environment variables to a
// Config. Flags take precedence over the environment.
type ConfigManager struct {
	flags *flashflags.FlagSet
}

// NewConfigManager registers the daemon flags.
func NewConfigManager(appName string) *ConfigManager {
	defaults := (&Config{}).WithDefaults()
	fs := flashflags.New(appName)
	fs.SetDescription("Verge configuration lifecycle daemon")

	fs.String("home", "", "Home directory for runtime files and settings")
	fs.String("profiles-dir", "", "Profiles directory (default: <home>/profiles)")
	fs.String("engine-binary", DefaultEngineBinary, "Transport engine executable used for validation")
	fs.Duration("init-timeout", defaults.InitTimeout, "How long boot waits for the first cycle")
	fs.Duration("validate-timeout", defaults.ValidateTimeout, "Bound on a single engine validation")
	fs.Duration("notice-delay", defaults.NoticeDelay, "Delay before the outcome notice")
	fs.Duration("script-timeout", defaults.ScriptTimeout, "Bound on each script chain item")
	fs.Int("workers", defaults.Workers, "Coordinator worker count")
	fs.Int("queue-size", defaults.QueueSize, "Coordinator queue size")
	fs.Bool("watch", true, "Re-apply when profile files change")
	fs.Duration("watch-interval", defaults.WatchInterval, "Profile polling interval")
	fs.String("metrics-addr", "127.0.0.1:9797", "Address for the Prometheus /metrics endpoint, empty to disable")
	fs.Bool("audit-enabled", true, "Record the lifecycle audit trail")
	fs.String("audit-output-file", "", "Audit output (.db for SQLite, .jsonl for JSON lines)")
	fs.String("log-level", "info", "Log level: debug, info, warn, error")

	return &ConfigManager{flags: fs}
}

// SetVersion sets the version shown in help.
func (cm *ConfigManager) SetVersion(version string) *ConfigManager {
	cm.flags.SetVersion(version)
	return cm
}

// Parse parses args, reading unset flags from the environment.
func (cm *ConfigManager) Parse(args []string) error {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return ErrHelpRequested
		}
	}

	cm.flags.SetEnvPrefix(envPrefix)
	if err := cm.flags.Parse(args); err != nil {
		return errors.Wrap(err, ErrCodeInvalidConfig, "failed to parse command-line flags")
	}
	return nil
}

// ParseArgsOrExit parses os.Args and exits on help or error.
func (cm *ConfigManager) ParseArgsOrExit() {
	if err := cm.Parse(os.Args[1:]); err != nil {
		if err == ErrHelpRequested {
			cm.PrintUsage()
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		cm.PrintUsage()
		os.Exit(1)
	}
}

// PrintUsage prints help information for all flags
func (cm *ConfigManager) PrintUsage() {
	cm.flags.PrintHelp()
}

// Config builds the lifecycle configuration from the parsed flags.
func (cm *ConfigManager) Config(logger *slog.Logger) *Config {
	cfg := &Config{
		HomeDir:         cm.flags.GetString("home"),
		ProfilesDir:     cm.flags.GetString("profiles-dir"),
		EngineBinary:    cm.flags.GetString("engine-binary"),
		InitTimeout:     cm.flags.GetDuration("init-timeout"),
		ValidateTimeout: cm.flags.GetDuration("validate-timeout"),
		NoticeDelay:     cm.flags.GetDuration("notice-delay"),
		ScriptTimeout:   cm.flags.GetDuration("script-timeout"),
		Workers:         cm.flags.GetInt("workers"),
		QueueSize:       cm.flags.GetInt("queue-size"),
		WatchInterval:   cm.flags.GetDuration("watch-interval"),
		Logger:          logger,
	}
	if cfg.NoticeDelay == 0 {
		cfg.NoticeDelay = -1
	}

	audit := DefaultAuditConfig()
	audit.Enabled = cm.flags.GetBool("audit-enabled")
	audit.OutputFile = cm.flags.GetString("audit-output-file")
	cfg.Audit = audit

	return cfg.WithDefaults()
}

// Watch reports whether profile watching is enabled.
func (cm *ConfigManager) Watch() bool { return cm.flags.GetBool("watch") }

// MetricsAddr is the listen address of the metrics endpoint.
func (cm *ConfigManager) MetricsAddr() string { return cm.flags.GetString("metrics-addr") }

// LogLevel returns the configured slog level.
func (cm *ConfigManager) LogLevel() slog.Level {
	switch strings.ToLower(cm.flags.GetString("log-level")) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// FlagNames lists the registered flags.
func (cm *ConfigManager) FlagNames() []string {
	var names []string
	cm.flags.VisitAll(func(flag *flashflags.Flag) {
		names = append(names, flag.Name())
	})
	return names
}

// FlagToEnvKey converts a flag name to its environment variable,
// "init-timeout" to "VERGE_INIT_TIMEOUT".
func FlagToEnvKey(flagName string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}
