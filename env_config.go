// env_config.go: Environment variable support for the Verge configuration
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package verge

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agilira/go-errors"
)

// EnvConfig represents configuration loaded from environment variables
type EnvConfig struct {
	// Paths
	HomeDir      string `env:"VERGE_HOME"`
	ProfilesDir  string `env:"VERGE_PROFILES_DIR"`
	EngineBinary string `env:"VERGE_ENGINE_BINARY"`

	// Timings
	InitTimeout     time.Duration `env:"VERGE_INIT_TIMEOUT"`
	ValidateTimeout time.Duration `env:"VERGE_VALIDATE_TIMEOUT"`
	NoticeDelay     time.Duration `env:"VERGE_NOTICE_DELAY"`
	ScriptTimeout   time.Duration `env:"VERGE_SCRIPT_TIMEOUT"`
	WatchInterval   time.Duration `env:"VERGE_WATCH_INTERVAL"`

	// Pool
	Workers   int `env:"VERGE_WORKERS"`
	QueueSize int `env:"VERGE_QUEUE_SIZE"`

	// Audit Configuration
	AuditEnabled       bool          `env:"VERGE_AUDIT_ENABLED"`
	AuditOutputFile    string        `env:"VERGE_AUDIT_OUTPUT_FILE"`
	AuditMinLevel      string        `env:"VERGE_AUDIT_MIN_LEVEL"`
	AuditBufferSize    int           `env:"VERGE_AUDIT_BUFFER_SIZE"`
	AuditFlushInterval time.Duration `env:"VERGE_AUDIT_FLUSH_INTERVAL"`
}

// LoadConfigFromEnv loads the configuration from environment variables and
// applies defaults for everything unset.
func LoadConfigFromEnv() (*Config, error) {
	config := &Config{}
	envConfig := &EnvConfig{}

	if err := loadEnvVars(envConfig); err != nil {
		return nil, errors.Wrap(err, ErrCodeInvalidConfig, "failed to load environment configuration")
	}

	if err := convertEnvToConfig(envConfig, config); err != nil {
		return nil, errors.Wrap(err, ErrCodeInvalidConfig, "failed to convert environment configuration")
	}

	return config.WithDefaults(), nil
}

// ApplyEnv overrides base with every VERGE_* variable that is set.
func ApplyEnv(base *Config) (*Config, error) {
	envConfig := &EnvConfig{}
	if err := loadEnvVars(envConfig); err != nil {
		return base, errors.Wrap(err, ErrCodeInvalidConfig, "failed to load environment configuration")
	}

	merged := *base
	if err := convertEnvToConfig(envConfig, &merged); err != nil {
		return base, errors.Wrap(err, ErrCodeInvalidConfig, "failed to convert environment configuration")
	}
	return &merged, nil
}

func loadEnvVars(envConfig *EnvConfig) error {
	envConfig.HomeDir = os.Getenv("VERGE_HOME")
	envConfig.ProfilesDir = os.Getenv("VERGE_PROFILES_DIR")
	envConfig.EngineBinary = os.Getenv("VERGE_ENGINE_BINARY")

	if err := loadTimingConfig(envConfig); err != nil {
		return err
	}
	if err := loadPoolConfig(envConfig); err != nil {
		return err
	}
	return loadAuditConfig(envConfig)
}

// loadTimingConfig loads durations from environment variables
func loadTimingConfig(envConfig *EnvConfig) error {
	durations := []struct {
		key    string
		target *time.Duration
	}{
		{"VERGE_INIT_TIMEOUT", &envConfig.InitTimeout},
		{"VERGE_VALIDATE_TIMEOUT", &envConfig.ValidateTimeout},
		{"VERGE_NOTICE_DELAY", &envConfig.NoticeDelay},
		{"VERGE_SCRIPT_TIMEOUT", &envConfig.ScriptTimeout},
		{"VERGE_WATCH_INTERVAL", &envConfig.WatchInterval},
	}

	for _, d := range durations {
		value := os.Getenv(d.key)
		if value == "" {
			continue
		}
		duration, err := time.ParseDuration(value)
		if err != nil {
			return errors.New(ErrCodeInvalidConfig, "invalid "+d.key+" format")
		}
		*d.target = duration
	}
	return nil
}

// loadPoolConfig loads worker pool sizes from environment variables
func loadPoolConfig(envConfig *EnvConfig) error {
	if workersStr := os.Getenv("VERGE_WORKERS"); workersStr != "" {
		workers, err := strconv.Atoi(workersStr)
		if err != nil || workers <= 0 {
			return errors.New(ErrCodeInvalidConfig, "invalid VERGE_WORKERS value")
		}
		envConfig.Workers = workers
	}

	if queueStr := os.Getenv("VERGE_QUEUE_SIZE"); queueStr != "" {
		queue, err := strconv.Atoi(queueStr)
		if err != nil || queue <= 0 {
			return errors.New(ErrCodeInvalidConfig, "invalid VERGE_QUEUE_SIZE value")
		}
		envConfig.QueueSize = queue
	}
	return nil
}

// loadAuditConfig loads audit configuration from environment variables
func loadAuditConfig(envConfig *EnvConfig) error {
	if auditStr := os.Getenv("VERGE_AUDIT_ENABLED"); auditStr != "" {
		envConfig.AuditEnabled = parseBool(auditStr)
	}

	envConfig.AuditOutputFile = os.Getenv("VERGE_AUDIT_OUTPUT_FILE")
	envConfig.AuditMinLevel = os.Getenv("VERGE_AUDIT_MIN_LEVEL")

	if bufferStr := os.Getenv("VERGE_AUDIT_BUFFER_SIZE"); bufferStr != "" {
		if buffer, err := strconv.Atoi(bufferStr); err == nil && buffer > 0 {
			envConfig.AuditBufferSize = buffer
		}
	}

	if flushStr := os.Getenv("VERGE_AUDIT_FLUSH_INTERVAL"); flushStr != "" {
		if duration, err := time.ParseDuration(flushStr); err == nil {
			envConfig.AuditFlushInterval = duration
		}
	}
	return nil
}

// convertEnvToConfig copies every set value into config.
func convertEnvToConfig(envConfig *EnvConfig, config *Config) error {
	if envConfig.HomeDir != "" {
		config.HomeDir = envConfig.HomeDir
	}
	if envConfig.ProfilesDir != "" {
		config.ProfilesDir = envConfig.ProfilesDir
	}
	if envConfig.EngineBinary != "" {
		config.EngineBinary = envConfig.EngineBinary
	}

	if envConfig.InitTimeout > 0 {
		config.InitTimeout = envConfig.InitTimeout
	}
	if envConfig.ValidateTimeout > 0 {
		config.ValidateTimeout = envConfig.ValidateTimeout
	}
	if envConfig.NoticeDelay != 0 {
		config.NoticeDelay = envConfig.NoticeDelay
	}
	if envConfig.ScriptTimeout > 0 {
		config.ScriptTimeout = envConfig.ScriptTimeout
	}
	if envConfig.WatchInterval > 0 {
		config.WatchInterval = envConfig.WatchInterval
	}
	if envConfig.Workers > 0 {
		config.Workers = envConfig.Workers
	}
	if envConfig.QueueSize > 0 {
		config.QueueSize = envConfig.QueueSize
	}

	return convertAuditConfig(envConfig, config)
}

// convertAuditConfig converts audit configuration from EnvConfig to Config
func convertAuditConfig(envConfig *EnvConfig, config *Config) error {
	if envConfig.AuditEnabled || envConfig.AuditOutputFile != "" {
		if config.Audit == (AuditConfig{}) {
			config.Audit = DefaultAuditConfig()
		}
		config.Audit.Enabled = envConfig.AuditEnabled

		if envConfig.AuditOutputFile != "" {
			config.Audit.OutputFile = envConfig.AuditOutputFile
		}

		if envConfig.AuditMinLevel != "" {
			level, err := parseAuditLevel(envConfig.AuditMinLevel)
			if err != nil {
				return err
			}
			config.Audit.MinLevel = level
		}

		if envConfig.AuditBufferSize > 0 {
			config.Audit.BufferSize = envConfig.AuditBufferSize
		}

		if envConfig.AuditFlushInterval > 0 {
			config.Audit.FlushInterval = envConfig.AuditFlushInterval
		}
	}
	return nil
}

// parseAuditLevel parses audit level string to AuditLevel type
func parseAuditLevel(levelStr string) (AuditLevel, error) {
	switch strings.ToLower(levelStr) {
	case "info":
		return AuditInfo, nil
	case "warn", "warning":
		return AuditWarn, nil
	case "critical", "error":
		return AuditCritical, nil
	case "security":
		return AuditSecurity, nil
	default:
		return AuditInfo, errors.New(ErrCodeInvalidConfig, "invalid audit level")
	}
}

// parseBool parses boolean values from environment variables
// Supports: true/false, 1/0, yes/no, on/off, enabled/disabled
func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "on", "enabled":
		return true
	default:
		return false
	}
}
