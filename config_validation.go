// config_validation.go: Validation of the Verge configuration
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package verge

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agilira/go-errors"
)

// Validation errors
var (
	ErrEmptyHomeDir           = errors.New(ErrCodeInvalidConfig, "home directory cannot be empty")
	ErrSameRuntimeFiles       = errors.New(ErrCodeInvalidConfig, "run and check files must differ")
	ErrInvalidRuntimeFile     = errors.New(ErrCodeInvalidConfig, "runtime file names must be plain file names")
	ErrInvalidInitTimeout     = errors.New(ErrCodeInvalidConfig, "init timeout must be positive")
	ErrInvalidValidateTimeout = errors.New(ErrCodeInvalidConfig, "validate timeout must be positive")
	ErrInvalidWorkers         = errors.New(ErrCodeInvalidConfig, "workers must be positive")
	ErrInvalidQueueSize       = errors.New(ErrCodeInvalidConfig, "queue size must be positive")
	ErrInvalidBufferSize      = errors.New(ErrCodeInvalidConfig, "audit buffer size must not be negative")
	ErrInvalidFlushInterval   = errors.New(ErrCodeInvalidConfig, "audit flush interval must not be negative")
)

// ValidationResult contains the result of configuration validation.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// String returns a human-readable representation of validation results
func (vr ValidationResult) String() string {
	if vr.Valid {
		if len(vr.Warnings) == 0 {
			return "Configuration is valid"
		}
		return fmt.Sprintf("Configuration is valid with %d warning(s)", len(vr.Warnings))
	}
	return fmt.Sprintf("Configuration is invalid: %d error(s), %d warning(s)",
		len(vr.Errors), len(vr.Warnings))
}

// Validate returns the first validation error, if any.
func (c *Config) Validate() error {
	result := c.ValidateDetailed()
	if !result.Valid && len(result.Errors) > 0 {
		return errors.New(ErrCodeInvalidConfig, result.Errors[0])
	}
	return nil
}

// ValidateDetailed performs validation and returns errors and warnings.
// It expects a configuration that went through WithDefaults.
func (c *Config) ValidateDetailed() ValidationResult {
	result := ValidationResult{
		Valid:    true,
		Errors:   make([]string, 0),
		Warnings: make([]string, 0),
	}

	c.validatePaths(&result)
	c.validateTimings(&result)
	c.validatePool(&result)
	c.validateAuditConfig(&result)

	result.Valid = len(result.Errors) == 0
	return result
}

func (c *Config) validatePaths(result *ValidationResult) {
	if c.HomeDir == "" {
		result.Errors = append(result.Errors, ErrEmptyHomeDir.Error())
		return
	}

	for _, name := range []string{c.RunFile, c.CheckFile, c.SettingsFile, c.EngineFile} {
		if name == "" || filepath.Base(name) != name {
			result.Errors = append(result.Errors, ErrInvalidRuntimeFile.Error())
			return
		}
	}
	if c.RunFile == c.CheckFile {
		result.Errors = append(result.Errors, ErrSameRuntimeFiles.Error())
	}

	if info, err := os.Stat(c.HomeDir); err == nil && !info.IsDir() {
		result.Errors = append(result.Errors,
			fmt.Sprintf("home directory '%s' is not a directory", c.HomeDir))
	}
}

func (c *Config) validateTimings(result *ValidationResult) {
	if c.InitTimeout <= 0 {
		result.Errors = append(result.Errors, ErrInvalidInitTimeout.Error())
	}
	if c.ValidateTimeout <= 0 {
		result.Errors = append(result.Errors, ErrInvalidValidateTimeout.Error())
	}
	if c.InitTimeout > 0 && c.ValidateTimeout > c.InitTimeout {
		result.Warnings = append(result.Warnings,
			"Validate timeout exceeds init timeout, boot may continue before validation ends")
	}
	if c.NoticeDelay > 10*time.Second {
		result.Warnings = append(result.Warnings,
			"Notice delay above 10s postpones startup feedback noticeably")
	}
}

func (c *Config) validatePool(result *ValidationResult) {
	if c.Workers <= 0 {
		result.Errors = append(result.Errors, ErrInvalidWorkers.Error())
	}
	if c.QueueSize <= 0 {
		result.Errors = append(result.Errors, ErrInvalidQueueSize.Error())
	}
}

func (c *Config) validateAuditConfig(result *ValidationResult) {
	if !c.Audit.Enabled {
		return
	}

	if c.Audit.BufferSize < 0 {
		result.Errors = append(result.Errors, ErrInvalidBufferSize.Error())
	} else if c.Audit.BufferSize == 0 {
		result.Warnings = append(result.Warnings, "Audit buffer size is 0, consider setting to 100-1000 for better performance")
	}

	if c.Audit.FlushInterval < 0 {
		result.Errors = append(result.Errors, ErrInvalidFlushInterval.Error())
	} else if c.Audit.FlushInterval == 0 {
		result.Warnings = append(result.Warnings, "Audit flush interval is 0, events will be written immediately (may impact performance)")
	}
}
