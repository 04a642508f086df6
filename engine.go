// engine.go: Transport engine contract and the process-backed engine
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package verge

import (
	"bytes"
	"context"
	goerrors "errors"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/agilira/go-errors"
)

// Engine is the external transport engine as seen by the coordinator.
//
// ValidateConfig reports (true, "") for an accepted check file and
// (false, diagnostic) for a rejected one. A non-nil error means the engine
// could not be run at all.
type Engine interface {
	ValidateConfig(ctx context.Context) (bool, string, error)
	ApplyDefaultConfig(ctx context.Context, reason, message string) error
}

// ProcessEngine validates by running the engine binary in test mode:
//
//	<binary> -t -d <home> -f <check file>
//
// and falls back by writing the default document to the run file.
type ProcessEngine struct {
	Binary    string
	HomeDir   string
	CheckPath string
	RunPath   string

	// Options supplies the engine options for the default document.
	Options func() EngineOptions

	Logger *slog.Logger
}

// NewProcessEngine builds a ProcessEngine from cfg, reading engine options
// from the registry at fallback time.
func NewProcessEngine(cfg *Config, registry *Registry) *ProcessEngine {
	return &ProcessEngine{
		Binary:    cfg.EngineBinary,
		HomeDir:   cfg.HomeDir,
		CheckPath: cfg.CheckPath(),
		RunPath:   cfg.RunPath(),
		Options:   func() EngineOptions { return registry.Engine().Latest().Value() },
		Logger:    cfg.Logger,
	}
}

// ValidateConfig runs the engine against the check file.
func (p *ProcessEngine) ValidateConfig(ctx context.Context) (bool, string, error) {
	// #nosec G204 -- binary and paths come from trusted configuration
	cmd := exec.CommandContext(ctx, p.Binary, "-t", "-d", p.HomeDir, "-f", p.CheckPath)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, "", errors.Wrap(ctxErr, ErrCodeTimeout, "engine validation timed out").
			WithContext("binary", p.Binary)
	}
	if err == nil {
		return true, "", nil
	}

	var exitErr *exec.ExitError
	if goerrors.As(err, &exitErr) {
		return false, engineDiagnostic(out.String()), nil
	}
	return false, "", errors.Wrap(err, ErrCodeEngine, "failed to run engine").
		WithContext("binary", p.Binary)
}

// ApplyDefaultConfig replaces the run file with the minimal default document.
func (p *ProcessEngine) ApplyDefaultConfig(_ context.Context, reason, message string) error {
	opts := DefaultEngineOptions()
	if p.Options != nil {
		opts = p.Options()
	}

	data, err := RenderRuntimeFile(DefaultDocument(opts))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p.HomeDir, 0750); err != nil {
		return errors.Wrap(err, ErrCodeEngine, "failed to create home directory").
			WithContext("path", p.HomeDir)
	}
	if err := atomicWrite(p.RunPath, data, runtimeFilePermissions); err != nil {
		return errors.Wrap(err, ErrCodeEngine, "failed to apply default config").
			WithContext("reason", reason)
	}

	if p.Logger != nil {
		p.Logger.Warn("default config applied", "reason", reason, "message", message, "path", p.RunPath)
	}
	return nil
}

var engineMsgPattern = regexp.MustCompile(`msg="((?:[^"\\]|\\.)*)"`)

// engineDiagnostic extracts error messages from engine test output. Output
// without structured error lines is returned trimmed.
func engineDiagnostic(output string) string {
	var msgs []string
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "level=error") && !strings.Contains(line, "level=fatal") {
			continue
		}
		if m := engineMsgPattern.FindStringSubmatch(line); m != nil {
			msgs = append(msgs, strings.ReplaceAll(m[1], `\"`, `"`))
		}
	}
	if len(msgs) > 0 {
		return strings.Join(msgs, "\n")
	}
	return strings.TrimSpace(output)
}
