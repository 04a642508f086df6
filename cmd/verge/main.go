// Verge CLI: profile editing, generation and validation from the shell
//
// Configuration comes from VERGE_* environment variables, see
// verge.LoadConfigFromEnv.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/agilira/verge"
	"github.com/agilira/verge/cmd/cli"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	cfg, err := verge.LoadConfigFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	manager := cli.NewManager(cfg)

	// Audit events are flushed on Close, so it must run before exit.
	if audit := manager.Config().Audit; audit.Enabled {
		auditLogger, err := verge.NewAuditLogger(audit)
		if err != nil {
			slog.Warn("audit trail disabled", "error", err)
		} else {
			defer auditLogger.Close()
			manager.WithAudit(auditLogger)
		}
	}

	if err := manager.Run(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
