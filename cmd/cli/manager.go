// Package cli provides the command-line interface for Verge.
//
// The CLI is stateless: every command loads the registry from disk, runs
// one operation and persists what it changed. Long-running work such as
// profile watching belongs to the daemon in cmd/verged.
//
// Commands:
//   - init, generate, validate: lifecycle operations
//   - profiles: registry editing (list, add, update, current, chain, enable, disable, remove)
//   - runtime: inspection of the generated document and chain logs
//   - engine: transport engine options
//   - audit, info: diagnostics
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package cli

import (
	"io"
	"os"

	"github.com/agilira/orpheus/pkg/orpheus"
	"github.com/agilira/verge"
)

// Version is reported by the info command and --version.
const Version = "1.0.0"

// Manager wires the Orpheus command tree to the lifecycle engine.
type Manager struct {
	app         *orpheus.App
	config      *verge.Config
	auditLogger *verge.AuditLogger // Optional audit integration
	engine      verge.Engine       // Optional override of the process engine
	fetcher     *verge.RemoteFetcher
	out         io.Writer
}

// NewManager creates a CLI manager for cfg. A nil cfg uses the defaults.
func NewManager(cfg *verge.Config) *Manager {
	config := verge.Config{}
	if cfg != nil {
		config = *cfg
	}
	// The CLI waits for the notice, so there is nothing to delay for.
	config.NoticeDelay = -1

	app := orpheus.New("verge").
		SetDescription("Configuration lifecycle manager for the transport engine").
		SetVersion(Version)

	manager := &Manager{
		app:    app,
		config: config.WithDefaults(),
		out:    os.Stdout,
	}

	manager.setupLifecycleCommands()
	manager.setupProfileCommands()
	manager.setupRuntimeCommands()
	manager.setupEngineCommands()
	manager.setupUtilityCommands()

	return manager
}

// WithAudit enables audit logging for all CLI operations.
func (m *Manager) WithAudit(auditLogger *verge.AuditLogger) *Manager {
	m.auditLogger = auditLogger
	return m
}

// WithEngine replaces the process engine used by init and validate.
func (m *Manager) WithEngine(engine verge.Engine) *Manager {
	m.engine = engine
	return m
}

// WithFetcher replaces the downloader used for remote profiles.
func (m *Manager) WithFetcher(fetcher *verge.RemoteFetcher) *Manager {
	m.fetcher = fetcher
	return m
}

// WithOutput redirects command output, mainly for tests.
func (m *Manager) WithOutput(w io.Writer) *Manager {
	m.out = w
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() *verge.Config { return m.config }

// Run executes the CLI application with the provided arguments.
func (m *Manager) Run(args []string) error {
	return m.app.Run(args)
}

// setupLifecycleCommands configures init, generate and validate.
func (m *Manager) setupLifecycleCommands() {
	initCmd := orpheus.NewCommand("init", "Create built-in items, generate and validate").
		SetHandler(m.handleInit)
	m.app.AddCommand(initCmd)

	// generate [--check]
	generateCmd := orpheus.NewCommand("generate", "Generate the runtime config file")
	generateCmd.SetHandler(m.handleGenerate)
	generateCmd.AddBoolFlag("check", "c", false, "Write the check file instead of the run file")
	m.app.AddCommand(generateCmd)

	validateCmd := orpheus.NewCommand("validate", "Generate and validate with the engine").
		SetHandler(m.handleValidate)
	m.app.AddCommand(validateCmd)
}

// setupProfileCommands configures the 'profiles' command group.
func (m *Manager) setupProfileCommands() {
	profilesCmd := orpheus.NewCommand("profiles", "Profile registry operations")

	profilesCmd.Subcommand("list", "List profile items", m.handleProfilesList)

	// profiles add <type> <name> [--file=path] [--url=url] [--interval=minutes]
	addCmd := profilesCmd.Subcommand("add", "Add an item (local|remote|merge|script)", m.handleProfilesAdd)
	addCmd.AddFlag("file", "f", "", "Read item content from this file")
	addCmd.AddFlag("url", "u", "", "Subscription URL for remote profiles")
	addCmd.AddIntFlag("interval", "i", 0, "Remote refresh interval in minutes (0 disables)")
	addCmd.AddBoolFlag("current", "c", false, "Select the new base profile as current")

	// profiles update [uid|name]
	profilesCmd.Subcommand("update", "Download remote profiles again", m.handleProfilesUpdate)

	profilesCmd.Subcommand("current", "Select the current base profile", m.handleProfilesCurrent)

	// profiles chain [--order=uid1,uid2]
	chainCmd := profilesCmd.Subcommand("chain", "Show or reorder the chain", m.handleProfilesChain)
	chainCmd.AddFlag("order", "o", "", "Comma separated chain uids")

	profilesCmd.Subcommand("enable", "Enable an item", m.handleProfilesEnable)
	profilesCmd.Subcommand("disable", "Disable an item", m.handleProfilesDisable)

	removeCmd := profilesCmd.Subcommand("remove", "Remove an item", m.handleProfilesRemove)
	removeCmd.AddBoolFlag("unchain", "", false, "Drop the item from the chain first")

	m.app.AddCommand(profilesCmd)
}

// setupRuntimeCommands configures the 'runtime' command group. Each
// subcommand generates in memory first; nothing is written.
func (m *Manager) setupRuntimeCommands() {
	runtimeCmd := orpheus.NewCommand("runtime", "Inspect the generated runtime config")

	keysCmd := runtimeCmd.Subcommand("keys", "Show which step set each top-level key", m.handleRuntimeKeys)
	keysCmd.AddFlag("step", "s", "", "Only keys set by this step (uid, base, engine, tun)")

	runtimeCmd.Subcommand("logs", "Show chain step logs", m.handleRuntimeLogs)
	runtimeCmd.Subcommand("show", "Print the runtime document", m.handleRuntimeShow)

	m.app.AddCommand(runtimeCmd)
}

// setupEngineCommands configures the 'engine' command group.
func (m *Manager) setupEngineCommands() {
	engineCmd := orpheus.NewCommand("engine", "Transport engine options")

	engineCmd.Subcommand("show", "Print engine options", m.handleEngineShow)
	engineCmd.Subcommand("set", "Set an engine option", m.handleEngineSet)

	m.app.AddCommand(engineCmd)
}

// setupUtilityCommands configures diagnostics.
func (m *Manager) setupUtilityCommands() {
	auditCmd := orpheus.NewCommand("audit", "Audit trail management")
	auditCmd.Subcommand("stats", "Show audit trail statistics", m.handleAuditStats)
	m.app.AddCommand(auditCmd)

	infoCmd := orpheus.NewCommand("info", "Paths and settings in effect")
	infoCmd.SetHandler(m.handleInfo)
	infoCmd.AddBoolFlag("verbose", "v", false, "Verbose information")
	m.app.AddCommand(infoCmd)
}
