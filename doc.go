// Package verge manages the configuration lifecycle of a proxy client: it
// turns a base profile plus an ordered chain of merge and script items into
// the runtime document the transport engine loads, validates that document
// with the engine and falls back to a known-good default when validation
// fails.
//
// # Architecture Overview
//
// Verge consists of five parts:
//  1. Draft cells: versioned snapshots with a single pending edit
//  2. Registry: the settings, profiles, runtime and engine cells
//  3. Enhancer: base profile, chain steps and engine overlays
//  4. Generator: runtime artifact, run file and check file
//  5. Coordinator: generate, validate, fall back and notify
//
// # Draft Cells
//
// Every piece of configuration lives in a Draft. Readers take the latest
// committed snapshot, which never changes after commit. Writers open one
// edit at a time and either commit it or discard it:
//
//	snap, err := registry.Profiles().Update(func(p *verge.Profiles) error {
//		return p.SetCurrent(uid)
//	})
//
// Update and Replace fail with ErrCodeDraftInProgress while an explicit
// edit is open, so two writers never interleave.
//
// # Profile Chain
//
// The current base profile is a local or remote item. Chain items run in
// order on top of it:
//
//   - merge items deep-merge a YAML patch, with prepend-<key>, append-<key>
//     and remove-keys directives for top-level lists and keys
//   - script items run a Lua main(config, name) function in a sandbox
//
// A failing item is recorded in the chain logs and skipped; the document it
// received flows on unchanged. Engine options and, when enabled, the TUN
// section are applied last and always win. The runtime artifact records
// which step last set each top-level key.
//
// # Validation Cycle
//
// A Coordinator cycle generates the artifact, writes the run and check
// files and asks the Engine to validate the check file:
//
//	coordinator := verge.NewCoordinator(registry, cfg, engine, notifier)
//	if err := coordinator.Start(ctx); err != nil {
//		return err
//	}
//	res, finished := coordinator.Boot(ctx)
//
// Any outcome other than valid applies the engine's default configuration.
// One notice carrying the outcome reason is delivered after NoticeDelay.
//
// # Observability
//
// Diagnostics go to log/slog. Lifecycle events are recorded by the
// AuditLogger in SQLite or JSON lines. Metrics are exported through
// Prometheus and cycles are traced with OpenTelemetry spans.
//
// Repository: https://github.com/agilira/verge
package verge
