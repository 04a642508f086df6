// Utility functions for the Verge CLI
//
// This file loads the registry for a command, persists profile edits and
// formats lifecycle results for the terminal.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/agilira/go-errors"
	"github.com/agilira/verge"
)

// session is the state loaded for one command.
type session struct {
	registry    *verge.Registry
	store       *verge.ProfileStore
	coordinator *verge.Coordinator
}

// open loads settings, engine options and profiles from disk and wires a
// coordinator around them.
func (m *Manager) open() (*session, error) {
	registry := verge.NewRegistry()
	store := verge.NewProfileStore(m.config.ProfilesDir)
	if err := registry.Load(m.config, store); err != nil {
		return nil, errors.Wrap(err, verge.ErrCodePersist, "failed to load configuration").
			WithContext("home", m.config.HomeDir)
	}

	engine := m.engine
	if engine == nil {
		engine = verge.NewProcessEngine(m.config, registry)
	}
	notifier := verge.NotifierFunc(func(n verge.Notice) {
		if n.Message != "" {
			fmt.Fprintf(m.out, "Notice: %s: %s\n", n.Reason, n.Message)
		} else {
			fmt.Fprintf(m.out, "Notice: %s\n", n.Reason)
		}
	})

	coordinator := verge.NewCoordinator(registry, m.config, engine, notifier,
		verge.WithAudit(m.auditLogger))
	return &session{registry: registry, store: store, coordinator: coordinator}, nil
}

// remote returns the configured fetcher or a default one.
func (m *Manager) remote() *verge.RemoteFetcher {
	if m.fetcher == nil {
		m.fetcher = verge.NewRemoteFetcher(verge.DefaultRemoteOptions(), m.auditLogger, m.config.Logger)
	}
	return m.fetcher
}

// updateProfiles commits fn to the profiles cell and saves the registry.
func (m *Manager) updateProfiles(s *session, fn func(*verge.Profiles) error) error {
	before := s.registry.Profiles().Latest().Version()
	snap, err := s.registry.Profiles().Update(fn)
	if err != nil {
		return err
	}
	m.auditLogger.LogCommit("profiles", before, snap.Version())
	return s.registry.SaveProfiles(s.store)
}

// generateInMemory runs generation without writing runtime files.
func (m *Manager) generateInMemory() (verge.RuntimeArtifact, error) {
	s, err := m.open()
	if err != nil {
		return verge.RuntimeArtifact{}, err
	}
	snap, err := s.coordinator.Generator().Generate(context.Background())
	if err != nil {
		return verge.RuntimeArtifact{}, err
	}
	return snap.Value(), nil
}

// reportCycle prints the states of a cycle and waits for its notice. A
// cycle that did not end valid is returned as an error.
func (m *Manager) reportCycle(res verge.Result) error {
	<-res.Notified

	names := make([]string, len(res.States))
	for i, st := range res.States {
		names[i] = st.String()
	}
	fmt.Fprintf(m.out, "States: %s\n", strings.Join(names, " -> "))
	if res.Digest != "" {
		fmt.Fprintf(m.out, "Digest: %s\n", shortDigest(res.Digest))
	}
	if res.FallbackErr != nil {
		fmt.Fprintf(m.out, "Warning: default config not applied: %v\n", res.FallbackErr)
	}

	if res.Outcome.State == verge.StateValid {
		return nil
	}
	if res.Err != nil {
		return res.Err
	}
	return errors.New(verge.ErrCodeEngine, "engine rejected the runtime config").
		WithContext("reason", res.Outcome.Reason()).
		WithContext("message", res.Outcome.Message)
}

func (m *Manager) printFailures(artifact verge.RuntimeArtifact) {
	for _, f := range artifact.Failures() {
		fmt.Fprintf(m.out, "Warning: step %s (%s) failed: %s\n", f.UID, f.Name, f.Message)
	}
}

func shortDigest(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}

// formatItem renders one registry line: a marker, uid, type, name and state.
func formatItem(p verge.Profiles, item verge.ProfileItem) string {
	marker := " "
	switch {
	case item.UID == p.Current:
		marker = "*"
	case p.ChainPosition(item.UID) >= 0:
		marker = strconv.Itoa(p.ChainPosition(item.UID) + 1)
	}

	line := fmt.Sprintf("%s %-14s %-7s %s", marker, item.UID, item.Type, item.Name)
	if !item.Enabled() {
		line += " (disabled)"
	}
	if item.LastRun != nil {
		line += " [" + string(item.LastRun.Status) + "]"
	}
	return line
}

func formatChainLog(log verge.ChainLog) string {
	line := fmt.Sprintf("%s %s [%s] %s", log.UID, log.Name, log.Type, log.Status)
	if log.Message != "" {
		line += ": " + log.Message
	}
	if len(log.Keys) > 0 {
		line += " keys=" + strings.Join(log.Keys, ",")
	}
	return line
}

func printCounts(w io.Writer, title string, counts map[string]int64) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(w, "%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-12s %d\n", k, counts[k])
	}
}

// resolveUID accepts a uid or an item name.
func resolveUID(p verge.Profiles, ref string) string {
	if _, ok := p.GetItem(ref); ok {
		return ref
	}
	if item, ok := p.FindByName(ref); ok {
		return item.UID
	}
	return ref
}

// itemTemplate is the content written for a new item without --file.
func itemTemplate(t verge.ItemType) []byte {
	switch t {
	case verge.ItemScript:
		return []byte("function main(config, name)\n  return config\nend\n")
	case verge.ItemMerge:
		return []byte("{}\n")
	default:
		return []byte("proxies: []\nproxy-groups: []\nrules: []\n")
	}
}

// parseValue automatically parses a string value to the appropriate Go type.
// Supports: bool, int, float64, and strings with smart type detection.
func parseValue(value string) interface{} {
	// Only explicit boolean strings, so "0"/"1" stay integers
	lowerValue := strings.ToLower(value)
	if lowerValue == "true" || lowerValue == "false" {
		return lowerValue == "true"
	}

	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return i
	}

	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}

	return value
}

// setEngineOption assigns one engine option by its document key.
func setEngineOption(o *verge.EngineOptions, key, value string) error {
	parsed := parseValue(value)
	typeErr := func(want string) error {
		return errors.New(verge.ErrCodeInvalidConfig, fmt.Sprintf("%s expects %s, got '%s'", key, want, value))
	}

	switch key {
	case "mixed-port":
		port, ok := parsed.(int64)
		if !ok {
			return typeErr("an integer")
		}
		o.MixedPort = int(port)
	case "allow-lan", "ipv6":
		b, ok := parsed.(bool)
		if !ok {
			return typeErr("true or false")
		}
		if key == "ipv6" {
			o.IPv6 = b
		} else {
			o.AllowLAN = b
		}
	case "mode":
		o.Mode = value
	case "log-level":
		o.LogLevel = value
	case "external-controller":
		o.ExternalController = value
	case "secret":
		o.Secret = value
	default:
		return errors.New(verge.ErrCodeInvalidConfig, fmt.Sprintf("unknown engine option '%s'", key))
	}
	return nil
}
