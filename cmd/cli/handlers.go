// Command handlers for the Verge CLI
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/agilira/go-errors"
	"github.com/agilira/orpheus/pkg/orpheus"
	"github.com/agilira/verge"
	"go.yaml.in/yaml/v3"
)

// Lifecycle

// handleInit creates the built-in chain items, then generates and
// validates. It waits for the notice before returning.
func (m *Manager) handleInit(ctx *orpheus.Context) error {
	s, err := m.open()
	if err != nil {
		return err
	}
	m.auditLogger.LogFileWatch("cli_init", m.config.HomeDir)

	res, bootErr := s.coordinator.InitConfig(context.Background())
	if bootErr != nil {
		fmt.Fprintf(m.out, "Warning: built-in items not created: %v\n", bootErr)
	}
	return m.reportCycle(res)
}

// handleGenerate generates the runtime document and writes the run file,
// or the check file with --check.
func (m *Manager) handleGenerate(ctx *orpheus.Context) error {
	s, err := m.open()
	if err != nil {
		return err
	}
	m.auditLogger.LogFileWatch("cli_generate", m.config.HomeDir)

	snap, err := s.coordinator.Generator().Generate(context.Background())
	if err != nil {
		return err
	}
	m.printFailures(snap.Value())

	kind := verge.RunFile
	if ctx.GetFlagBool("check") {
		kind = verge.CheckFile
	}
	path, err := s.coordinator.Generator().GenerateFile(kind)
	if err != nil {
		return err
	}

	fmt.Fprintf(m.out, "Generated %s (%s)\n", path, shortDigest(snap.Value().Digest))
	return nil
}

// handleValidate runs one generate and validate cycle.
func (m *Manager) handleValidate(ctx *orpheus.Context) error {
	s, err := m.open()
	if err != nil {
		return err
	}
	m.auditLogger.LogFileWatch("cli_validate", m.config.HomeDir)
	return m.reportCycle(s.coordinator.Apply(context.Background()))
}

// Profiles

// handleProfilesList prints every item with its chain position. The chain
// is generated in memory so the last run of each step can be shown.
func (m *Manager) handleProfilesList(ctx *orpheus.Context) error {
	s, err := m.open()
	if err != nil {
		return err
	}

	profiles := s.registry.Profiles().Latest().Value()
	if _, err := s.coordinator.Generator().Generate(context.Background()); err == nil {
		profiles = s.coordinator.Generator().AnnotatedProfiles()
	}

	if len(profiles.Items) == 0 {
		fmt.Fprintln(m.out, "No profile items")
		return nil
	}
	for _, item := range profiles.Items {
		fmt.Fprintln(m.out, formatItem(profiles, item))
	}
	return nil
}

// handleProfilesAdd adds an item. Content comes from --file, from --url for
// remote profiles, or from a template.
func (m *Manager) handleProfilesAdd(ctx *orpheus.Context) error {
	itemType := verge.ItemType(strings.ToLower(ctx.GetArg(0)))
	name := ctx.GetArg(1)
	if name == "" {
		return errors.New(verge.ErrCodeInvalidConfig, "usage: profiles add <type> <name>")
	}
	if !itemType.IsBase() && !itemType.IsChain() {
		return errors.New(verge.ErrCodeProfileInvalid, fmt.Sprintf("unknown item type '%s'", itemType))
	}
	url := ctx.GetFlagString("url")
	if itemType == verge.ItemRemote && url == "" {
		return errors.New(verge.ErrCodeInvalidConfig, "remote profiles need --url")
	}
	interval := ctx.GetFlagInt("interval")
	if interval < 0 {
		return errors.New(verge.ErrCodeInvalidConfig, "interval cannot be negative")
	}

	var content []byte
	switch src := ctx.GetFlagString("file"); {
	case src != "":
		data, err := os.ReadFile(src) // #nosec G304 -- path supplied by the operator
		if err != nil {
			return errors.Wrap(err, verge.ErrCodeProfileRead, "failed to read item content").
				WithContext("path", src)
		}
		content = data
	case itemType == verge.ItemRemote:
		data, err := m.remote().Fetch(context.Background(), url)
		if err != nil {
			return err
		}
		content = data
	default:
		content = itemTemplate(itemType)
	}

	s, err := m.open()
	if err != nil {
		return err
	}

	item := verge.NewItem(itemType, name)
	item.URL = url
	if itemType == verge.ItemRemote {
		item.UpdateInterval = interval
	}
	makeCurrent := ctx.GetFlagBool("current") && itemType.IsBase()

	if err := s.store.WriteContent(item, content); err != nil {
		return err
	}
	if err := m.updateProfiles(s, func(p *verge.Profiles) error {
		if err := p.AppendItem(item); err != nil {
			return err
		}
		if makeCurrent || (itemType.IsBase() && p.Current == "") {
			return p.SetCurrent(item.UID)
		}
		return nil
	}); err != nil {
		return err
	}

	fmt.Fprintf(m.out, "Added %s %s (%s)\n", itemType, name, item.UID)
	return nil
}

// handleProfilesUpdate downloads one remote item, or all of them without an
// argument. When the current base profile changed the configuration is
// validated again.
func (m *Manager) handleProfilesUpdate(ctx *orpheus.Context) error {
	s, err := m.open()
	if err != nil {
		return err
	}

	profiles := s.registry.Profiles().Latest().Value()
	var uids []string
	if ref := ctx.GetArg(0); ref != "" {
		uids = append(uids, resolveUID(profiles, ref))
	} else {
		for _, item := range profiles.Items {
			if item.Type == verge.ItemRemote {
				uids = append(uids, item.UID)
			}
		}
	}
	if len(uids) == 0 {
		fmt.Fprintln(m.out, "No remote profiles")
		return nil
	}

	var failed error
	currentChanged := false
	for _, uid := range uids {
		current, err := verge.RefreshRemoteProfile(context.Background(), s.registry, s.store, m.remote(), uid)
		if err != nil {
			fmt.Fprintf(m.out, "Failed %s: %v\n", uid, err)
			if failed == nil {
				failed = err
			}
			continue
		}
		fmt.Fprintf(m.out, "Updated %s\n", uid)
		currentChanged = currentChanged || current
	}

	if currentChanged {
		if err := m.reportCycle(s.coordinator.Apply(context.Background())); err != nil {
			return err
		}
	}
	return failed
}

// handleProfilesCurrent selects the base profile by uid or name.
func (m *Manager) handleProfilesCurrent(ctx *orpheus.Context) error {
	s, err := m.open()
	if err != nil {
		return err
	}

	ref := ctx.GetArg(0)
	if ref == "" {
		item, err := s.registry.Profiles().Latest().Value().CurrentItem()
		if err != nil {
			return err
		}
		fmt.Fprintf(m.out, "%s (%s)\n", item.Name, item.UID)
		return nil
	}

	uid := resolveUID(s.registry.Profiles().Latest().Value(), ref)
	if err := m.updateProfiles(s, func(p *verge.Profiles) error {
		return p.SetCurrent(uid)
	}); err != nil {
		return err
	}
	fmt.Fprintf(m.out, "Current profile: %s\n", uid)
	return nil
}

// handleProfilesChain prints the chain, or reorders it with --order.
func (m *Manager) handleProfilesChain(ctx *orpheus.Context) error {
	s, err := m.open()
	if err != nil {
		return err
	}

	order := ctx.GetFlagString("order")
	if order != "" {
		profiles := s.registry.Profiles().Latest().Value()
		var uids []string
		for _, ref := range strings.Split(order, ",") {
			if ref = strings.TrimSpace(ref); ref != "" {
				uids = append(uids, resolveUID(profiles, ref))
			}
		}
		if err := m.updateProfiles(s, func(p *verge.Profiles) error {
			return p.SetChain(uids)
		}); err != nil {
			return err
		}
	}

	profiles := s.registry.Profiles().Latest().Value()
	if len(profiles.Chain) == 0 {
		fmt.Fprintln(m.out, "Chain is empty")
		return nil
	}
	for i, uid := range profiles.Chain {
		item, _ := profiles.GetItem(uid)
		state := "enabled"
		if !item.Enabled() {
			state = "disabled"
		}
		fmt.Fprintf(m.out, "%d. %s %s [%s] %s\n", i+1, uid, item.Name, item.Type, state)
	}
	return nil
}

func (m *Manager) handleProfilesEnable(ctx *orpheus.Context) error {
	return m.setEnabled(ctx.GetArg(0), true)
}

func (m *Manager) handleProfilesDisable(ctx *orpheus.Context) error {
	return m.setEnabled(ctx.GetArg(0), false)
}

func (m *Manager) setEnabled(ref string, enabled bool) error {
	s, err := m.open()
	if err != nil {
		return err
	}
	uid := resolveUID(s.registry.Profiles().Latest().Value(), ref)
	if err := m.updateProfiles(s, func(p *verge.Profiles) error {
		return p.SetEnabled(uid, enabled)
	}); err != nil {
		return err
	}

	verb := "Disabled"
	if enabled {
		verb = "Enabled"
	}
	fmt.Fprintf(m.out, "%s %s\n", verb, uid)
	return nil
}

// handleProfilesRemove deletes an item. Content files are left on disk.
func (m *Manager) handleProfilesRemove(ctx *orpheus.Context) error {
	s, err := m.open()
	if err != nil {
		return err
	}
	uid := resolveUID(s.registry.Profiles().Latest().Value(), ctx.GetArg(0))
	unchain := ctx.GetFlagBool("unchain")

	if err := m.updateProfiles(s, func(p *verge.Profiles) error {
		if unchain {
			p.RemoveFromChain(uid)
		}
		return p.RemoveItem(uid)
	}); err != nil {
		return err
	}
	fmt.Fprintf(m.out, "Removed %s\n", uid)
	return nil
}

// Runtime inspection

func (m *Manager) handleRuntimeKeys(ctx *orpheus.Context) error {
	artifact, err := m.generateInMemory()
	if err != nil {
		return err
	}

	if step := ctx.GetFlagString("step"); step != "" {
		for _, key := range artifact.KeysFrom(step) {
			fmt.Fprintln(m.out, key)
		}
		return nil
	}

	keys := make([]string, 0, len(artifact.ExistsKeys))
	for k := range artifact.ExistsKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(m.out, "%-24s %s\n", k, artifact.ExistsKeys[k])
	}
	return nil
}

func (m *Manager) handleRuntimeLogs(ctx *orpheus.Context) error {
	artifact, err := m.generateInMemory()
	if err != nil {
		return err
	}
	if len(artifact.ChainLogs) == 0 {
		fmt.Fprintln(m.out, "No chain steps ran")
		return nil
	}
	for _, log := range artifact.ChainLogs {
		fmt.Fprintln(m.out, formatChainLog(log))
		for _, line := range log.Logs {
			fmt.Fprintf(m.out, "    %s\n", line)
		}
	}
	return nil
}

func (m *Manager) handleRuntimeShow(ctx *orpheus.Context) error {
	artifact, err := m.generateInMemory()
	if err != nil {
		return err
	}
	data, err := verge.RenderRuntimeFile(artifact.Config)
	if err != nil {
		return err
	}
	_, err = m.out.Write(data)
	return err
}

// Engine options

func (m *Manager) handleEngineShow(ctx *orpheus.Context) error {
	s, err := m.open()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(s.registry.Engine().Latest().Value())
	if err != nil {
		return errors.Wrap(err, verge.ErrCodePersist, "failed to encode engine options")
	}
	_, err = m.out.Write(data)
	return err
}

// handleEngineSet changes one option and persists the result. Invalid values
// are rejected before anything is committed.
func (m *Manager) handleEngineSet(ctx *orpheus.Context) error {
	key := ctx.GetArg(0)
	value := ctx.GetArg(1)

	s, err := m.open()
	if err != nil {
		return err
	}

	before := s.registry.Engine().Latest().Version()
	snap, err := s.registry.Engine().Update(func(o *verge.EngineOptions) error {
		if err := setEngineOption(o, key, value); err != nil {
			return err
		}
		return o.Validate()
	})
	if err != nil {
		return err
	}
	m.auditLogger.LogCommit("engine", before, snap.Version())
	if err := s.registry.SaveEngine(m.config); err != nil {
		return err
	}

	fmt.Fprintf(m.out, "Set %s = %s\n", key, value)
	return nil
}

// Diagnostics

func (m *Manager) handleAuditStats(ctx *orpheus.Context) error {
	if m.auditLogger == nil {
		return errors.New(verge.ErrCodeInvalidConfig, "audit logging not enabled")
	}
	stats, err := m.auditLogger.Stats()
	if err != nil {
		return err
	}

	fmt.Fprintf(m.out, "Total events: %d\n", stats.TotalEvents)
	if stats.OldestEvent != nil && stats.NewestEvent != nil {
		fmt.Fprintf(m.out, "Range: %s .. %s\n",
			stats.OldestEvent.Format("2006-01-02 15:04:05"),
			stats.NewestEvent.Format("2006-01-02 15:04:05"))
	}
	printCounts(m.out, "By level", stats.EventsByLevel)
	printCounts(m.out, "By component", stats.EventsByComponent)
	return nil
}

func (m *Manager) handleInfo(ctx *orpheus.Context) error {
	cfg := m.config
	fmt.Fprintf(m.out, "Verge %s\n", Version)
	fmt.Fprintf(m.out, "Home:     %s\n", cfg.HomeDir)
	fmt.Fprintf(m.out, "Profiles: %s\n", cfg.ProfilesDir)
	fmt.Fprintf(m.out, "Run:      %s\n", cfg.RunPath())
	fmt.Fprintf(m.out, "Check:    %s\n", cfg.CheckPath())
	fmt.Fprintf(m.out, "Engine:   %s\n", cfg.EngineBinary)

	if ctx.GetFlagBool("verbose") {
		fmt.Fprintf(m.out, "\nValidate timeout: %v\n", cfg.ValidateTimeout)
		fmt.Fprintf(m.out, "Script timeout:   %v\n", cfg.ScriptTimeout)
		fmt.Fprintf(m.out, "Audit logging:    %v\n", m.auditLogger != nil)
		if cfg.Audit.Enabled {
			fmt.Fprintf(m.out, "Audit file:       %s\n", cfg.Audit.OutputFile)
		}
	}
	return nil
}
