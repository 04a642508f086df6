// registry.go: The four configuration cells
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package verge

import (
	"sync"
)

// Registry owns the settings, profiles, runtime and engine cells. Cells are
// independent: committing one never touches another.
type Registry struct {
	settings *Draft[Settings]
	profiles *Draft[Profiles]
	runtime  *Draft[RuntimeArtifact]
	engine   *Draft[EngineOptions]
}

var (
	globalOnce     sync.Once
	globalRegistry *Registry
)

// Global returns the process-wide registry, creating it on first use.
func Global() *Registry {
	globalOnce.Do(func() {
		globalRegistry = NewRegistry()
	})
	return globalRegistry
}

// NewRegistry creates a registry holding default values.
func NewRegistry() *Registry {
	return NewRegistryFrom(DefaultSettings(), Profiles{}, DefaultEngineOptions())
}

// NewRegistryFrom creates a registry with explicit initial values. The
// runtime cell always starts empty.
func NewRegistryFrom(settings Settings, profiles Profiles, engine EngineOptions) *Registry {
	return &Registry{
		settings: NewDraft(settings, nil),
		profiles: NewDraft(profiles, Profiles.Clone),
		runtime:  NewDraft(RuntimeArtifact{}, RuntimeArtifact.Clone),
		engine:   NewDraft(engine, nil),
	}
}

// Settings is the application settings cell.
func (r *Registry) Settings() *Draft[Settings] { return r.settings }

// Profiles is the profile registry cell.
func (r *Registry) Profiles() *Draft[Profiles] { return r.profiles }

// Runtime is the generated runtime artifact cell.
func (r *Registry) Runtime() *Draft[RuntimeArtifact] { return r.runtime }

// Engine is the transport engine options cell.
func (r *Registry) Engine() *Draft[EngineOptions] { return r.engine }

// Load replaces settings, engine options and profiles with what is on disk.
// Missing files keep the current values.
func (r *Registry) Load(cfg *Config, store *ProfileStore) error {
	settings := r.settings.Latest().Value()
	if _, err := loadYAMLFile(cfg.SettingsPath(), &settings); err != nil {
		return err
	}
	engine := r.engine.Latest().Value()
	if _, err := loadYAMLFile(cfg.EnginePath(), &engine); err != nil {
		return err
	}
	profiles, err := store.Load()
	if err != nil {
		return err
	}

	if _, err := r.settings.Replace(settings); err != nil {
		return err
	}
	if _, err := r.engine.Replace(engine); err != nil {
		return err
	}
	if _, err := r.profiles.Replace(profiles); err != nil {
		return err
	}
	return nil
}

// SaveSettings persists the committed settings.
func (r *Registry) SaveSettings(cfg *Config) error {
	return saveYAMLFile(cfg.SettingsPath(), r.settings.Latest().Value())
}

// SaveEngine persists the committed engine options.
func (r *Registry) SaveEngine(cfg *Config) error {
	return saveYAMLFile(cfg.EnginePath(), r.engine.Latest().Value())
}

// SaveProfiles persists the committed profile registry.
func (r *Registry) SaveProfiles(store *ProfileStore) error {
	return store.Save(r.profiles.Latest().Value())
}
