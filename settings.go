// settings.go: Application settings and transport engine options
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package verge

import (
	"os"

	"github.com/agilira/go-errors"
	"go.yaml.in/yaml/v3"
)

// Settings are the application level preferences that influence generation.
type Settings struct {
	EnableTun         bool   `yaml:"enable_tun_mode"`
	TunStack          string `yaml:"tun_stack,omitempty"`
	EnableSystemProxy bool   `yaml:"enable_system_proxy"`
	EngineBinary      string `yaml:"clash_core,omitempty"`
	Language          string `yaml:"language,omitempty"`
}

// DefaultSettings returns the settings used on first run.
func DefaultSettings() Settings {
	return Settings{
		TunStack: "gvisor",
		Language: "en",
	}
}

// EngineOptions are the transport engine values that always win over
// anything profiles set.
type EngineOptions struct {
	MixedPort          int    `yaml:"mixed-port"`
	Mode               string `yaml:"mode"`
	LogLevel           string `yaml:"log-level"`
	AllowLAN           bool   `yaml:"allow-lan"`
	IPv6               bool   `yaml:"ipv6"`
	ExternalController string `yaml:"external-controller"`
	Secret             string `yaml:"secret,omitempty"`
}

// DefaultEngineOptions returns the options used on first run.
func DefaultEngineOptions() EngineOptions {
	return EngineOptions{
		MixedPort:          7897,
		Mode:               "rule",
		LogLevel:           "info",
		ExternalController: "127.0.0.1:9097",
	}
}

// Overlay returns the options as top-level document keys.
func (o EngineOptions) Overlay() map[string]interface{} {
	doc := map[string]interface{}{
		"mixed-port":          o.MixedPort,
		"mode":                o.Mode,
		"log-level":           o.LogLevel,
		"allow-lan":           o.AllowLAN,
		"ipv6":                o.IPv6,
		"external-controller": o.ExternalController,
	}
	if o.Secret != "" {
		doc["secret"] = o.Secret
	}
	return doc
}

// Validate checks the options for values the engine would refuse.
func (o EngineOptions) Validate() error {
	if o.MixedPort < 0 || o.MixedPort > 65535 {
		return errors.New(ErrCodeInvalidConfig, "mixed-port out of range").
			WithContext("mixed_port", o.MixedPort)
	}
	switch o.Mode {
	case "rule", "global", "direct":
	default:
		return errors.New(ErrCodeInvalidConfig, "unknown mode").
			WithContext("mode", o.Mode)
	}
	switch o.LogLevel {
	case "debug", "info", "warning", "error", "silent":
	default:
		return errors.New(ErrCodeInvalidConfig, "unknown log-level").
			WithContext("log_level", o.LogLevel)
	}
	return nil
}

// DefaultDocument is the minimal known-good runtime document used as the
// fallback when a generated document cannot be trusted.
func DefaultDocument(o EngineOptions) map[string]interface{} {
	doc := o.Overlay()
	doc["proxies"] = []interface{}{}
	doc["proxy-groups"] = []interface{}{}
	doc["rules"] = []interface{}{"MATCH,DIRECT"}
	return doc
}

// tunOverlay is the section forced on when TUN mode is enabled.
func tunOverlay(s Settings) map[string]interface{} {
	stack := s.TunStack
	if stack == "" {
		stack = "gvisor"
	}
	return map[string]interface{}{
		"enable":                true,
		"stack":                 stack,
		"auto-route":            true,
		"auto-detect-interface": true,
		"dns-hijack":            []interface{}{"any:53"},
	}
}

// loadYAMLFile decodes path into out. A missing file leaves out untouched
// and reports false.
func loadYAMLFile(path string, out interface{}) (bool, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from Config
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrap(err, ErrCodePersist, "failed to read file").
			WithContext("path", path)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return false, errors.Wrap(err, ErrCodePersist, "failed to decode file").
			WithContext("path", path)
	}
	return true, nil
}

// saveYAMLFile encodes v and writes it atomically.
func saveYAMLFile(path string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return errors.Wrap(err, ErrCodePersist, "failed to encode file").
			WithContext("path", path)
	}
	if err := atomicWrite(path, data, 0600); err != nil {
		return errors.Wrap(err, ErrCodePersist, "failed to save file").
			WithContext("path", path)
	}
	return nil
}
