// runtime.go: The generated runtime artifact
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package verge

import (
	"sort"
	"time"
)

// Step identifiers used in exists_keys besides item uids.
const (
	StepBase   = "base"
	StepEngine = "engine"
	StepTun    = "tun"
)

// ChainStatus is the outcome of one chain step.
type ChainStatus string

const (
	ChainSuccess ChainStatus = "success"
	ChainFailure ChainStatus = "failure"
)

// ChainLog records what one chain step did.
type ChainLog struct {
	UID     string      `yaml:"uid" json:"uid"`
	Name    string      `yaml:"name,omitempty" json:"name,omitempty"`
	Type    ItemType    `yaml:"type,omitempty" json:"type,omitempty"`
	Status  ChainStatus `yaml:"status" json:"status"`
	Message string      `yaml:"message,omitempty" json:"message,omitempty"`
	Logs    []string    `yaml:"logs,omitempty" json:"logs,omitempty"`
	Keys    []string    `yaml:"keys,omitempty" json:"keys,omitempty"`
}

func (c ChainLog) clone() ChainLog {
	out := c
	if c.Logs != nil {
		out.Logs = append([]string(nil), c.Logs...)
	}
	if c.Keys != nil {
		out.Keys = append([]string(nil), c.Keys...)
	}
	return out
}

// Failed reports whether the step failed.
func (c ChainLog) Failed() bool { return c.Status == ChainFailure }

// RuntimeArtifact is the result of one generation. It is always replaced as
// a whole, never patched.
type RuntimeArtifact struct {
	Config      map[string]interface{} `yaml:"config,omitempty" json:"config,omitempty"`
	ExistsKeys  map[string]string      `yaml:"exists_keys,omitempty" json:"exists_keys,omitempty"`
	ChainLogs   []ChainLog             `yaml:"chain_logs,omitempty" json:"chain_logs,omitempty"`
	Digest      string                 `yaml:"digest,omitempty" json:"digest,omitempty"`
	GeneratedAt time.Time              `yaml:"generated_at,omitempty" json:"generated_at,omitempty"`
}

// HasDocument reports whether a document has been generated.
func (r RuntimeArtifact) HasDocument() bool { return r.Config != nil }

// Clone returns a deep copy.
func (r RuntimeArtifact) Clone() RuntimeArtifact {
	out := RuntimeArtifact{
		Config:      deepCopy(r.Config),
		Digest:      r.Digest,
		GeneratedAt: r.GeneratedAt,
	}
	if r.ExistsKeys != nil {
		out.ExistsKeys = make(map[string]string, len(r.ExistsKeys))
		for k, v := range r.ExistsKeys {
			out.ExistsKeys[k] = v
		}
	}
	if r.ChainLogs != nil {
		out.ChainLogs = make([]ChainLog, len(r.ChainLogs))
		for i, l := range r.ChainLogs {
			out.ChainLogs[i] = l.clone()
		}
	}
	return out
}

// KeysFrom lists the top-level keys attributed to step, sorted.
func (r RuntimeArtifact) KeysFrom(step string) []string {
	var keys []string
	for k, v := range r.ExistsKeys {
		if v == step {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Failures returns the failed chain steps.
func (r RuntimeArtifact) Failures() []ChainLog {
	var out []ChainLog
	for _, l := range r.ChainLogs {
		if l.Failed() {
			out = append(out, l)
		}
	}
	return out
}
