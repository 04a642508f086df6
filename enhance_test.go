// enhance_test.go: Chain resolution, attribution and failure isolation
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package verge

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/agilira/go-errors"
)

// memoryLoader serves item content from a map keyed by uid.
type memoryLoader map[string]string

func (m memoryLoader) ReadContent(item ProfileItem) ([]byte, error) {
	content, ok := m[item.UID]
	if !ok {
		return nil, errors.New(ErrCodeProfileRead, "no content").WithContext("uid", item.UID)
	}
	return []byte(content), nil
}

func chainInput(t *testing.T, items ...ProfileItem) EnhanceInput {
	t.Helper()
	p := Profiles{}
	if err := p.AppendItem(ProfileItem{UID: "base", Type: ItemLocal, Name: "Main", File: "base.yaml"}); err != nil {
		t.Fatal(err)
	}
	if err := p.SetCurrent("base"); err != nil {
		t.Fatal(err)
	}
	for _, item := range items {
		if err := p.AppendItem(item); err != nil {
			t.Fatal(err)
		}
	}
	return EnhanceInput{Profiles: p, Settings: DefaultSettings(), Engine: DefaultEngineOptions()}
}

func newTestEnhancer(loader ContentLoader, opts ...EnhancerOption) *Enhancer {
	return NewEnhancer(loader, NewScriptRunner(time.Second), opts...)
}

func TestEnhance_BaseOnly(t *testing.T) {
	loader := memoryLoader{"base": "proxies: []\nrules: [MATCH,DIRECT]\nmode: global\n"}
	artifact, err := newTestEnhancer(loader).Enhance(context.Background(), chainInput(t))
	if err != nil {
		t.Fatalf("Enhance failed: %v", err)
	}

	if artifact.ExistsKeys["rules"] != StepBase || artifact.ExistsKeys["proxies"] != StepBase {
		t.Errorf("Base keys not attributed: %v", artifact.ExistsKeys)
	}
	// Engine options win over the profile
	if artifact.Config["mode"] != "rule" || artifact.ExistsKeys["mode"] != StepEngine {
		t.Errorf("Engine overlay lost: mode=%v by %s", artifact.Config["mode"], artifact.ExistsKeys["mode"])
	}
	if artifact.Config["mixed-port"] != 7897 {
		t.Errorf("Engine port missing: %v", artifact.Config["mixed-port"])
	}
	if len(artifact.ChainLogs) != 0 {
		t.Errorf("Unexpected chain logs: %v", artifact.ChainLogs)
	}
	if _, ok := artifact.Config["tun"]; ok {
		t.Error("tun section present with TUN disabled")
	}
	if artifact.Digest == "" {
		t.Error("Digest not set")
	}
}

func TestEnhance_ChainOrderAndAttribution(t *testing.T) {
	loader := memoryLoader{
		"base": "rules: [MATCH,DIRECT]\ndns:\n  enable: false\n",
		"m1":   "dns:\n  enable: true\nprepend-rules: [DOMAIN,a.com,DIRECT]\n",
		"s1": `function main(c, name)
  c.hosts = { ["router.lan"] = "192.168.1.1" }
  table.insert(c.rules, 1, "DOMAIN," .. name .. ",DIRECT")
  return c
end`,
	}
	in := chainInput(t,
		ProfileItem{UID: "m1", Type: ItemMerge, Name: "DNS", File: "m1.yaml"},
		ProfileItem{UID: "s1", Type: ItemScript, Name: "Hosts", File: "s1.lua"},
	)

	artifact, err := newTestEnhancer(loader).Enhance(context.Background(), in)
	if err != nil {
		t.Fatalf("Enhance failed: %v", err)
	}

	want := []interface{}{"DOMAIN,Main,DIRECT", "DOMAIN,a.com,DIRECT", "MATCH,DIRECT"}
	if !reflect.DeepEqual(artifact.Config["rules"], want) {
		t.Errorf("Chain applied out of order: %v", artifact.Config["rules"])
	}
	if artifact.ExistsKeys["dns"] != "m1" {
		t.Errorf("dns attributed to %q", artifact.ExistsKeys["dns"])
	}
	if artifact.ExistsKeys["rules"] != "s1" || artifact.ExistsKeys["hosts"] != "s1" {
		t.Errorf("Script keys not attributed: %v", artifact.ExistsKeys)
	}

	if len(artifact.ChainLogs) != 2 {
		t.Fatalf("Expected 2 chain logs, got %d", len(artifact.ChainLogs))
	}
	if artifact.ChainLogs[0].UID != "m1" || artifact.ChainLogs[1].UID != "s1" {
		t.Errorf("Chain logs out of order: %+v", artifact.ChainLogs)
	}
	if !reflect.DeepEqual(artifact.KeysFrom("s1"), []string{"hosts", "rules"}) {
		t.Errorf("KeysFrom(s1) = %v", artifact.KeysFrom("s1"))
	}
}

func TestEnhance_DisabledItemSkipped(t *testing.T) {
	loader := memoryLoader{
		"base": "rules: []\n",
		"m1":   "dns:\n  enable: true\n",
	}
	in := chainInput(t, ProfileItem{UID: "m1", Type: ItemMerge, File: "m1.yaml", Disabled: true})

	artifact, err := newTestEnhancer(loader).Enhance(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := artifact.Config["dns"]; ok {
		t.Error("Disabled item applied")
	}
	if len(artifact.KeysFrom("m1")) != 0 {
		t.Error("Disabled item attributed keys")
	}
	if len(artifact.ChainLogs) != 0 {
		t.Error("Disabled item logged")
	}
}

func TestEnhance_FailingStepKeepsAccumulator(t *testing.T) {
	loader := memoryLoader{
		"base": "rules: [MATCH,DIRECT]\n",
		"m1":   "append-rules: [DOMAIN,a.com,DIRECT]\n",
		"s1":   "function main(c) c.rules = nil error('boom') end",
		"m2":   "ipv6: true\n",
	}
	in := chainInput(t,
		ProfileItem{UID: "m1", Type: ItemMerge, File: "m1.yaml"},
		ProfileItem{UID: "s1", Type: ItemScript, Name: "Broken", File: "s1.lua"},
		ProfileItem{UID: "m2", Type: ItemMerge, File: "m2.yaml"},
	)
	in.Engine.IPv6 = false

	artifact, err := newTestEnhancer(loader).Enhance(context.Background(), in)
	if err != nil {
		t.Fatalf("A failing item must not fail generation: %v", err)
	}

	if !reflect.DeepEqual(artifact.Config["rules"], []interface{}{"MATCH,DIRECT", "DOMAIN,a.com,DIRECT"}) {
		t.Errorf("Accumulator changed by failed step: %v", artifact.Config["rules"])
	}
	failures := artifact.Failures()
	if len(failures) != 1 || failures[0].UID != "s1" || failures[0].Name != "Broken" {
		t.Fatalf("Expected exactly one failure for s1, got %+v", failures)
	}
	if failures[0].Message == "" {
		t.Error("Failure without message")
	}
	if artifact.ChainLogs[2].Status != ChainSuccess {
		t.Error("Step after a failure did not run")
	}
	if artifact.ExistsKeys["rules"] != "m1" {
		t.Errorf("Failed step changed attribution: %q", artifact.ExistsKeys["rules"])
	}
}

func TestEnhance_MissingItemsAndContent(t *testing.T) {
	loader := memoryLoader{"base": "rules: []\n"}
	in := chainInput(t, ProfileItem{UID: "m1", Type: ItemMerge, File: "m1.yaml"})
	in.Profiles.Chain = append(in.Profiles.Chain, "ghost")

	artifact, err := newTestEnhancer(loader).Enhance(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if len(artifact.Failures()) != 2 {
		t.Errorf("Expected unreadable and missing items to fail, got %+v", artifact.ChainLogs)
	}
}

func TestEnhance_ResolutionErrors(t *testing.T) {
	enhancer := newTestEnhancer(memoryLoader{"base": "- not a mapping\n"})

	if _, err := enhancer.Enhance(context.Background(), EnhanceInput{}); !HasCode(err, ErrCodeNoBaseProfile) {
		t.Errorf("Expected no-base-profile, got %v", err)
	}
	if _, err := enhancer.Enhance(context.Background(), chainInput(t)); !HasCode(err, ErrCodeProfileRead) {
		t.Errorf("Expected profile-read for bad base, got %v", err)
	}
	if _, err := newTestEnhancer(memoryLoader{}).Enhance(context.Background(), chainInput(t)); !HasCode(err, ErrCodeProfileRead) {
		t.Errorf("Expected profile-read for missing base, got %v", err)
	}
}

func TestEnhance_TunOverlay(t *testing.T) {
	loader := memoryLoader{"base": "tun:\n  enable: false\n  mtu: 9000\n"}
	in := chainInput(t)
	in.Settings.EnableTun = true

	artifact, err := newTestEnhancer(loader).Enhance(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	tun := artifact.Config["tun"].(map[string]interface{})
	if tun["enable"] != true || tun["stack"] != "gvisor" {
		t.Errorf("TUN overlay not applied: %v", tun)
	}
	if tun["mtu"] != 9000 {
		t.Errorf("Profile TUN fields lost: %v", tun)
	}
	if artifact.ExistsKeys["tun"] != StepTun {
		t.Errorf("tun attributed to %q", artifact.ExistsKeys["tun"])
	}
}

func TestEnhance_Deterministic(t *testing.T) {
	loader := memoryLoader{
		"base": "rules: [a]\nproxies: [{name: p, type: direct}]\n",
		"s1":   "function main(c) c.extra = { z = 1, a = 2 } return c end",
	}
	in := chainInput(t, ProfileItem{UID: "s1", Type: ItemScript, File: "s1.lua"})
	enhancer := newTestEnhancer(loader)

	first, err := enhancer.Enhance(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		next, err := enhancer.Enhance(context.Background(), in)
		if err != nil {
			t.Fatal(err)
		}
		if next.Digest != first.Digest {
			t.Fatalf("Digest changed between runs: %s vs %s", next.Digest, first.Digest)
		}
	}
}

func TestEnhance_CustomTransformBuilder(t *testing.T) {
	loader := memoryLoader{"base": "rules: []\n", "m1": ""}
	upper := func(item ProfileItem, content []byte, name string) (Transform, error) {
		return TransformFunc(func(_ context.Context, doc map[string]interface{}) (TransformResult, error) {
			out := deepCopy(doc)
			out["custom"] = name
			return TransformResult{Doc: out}, nil
		}), nil
	}
	in := chainInput(t, ProfileItem{UID: "m1", Type: ItemMerge, File: "m1.yaml"})

	artifact, err := newTestEnhancer(loader, WithTransformBuilder(ItemMerge, upper)).Enhance(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if artifact.Config["custom"] != "Main" || artifact.ExistsKeys["custom"] != "m1" {
		t.Errorf("Custom builder not used or keys not derived: %v %v", artifact.Config["custom"], artifact.ExistsKeys)
	}
}
