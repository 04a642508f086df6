// cli_integration_test.go: End-to-end CLI tests against a temporary home
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package cli

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/agilira/verge"
)

// fakeEngine answers validation with a fixed verdict and records fallbacks.
type fakeEngine struct {
	mu      sync.Mutex
	valid   bool
	message string
	applied []string
}

func (f *fakeEngine) ValidateConfig(ctx context.Context) (bool, string, error) {
	return f.valid, f.message, nil
}

func (f *fakeEngine) ApplyDefaultConfig(ctx context.Context, reason, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, reason)
	return nil
}

// CLITestFixture provides an isolated home directory and a manager writing
// into a buffer.
type CLITestFixture struct {
	t       *testing.T
	homeDir string
	engine  *fakeEngine
	out     *bytes.Buffer
}

func NewCLITestFixture(t *testing.T) *CLITestFixture {
	t.Helper()
	return &CLITestFixture{
		t:       t,
		homeDir: t.TempDir(),
		engine:  &fakeEngine{valid: true},
		out:     &bytes.Buffer{},
	}
}

// RunCLI runs one command with a fresh manager, as a separate process would.
func (f *CLITestFixture) RunCLI(args ...string) (string, error) {
	f.t.Helper()
	f.out.Reset()
	manager := NewManager(&verge.Config{HomeDir: f.homeDir}).
		WithEngine(f.engine).
		WithOutput(f.out)
	err := manager.Run(args)
	return f.out.String(), err
}

func (f *CLITestFixture) MustRun(args ...string) string {
	f.t.Helper()
	out, err := f.RunCLI(args...)
	if err != nil {
		f.t.Fatalf("%v failed: %v\noutput: %s", args, err, out)
	}
	return out
}

func (f *CLITestFixture) WriteFile(name, content string) string {
	f.t.Helper()
	path := filepath.Join(f.t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		f.t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func (f *CLITestFixture) Profiles() verge.Profiles {
	f.t.Helper()
	store := verge.NewProfileStore(filepath.Join(f.homeDir, verge.DefaultProfilesDir))
	p, err := store.Load()
	if err != nil {
		f.t.Fatalf("Failed to load profiles: %v", err)
	}
	return p
}

func TestCLI_InitValid(t *testing.T) {
	fixture := NewCLITestFixture(t)

	base := fixture.WriteFile("base.yaml", "proxies: []\nrules:\n  - MATCH,DIRECT\n")
	fixture.MustRun("profiles", "add", "local", "Main", "--file", base)

	out := fixture.MustRun("init")
	if !strings.Contains(out, "valid") {
		t.Errorf("Expected valid outcome, got: %s", out)
	}
	if !strings.Contains(out, "Notice: success") {
		t.Errorf("Expected success notice, got: %s", out)
	}

	data, err := os.ReadFile(filepath.Join(fixture.homeDir, verge.DefaultRunFile))
	if err != nil {
		t.Fatalf("Run file not written: %v", err)
	}
	if !strings.HasPrefix(string(data), verge.GeneratedHeader) {
		t.Errorf("Run file missing header: %q", string(data))
	}

	profiles := fixture.Profiles()
	if _, ok := profiles.FindByName(verge.BuiltinMergeName); !ok {
		t.Error("Merge item not created by init")
	}
	if _, ok := profiles.FindByName(verge.BuiltinScriptName); !ok {
		t.Error("Script item not created by init")
	}
	if len(fixture.engine.applied) != 0 {
		t.Errorf("Fallback applied on valid config: %v", fixture.engine.applied)
	}
}

func TestCLI_InitTwiceKeepsOneOfEachBuiltin(t *testing.T) {
	fixture := NewCLITestFixture(t)
	fixture.MustRun("profiles", "add", "local", "Main")
	fixture.MustRun("init")
	fixture.MustRun("init")

	merges, scripts := 0, 0
	for _, item := range fixture.Profiles().Items {
		switch item.Name {
		case verge.BuiltinMergeName:
			merges++
		case verge.BuiltinScriptName:
			scripts++
		}
	}
	if merges != 1 || scripts != 1 {
		t.Errorf("Expected one Merge and one Script, got %d and %d", merges, scripts)
	}
}

func TestCLI_ValidateRejected(t *testing.T) {
	fixture := NewCLITestFixture(t)
	fixture.engine.valid = false
	fixture.engine.message = "bad key X"
	fixture.MustRun("profiles", "add", "local", "Main")

	out, err := fixture.RunCLI("validate")
	if err == nil {
		t.Fatal("Expected error for rejected config")
	}
	if !strings.Contains(out, "Notice: boot-invalid-config: bad key X") {
		t.Errorf("Expected rejection notice, got: %s", out)
	}
	if len(fixture.engine.applied) != 1 || fixture.engine.applied[0] != verge.ReasonBootInvalidConfig {
		t.Errorf("Expected one fallback with boot-invalid-config, got %v", fixture.engine.applied)
	}
}

func TestCLI_ValidateWithoutProfile(t *testing.T) {
	fixture := NewCLITestFixture(t)

	out, err := fixture.RunCLI("validate")
	if err == nil {
		t.Fatal("Expected error without a base profile")
	}
	if !verge.HasCode(err, verge.ErrCodeGeneration) {
		t.Errorf("Expected generation error code, got %v", err)
	}
	if !strings.Contains(out, "Notice: generation-error") {
		t.Errorf("Expected generation-error notice, got: %s", out)
	}
}

func TestCLI_GenerateCheckFile(t *testing.T) {
	fixture := NewCLITestFixture(t)
	fixture.MustRun("profiles", "add", "local", "Main")

	out := fixture.MustRun("generate", "--check")
	checkPath := filepath.Join(fixture.homeDir, verge.DefaultCheckFile)
	if !strings.Contains(out, checkPath) {
		t.Errorf("Expected check path in output, got: %s", out)
	}
	if _, err := os.Stat(checkPath); err != nil {
		t.Errorf("Check file not written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(fixture.homeDir, verge.DefaultRunFile)); !os.IsNotExist(err) {
		t.Error("generate --check must not write the run file")
	}
}

func TestCLI_ChainAndRuntimeKeys(t *testing.T) {
	fixture := NewCLITestFixture(t)
	fixture.MustRun("profiles", "add", "local", "Main")

	patch := fixture.WriteFile("dns.yaml", "dns:\n  enable: true\n")
	fixture.MustRun("profiles", "add", "merge", "DNS", "--file", patch)

	item, ok := fixture.Profiles().FindByName("DNS")
	if !ok {
		t.Fatal("DNS item not saved")
	}

	out := fixture.MustRun("runtime", "keys", "--step", item.UID)
	if strings.TrimSpace(out) != "dns" {
		t.Errorf("Expected dns attributed to %s, got: %q", item.UID, out)
	}

	out = fixture.MustRun("runtime", "keys")
	if !strings.Contains(out, "mixed-port") || !strings.Contains(out, verge.StepEngine) {
		t.Errorf("Expected engine keys, got: %s", out)
	}

	// Disabled items keep their keys unattributed
	fixture.MustRun("profiles", "disable", "DNS")
	out = fixture.MustRun("runtime", "keys", "--step", item.UID)
	if strings.TrimSpace(out) != "" {
		t.Errorf("Disabled item still attributed: %q", out)
	}

	out = fixture.MustRun("profiles", "chain")
	if !strings.Contains(out, "disabled") {
		t.Errorf("Expected disabled marker in chain, got: %s", out)
	}
}

func TestCLI_ChainReorder(t *testing.T) {
	fixture := NewCLITestFixture(t)
	fixture.MustRun("profiles", "add", "merge", "First")
	fixture.MustRun("profiles", "add", "script", "Second")

	fixture.MustRun("profiles", "chain", "--order", "Second,First")

	profiles := fixture.Profiles()
	first, _ := profiles.FindByName("First")
	second, _ := profiles.FindByName("Second")
	if len(profiles.Chain) != 2 || profiles.Chain[0] != second.UID || profiles.Chain[1] != first.UID {
		t.Errorf("Unexpected chain order: %v", profiles.Chain)
	}

	if _, err := fixture.RunCLI("profiles", "chain", "--order", "First,First"); err == nil {
		t.Error("Expected error for duplicate chain entry")
	}
}

func TestCLI_RemoveChainedItem(t *testing.T) {
	fixture := NewCLITestFixture(t)
	fixture.MustRun("profiles", "add", "merge", "Extra")

	_, err := fixture.RunCLI("profiles", "remove", "Extra")
	if !verge.HasCode(err, verge.ErrCodeItemInChain) {
		t.Fatalf("Expected item-in-chain error, got %v", err)
	}

	fixture.MustRun("profiles", "remove", "Extra", "--unchain")
	if _, ok := fixture.Profiles().FindByName("Extra"); ok {
		t.Error("Item still present after remove --unchain")
	}
}

func TestCLI_RuntimeLogsReportFailure(t *testing.T) {
	fixture := NewCLITestFixture(t)
	fixture.MustRun("profiles", "add", "local", "Main")

	script := fixture.WriteFile("bad.lua", "function main(config, name)\n  error('boom')\nend\n")
	fixture.MustRun("profiles", "add", "script", "Broken", "--file", script)

	out := fixture.MustRun("runtime", "logs")
	if !strings.Contains(out, "Broken") || !strings.Contains(out, string(verge.ChainFailure)) {
		t.Errorf("Expected failed script in logs, got: %s", out)
	}
}

func TestCLI_EngineSet(t *testing.T) {
	fixture := NewCLITestFixture(t)

	fixture.MustRun("engine", "set", "mixed-port", "7000")
	out := fixture.MustRun("engine", "show")
	if !strings.Contains(out, "mixed-port: 7000") {
		t.Errorf("Expected persisted port, got: %s", out)
	}

	if _, err := fixture.RunCLI("engine", "set", "mode", "bogus"); err == nil {
		t.Error("Expected error for invalid mode")
	}
	out = fixture.MustRun("engine", "show")
	if !strings.Contains(out, "mode: rule") {
		t.Errorf("Rejected value must not be persisted, got: %s", out)
	}
}

func TestCLI_AuditStats(t *testing.T) {
	fixture := NewCLITestFixture(t)

	if _, err := fixture.RunCLI("audit", "stats"); err == nil {
		t.Error("Expected error without audit logger")
	}

	auditPath := filepath.Join(t.TempDir(), "audit.jsonl")
	auditLogger, err := verge.NewAuditLogger(verge.AuditConfig{
		Enabled:    true,
		OutputFile: auditPath,
		BufferSize: 10,
	})
	if err != nil {
		t.Fatalf("Failed to create audit logger: %v", err)
	}
	defer auditLogger.Close()

	manager := NewManager(&verge.Config{HomeDir: fixture.homeDir}).
		WithEngine(fixture.engine).
		WithOutput(fixture.out).
		WithAudit(auditLogger)
	if err := manager.Run([]string{"engine", "set", "ipv6", "true"}); err != nil {
		t.Fatalf("engine set failed: %v", err)
	}

	fixture.out.Reset()
	if err := manager.Run([]string{"audit", "stats"}); err != nil {
		t.Fatalf("audit stats failed: %v", err)
	}
	if !strings.Contains(fixture.out.String(), "Total events: 1") {
		t.Errorf("Expected one event, got: %s", fixture.out.String())
	}
}

func TestCLI_Info(t *testing.T) {
	fixture := NewCLITestFixture(t)

	out := fixture.MustRun("info", "--verbose")
	if !strings.Contains(out, fixture.homeDir) {
		t.Errorf("Expected home dir in info, got: %s", out)
	}
	if !strings.Contains(out, "Validate timeout") {
		t.Errorf("Expected verbose details, got: %s", out)
	}
}

func TestCLI_RemoteProfileAddAndUpdate(t *testing.T) {
	var version atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := version.Add(1)
		_, _ = w.Write([]byte("rules: [MATCH,DIRECT]\nrevision: " + string(rune('0'+v)) + "\n"))
	}))
	defer srv.Close()

	fixture := NewCLITestFixture(t)
	if _, err := fixture.RunCLI("profiles", "add", "remote", "Sub"); err == nil {
		t.Error("Remote profile without url accepted")
	}

	fixture.MustRun("profiles", "add", "remote", "Sub", "--url", srv.URL, "--interval", "60")
	profiles := fixture.Profiles()
	item, ok := profiles.FindByName("Sub")
	if !ok {
		t.Fatal("Remote item not added")
	}
	if item.URL != srv.URL || item.UpdateInterval != 60 || profiles.Current != item.UID {
		t.Errorf("Unexpected remote item: %+v (current %s)", item, profiles.Current)
	}

	out := fixture.MustRun("profiles", "update", "Sub")
	if !strings.Contains(out, "Updated "+item.UID) {
		t.Errorf("Update not reported: %s", out)
	}
	if !strings.Contains(out, "Notice: success") {
		t.Errorf("Current profile update did not re-validate: %s", out)
	}

	store := verge.NewProfileStore(filepath.Join(fixture.homeDir, verge.DefaultProfilesDir))
	data, err := store.ReadContent(item)
	if err != nil || !strings.Contains(string(data), "revision: 2") {
		t.Errorf("Content not refreshed: %q %v", data, err)
	}
}

func TestCLI_UpdateWithoutRemoteProfiles(t *testing.T) {
	fixture := NewCLITestFixture(t)
	fixture.MustRun("profiles", "add", "local", "Main")
	if out := fixture.MustRun("profiles", "update"); !strings.Contains(out, "No remote profiles") {
		t.Errorf("Unexpected output: %s", out)
	}
}
