// profiles_test.go: Profile registry operations and persistence
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package verge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testProfiles(t *testing.T) Profiles {
	t.Helper()
	var p Profiles
	for _, item := range []ProfileItem{
		{UID: "l1", Type: ItemLocal, Name: "Main", File: "l1.yaml"},
		{UID: "m1", Type: ItemMerge, Name: "Extra", File: "m1.yaml"},
		{UID: "s1", Type: ItemScript, Name: "Tweak", File: "s1.lua"},
	} {
		if err := p.AppendItem(item); err != nil {
			t.Fatalf("AppendItem(%s): %v", item.UID, err)
		}
	}
	if err := p.SetCurrent("l1"); err != nil {
		t.Fatalf("SetCurrent: %v", err)
	}
	return p
}

func TestProfiles_AppendItem(t *testing.T) {
	p := testProfiles(t)

	if len(p.Chain) != 2 || p.Chain[0] != "m1" || p.Chain[1] != "s1" {
		t.Errorf("Chain items not appended in order: %v", p.Chain)
	}
	if err := p.AppendItem(ProfileItem{UID: "m1", Type: ItemMerge}); !HasCode(err, ErrCodeProfileInvalid) {
		t.Errorf("Duplicate uid accepted: %v", err)
	}
	if err := p.AppendItem(ProfileItem{UID: "x", Type: "bogus"}); !HasCode(err, ErrCodeProfileInvalid) {
		t.Errorf("Unknown type accepted: %v", err)
	}
	if err := p.AppendItem(ProfileItem{UID: "y", Type: ItemLocal, File: "../escape.yaml"}); !HasCode(err, ErrCodeProfileInvalid) {
		t.Errorf("Path escape accepted: %v", err)
	}
	if err := p.AppendItem(ProfileItem{Type: ItemLocal}); !HasCode(err, ErrCodeProfileInvalid) {
		t.Errorf("Empty uid accepted: %v", err)
	}
}

func TestProfiles_CurrentItem(t *testing.T) {
	var empty Profiles
	if _, err := empty.CurrentItem(); !HasCode(err, ErrCodeNoBaseProfile) {
		t.Errorf("Expected no-base-profile, got %v", err)
	}

	p := testProfiles(t)
	item, err := p.CurrentItem()
	if err != nil || item.UID != "l1" {
		t.Errorf("Unexpected current: %v %v", item.UID, err)
	}

	p.Current = "gone"
	if _, err := p.CurrentItem(); !HasCode(err, ErrCodeNoBaseProfile) {
		t.Errorf("Dangling current accepted: %v", err)
	}

	if err := p.SetCurrent("m1"); !HasCode(err, ErrCodeProfileInvalid) {
		t.Errorf("Chain item accepted as current: %v", err)
	}
}

func TestProfiles_RemoveItem(t *testing.T) {
	p := testProfiles(t)

	if err := p.RemoveItem("m1"); !HasCode(err, ErrCodeItemInChain) {
		t.Errorf("Chained item removed: %v", err)
	}
	if err := p.RemoveItem("l1"); !HasCode(err, ErrCodeItemInChain) {
		t.Errorf("Current item removed: %v", err)
	}
	if err := p.RemoveItem("nope"); !HasCode(err, ErrCodeItemNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}

	if !p.RemoveFromChain("m1") {
		t.Fatal("RemoveFromChain returned false")
	}
	if p.RemoveFromChain("m1") {
		t.Error("Second RemoveFromChain should report false")
	}
	if err := p.RemoveItem("m1"); err != nil {
		t.Errorf("RemoveItem after unchain failed: %v", err)
	}
	if _, ok := p.GetItem("m1"); ok {
		t.Error("Item still present")
	}
}

func TestProfiles_SetChain(t *testing.T) {
	p := testProfiles(t)

	if err := p.SetChain([]string{"s1", "m1"}); err != nil {
		t.Fatalf("SetChain failed: %v", err)
	}
	if p.ChainPosition("s1") != 0 || p.ChainPosition("m1") != 1 {
		t.Errorf("Unexpected order: %v", p.Chain)
	}

	for name, uids := range map[string][]string{
		"duplicate": {"m1", "m1"},
		"base item": {"l1"},
		"unknown":   {"zz"},
	} {
		if err := p.SetChain(uids); err == nil {
			t.Errorf("%s: SetChain accepted %v", name, uids)
		}
	}
	if p.Chain[0] != "s1" {
		t.Error("Rejected SetChain modified the chain")
	}
}

func TestProfiles_SetEnabled(t *testing.T) {
	p := testProfiles(t)
	if err := p.SetEnabled("m1", false); err != nil {
		t.Fatal(err)
	}
	item, _ := p.GetItem("m1")
	if item.Enabled() {
		t.Error("Item still enabled")
	}
	if err := p.SetEnabled("zz", true); !HasCode(err, ErrCodeItemNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestProfiles_CloneIsDeep(t *testing.T) {
	p := testProfiles(t)
	p.Items[0].LastRun = &ChainLog{UID: "l1", Logs: []string{"a"}}

	c := p.Clone()
	c.Chain[0] = "changed"
	c.Items[0].Name = "changed"
	c.Items[0].LastRun.Logs[0] = "changed"

	if p.Chain[0] != "m1" || p.Items[0].Name != "Main" || p.Items[0].LastRun.Logs[0] != "a" {
		t.Error("Clone shares state with the original")
	}
}

func TestProfiles_Annotate(t *testing.T) {
	p := testProfiles(t)
	logs := []ChainLog{
		{UID: "m1", Status: ChainFailure, Message: "first"},
		{UID: "m1", Status: ChainSuccess},
	}

	annotated := p.Annotate(logs)
	item, _ := annotated.GetItem("m1")
	if item.LastRun == nil || item.LastRun.Status != ChainSuccess {
		t.Errorf("Expected the latest log, got %+v", item.LastRun)
	}
	other, _ := annotated.GetItem("s1")
	if other.LastRun != nil {
		t.Error("Item without logs annotated")
	}
	original, _ := p.GetItem("m1")
	if original.LastRun != nil {
		t.Error("Annotate modified the receiver")
	}
}

func TestProfiles_EnsureBuiltinsIdempotent(t *testing.T) {
	var p Profiles
	created, err := p.EnsureBuiltins()
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 2 {
		t.Fatalf("Expected 2 builtins, got %d", len(created))
	}
	merge, ok := p.FindByName(BuiltinMergeName)
	if !ok || merge.Type != ItemMerge || !strings.HasPrefix(merge.UID, "m") {
		t.Errorf("Unexpected Merge item: %+v", merge)
	}
	script, ok := p.FindByName(BuiltinScriptName)
	if !ok || script.Type != ItemScript || !strings.HasPrefix(script.UID, "s") {
		t.Errorf("Unexpected Script item: %+v", script)
	}
	if len(p.Chain) != 2 {
		t.Errorf("Builtins not chained: %v", p.Chain)
	}

	again, err := p.EnsureBuiltins()
	if err != nil || len(again) != 0 || len(p.Items) != 2 {
		t.Errorf("Second call created items: %d (%v)", len(again), err)
	}
}

func TestNewItem(t *testing.T) {
	a := NewItem(ItemScript, "A")
	b := NewItem(ItemScript, "B")
	if a.UID == b.UID {
		t.Error("uids must be unique")
	}
	if !strings.HasSuffix(a.File, ".lua") || !strings.HasPrefix(a.File, a.UID) {
		t.Errorf("Unexpected file name %q", a.File)
	}
	if l := NewItem(ItemLocal, "L"); !strings.HasSuffix(l.File, ".yaml") {
		t.Errorf("Unexpected file name %q", l.File)
	}
}

func TestValidateItemFile(t *testing.T) {
	for _, bad := range []string{"", "a/b", `a\b`, "c:x", "..", "a\x01b", strings.Repeat("a", 256)} {
		if err := validateItemFile(bad); err == nil {
			t.Errorf("Accepted %q", bad)
		}
	}
	if err := validateItemFile("profile-1.yaml"); err != nil {
		t.Errorf("Rejected valid name: %v", err)
	}
}

func TestValidateProfiles(t *testing.T) {
	if err := ValidateProfiles(testProfiles(t)); err != nil {
		t.Errorf("Valid registry rejected: %v", err)
	}
	if err := ValidateProfiles(Profiles{}); err != nil {
		t.Errorf("Empty registry rejected: %v", err)
	}

	dup := Profiles{Items: []ProfileItem{{UID: "a", Type: ItemLocal}, {UID: "a", Type: ItemMerge}}}
	if err := ValidateProfiles(dup); !HasCode(err, ErrCodeProfileInvalid) {
		t.Errorf("Duplicate uid accepted: %v", err)
	}

	badType := Profiles{Items: []ProfileItem{{UID: "a", Type: "weird"}}}
	if err := ValidateProfiles(badType); !HasCode(err, ErrCodeProfileInvalid) {
		t.Errorf("Unknown type accepted: %v", err)
	}

	badChain := Profiles{Chain: []string{"a", "a"}}
	if err := ValidateProfiles(badChain); !HasCode(err, ErrCodeProfileInvalid) {
		t.Errorf("Repeated chain uid accepted: %v", err)
	}
}

func TestProfileStore_RoundTrip(t *testing.T) {
	store := NewProfileStore(filepath.Join(t.TempDir(), "profiles"))

	empty, err := store.Load()
	if err != nil || len(empty.Items) != 0 {
		t.Fatalf("Missing registry should load empty: %v", err)
	}

	p := testProfiles(t)
	if err := store.Save(p); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Current != "l1" || len(loaded.Items) != 3 || len(loaded.Chain) != 2 {
		t.Errorf("Registry did not round trip: %+v", loaded)
	}

	item, _ := p.GetItem("m1")
	if store.HasContent(item) {
		t.Error("HasContent true before write")
	}
	if err := store.WriteContent(item, []byte("a: 1\n")); err != nil {
		t.Fatalf("WriteContent failed: %v", err)
	}
	if !store.HasContent(item) {
		t.Error("HasContent false after write")
	}
	data, err := store.ReadContent(item)
	if err != nil || string(data) != "a: 1\n" {
		t.Errorf("ReadContent: %q %v", data, err)
	}

	missing, _ := p.GetItem("s1")
	if _, err := store.ReadContent(missing); !HasCode(err, ErrCodeProfileRead) {
		t.Errorf("Expected profile-read error, got %v", err)
	}
}

func TestProfileStore_LoadRejectsMalformed(t *testing.T) {
	dir := t.TempDir()
	store := NewProfileStore(dir)
	content := "items:\n  - uid: a\n    type: local\n  - uid: a\n    type: merge\n"
	if err := os.WriteFile(store.IndexPath(), []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(); !HasCode(err, ErrCodeProfileInvalid) {
		t.Errorf("Malformed registry loaded: %v", err)
	}
}
