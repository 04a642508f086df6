// merge_test.go: Deep merge and list directives
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package verge

import (
	"reflect"
	"testing"
)

func mustParse(t *testing.T, s string) map[string]interface{} {
	t.Helper()
	doc, err := ParseDocument([]byte(s))
	if err != nil {
		t.Fatalf("ParseDocument(%q): %v", s, err)
	}
	return doc
}

func TestMergePatch_DeepMerge(t *testing.T) {
	doc := mustParse(t, "dns:\n  enable: false\n  nameserver: [1.1.1.1]\nmode: rule\n")
	patch := mustParse(t, "dns:\n  enable: true\n  ipv6: true\n")

	out, keys, err := MergePatch(doc, patch)
	if err != nil {
		t.Fatalf("MergePatch failed: %v", err)
	}

	dns := out["dns"].(map[string]interface{})
	if dns["enable"] != true || dns["ipv6"] != true {
		t.Errorf("Nested values not merged: %v", dns)
	}
	if !reflect.DeepEqual(dns["nameserver"], []interface{}{"1.1.1.1"}) {
		t.Errorf("Untouched nested key lost: %v", dns["nameserver"])
	}
	if out["mode"] != "rule" {
		t.Error("Untouched top-level key lost")
	}
	if !reflect.DeepEqual(keys, []string{"dns"}) {
		t.Errorf("Expected keys [dns], got %v", keys)
	}

	// Input stays untouched
	if doc["dns"].(map[string]interface{})["enable"] != false {
		t.Error("MergePatch mutated its input")
	}
}

func TestMergePatch_ListsReplace(t *testing.T) {
	doc := mustParse(t, "rules: [a, b]\n")
	out, _, err := MergePatch(doc, mustParse(t, "rules: [c]\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(out["rules"], []interface{}{"c"}) {
		t.Errorf("Lists must replace, got %v", out["rules"])
	}
}

func TestMergePatch_Directives(t *testing.T) {
	doc := mustParse(t, "rules: [b]\nproxies: [p1]\nhosts: {}\nexperimental: {}\n")
	patch := mustParse(t, `
prepend-rules: [a]
append-rules: [c]
append-proxies: [p2]
remove-keys: [hosts, missing]
`)

	out, keys, err := MergePatch(doc, patch)
	if err != nil {
		t.Fatalf("MergePatch failed: %v", err)
	}
	if !reflect.DeepEqual(out["rules"], []interface{}{"a", "b", "c"}) {
		t.Errorf("Unexpected rules: %v", out["rules"])
	}
	if !reflect.DeepEqual(out["proxies"], []interface{}{"p1", "p2"}) {
		t.Errorf("Unexpected proxies: %v", out["proxies"])
	}
	if _, ok := out["hosts"]; ok {
		t.Error("remove-keys did not drop hosts")
	}
	if _, ok := out["experimental"]; !ok {
		t.Error("remove-keys dropped an unlisted key")
	}
	for _, directive := range []string{"prepend-rules", "append-rules", "remove-keys"} {
		if _, ok := out[directive]; ok {
			t.Errorf("Directive %s leaked into the document", directive)
		}
	}
	if !reflect.DeepEqual(keys, []string{"hosts", "proxies", "rules"}) {
		t.Errorf("Unexpected keys: %v", keys)
	}
}

func TestMergePatch_DirectiveOnMissingList(t *testing.T) {
	out, _, err := MergePatch(map[string]interface{}{}, mustParse(t, "append-rules: [x]\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(out["rules"], []interface{}{"x"}) {
		t.Errorf("Expected new list, got %v", out["rules"])
	}
}

func TestMergePatch_Errors(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		patch string
	}{
		{"append to scalar", "mode: rule\n", "append-mode: [x]\n"},
		{"append non-list", "rules: []\n", "append-rules: x\n"},
		{"remove-keys not list", "a: 1\n", "remove-keys: a\n"},
		{"remove-keys non-string", "a: 1\n", "remove-keys: [1]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := MergePatch(mustParse(t, tt.doc), mustParse(t, tt.patch))
			if !HasCode(err, ErrCodeMerge) {
				t.Errorf("Expected merge error, got %v", err)
			}
		})
	}
}

func TestMergePatch_BarePrefixIsPlainKey(t *testing.T) {
	out, keys, err := MergePatch(nil, mustParse(t, "append-: 1\n"))
	if err != nil {
		t.Fatal(err)
	}
	if out["append-"] != 1 || !reflect.DeepEqual(keys, []string{"append-"}) {
		t.Errorf("Bare prefix should be an ordinary key: %v %v", out, keys)
	}
}
