// document_test.go: Parsing, canonical rendering and atomic writes
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

func TestParseDocument(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		keys    int
		wantErr bool
	}{
		{"empty", "", 0, false},
		{"whitespace", "  \n\t", 0, false},
		{"null", "~", 0, false},
		{"mapping", "a: 1\nb: [1, 2]\n", 2, false},
		{"json", `{"a": {"b": true}}`, 1, false},
		{"list top level", "- a\n- b\n", 0, true},
		{"scalar top level", "hello", 0, true},
		{"broken", "a: [1, 2", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := ParseDocument([]byte(tt.input))
			if tt.wantErr {
				if !HasCode(err, ErrCodeProfileInvalid) {
					t.Errorf("Expected profile-invalid, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if len(doc) != tt.keys {
				t.Errorf("Expected %d keys, got %d", tt.keys, len(doc))
			}
		})
	}
}

func TestParseDocument_NonStringKeys(t *testing.T) {
	doc, err := ParseDocument([]byte("outer:\n  1: one\n  true: yes\n"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	inner, ok := doc["outer"].(map[string]interface{})
	if !ok {
		t.Fatalf("Nested mapping not normalized: %T", doc["outer"])
	}
	if inner["1"] != "one" {
		t.Errorf("Integer key not stringified: %v", inner)
	}
}

func TestRenderDocument_Deterministic(t *testing.T) {
	a := map[string]interface{}{"z": 1, "a": map[string]interface{}{"y": 2, "b": 3}, "m": []interface{}{"x"}}
	b := map[string]interface{}{"m": []interface{}{"x"}, "a": map[string]interface{}{"b": 3, "y": 2}, "z": 1}

	ra, err := RenderDocument(a)
	if err != nil {
		t.Fatal(err)
	}
	rb, err := RenderDocument(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(ra) != string(rb) {
		t.Errorf("Equal documents rendered differently:\n%s\n---\n%s", ra, rb)
	}
	if DocumentDigest(ra) != DocumentDigest(rb) {
		t.Error("Equal documents produced different digests")
	}
	if !strings.HasPrefix(string(ra), "a:") {
		t.Errorf("Keys not sorted: %s", ra)
	}
}

func TestDocumentDigest(t *testing.T) {
	d := DocumentDigest([]byte("a: 1\n"))
	if len(d) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(d))
	}
	if d == DocumentDigest([]byte("a: 2\n")) {
		t.Error("Different content produced the same digest")
	}
}

func TestDeepCopy_Independent(t *testing.T) {
	src := map[string]interface{}{"list": []interface{}{map[string]interface{}{"k": "v"}}}
	dst := deepCopy(src)

	dst["list"].([]interface{})[0].(map[string]interface{})["k"] = "changed"
	if src["list"].([]interface{})[0].(map[string]interface{})["k"] != "v" {
		t.Error("deepCopy shares nested values")
	}
	if deepCopy(nil) != nil {
		t.Error("deepCopy(nil) should be nil")
	}
}

func TestValuesEqual(t *testing.T) {
	if !valuesEqual(1, int64(1)) || !valuesEqual(1, 1.0) {
		t.Error("Numbers should compare by value")
	}
	if valuesEqual("1", 1) {
		t.Error("String and number must differ")
	}
	if !valuesEqual([]interface{}{1, "a"}, []interface{}{int64(1), "a"}) {
		t.Error("Lists with equal values should be equal")
	}
	if valuesEqual(map[string]interface{}{"a": 1}, map[string]interface{}{"a": 1, "b": 2}) {
		t.Error("Mappings of different size must differ")
	}
}

func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.yaml")

	if err := atomicWrite(path, []byte("first"), 0644); err != nil {
		t.Fatalf("atomicWrite failed: %v", err)
	}
	if err := atomicWrite(path, []byte("second"), 0644); err != nil {
		t.Fatalf("atomicWrite overwrite failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil || string(data) != "second" {
		t.Errorf("Unexpected content %q (%v)", data, err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("Temp files left behind: %d entries", len(entries))
	}
}

func TestAtomicWrite_MissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "out.yaml")
	if err := atomicWrite(path, []byte("x"), 0644); !HasCode(err, ErrCodeWrite) {
		t.Errorf("Expected write error, got %v", err)
	}
}
