// document.go: Mapping documents, canonical rendering and atomic writes
//
// Profiles, merge items and the runtime file are all YAML mapping documents.
// They are decoded into map[string]interface{} trees, copied deeply before
// any mutation and rendered with sorted keys so that equal trees always
// produce equal bytes.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package verge

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/agilira/go-errors"
	"github.com/zeebo/blake3"
	"go.yaml.in/yaml/v3"
)

// ParseDocument decodes YAML (or JSON, which is a YAML subset) into a
// mapping. Empty input yields an empty mapping; a non-mapping top level is
// rejected.
func ParseDocument(data []byte) (map[string]interface{}, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]interface{}{}, nil
	}

	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, ErrCodeProfileInvalid, "failed to parse document")
	}
	if raw == nil {
		return map[string]interface{}{}, nil
	}

	doc, ok := normalizeValue(raw).(map[string]interface{})
	if !ok {
		return nil, errors.New(ErrCodeProfileInvalid, "document top level must be a mapping").
			WithContext("type", fmt.Sprintf("%T", raw))
	}
	return doc, nil
}

// RenderDocument encodes doc as YAML with sorted keys and two-space indent.
func RenderDocument(doc map[string]interface{}) ([]byte, error) {
	if doc == nil {
		doc = map[string]interface{}{}
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, errors.Wrap(err, ErrCodeGeneration, "failed to render document")
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrap(err, ErrCodeGeneration, "failed to render document")
	}
	return buf.Bytes(), nil
}

// DocumentDigest returns the hex BLAKE3-256 digest of rendered document bytes.
func DocumentDigest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// normalizeValue converts decoder output into string-keyed maps and
// []interface{} slices all the way down.
func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = normalizeValue(item)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalizeValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return val
	}
}

// deepCopy creates a deep copy of a document.
func deepCopy(src map[string]interface{}) map[string]interface{} {
	if src == nil {
		return nil
	}

	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = deepCopyValue(v)
	}
	return dst
}

// deepCopySlice creates a deep copy of a slice.
func deepCopySlice(src []interface{}) []interface{} {
	if src == nil {
		return nil
	}

	dst := make([]interface{}, len(src))
	for i, v := range src {
		dst[i] = deepCopyValue(v)
	}
	return dst
}

func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return deepCopy(val)
	case []interface{}:
		return deepCopySlice(val)
	default:
		return val
	}
}

// valuesEqual compares two document values structurally. Numbers compare by
// value so that a Lua round trip (int64 vs int) does not count as a change.
func valuesEqual(a, b interface{}) bool {
	switch av := a.(type) {
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			other, exists := bv[k]
			if !exists || !valuesEqual(v, other) {
				return false
			}
		}
		return true
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	}

	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	return a == b
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

// atomicWrite performs atomic file write using temporary file + rename.
// A partially written file never becomes visible at path.
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	// Same directory keeps the rename on one filesystem
	tmp, err := os.CreateTemp(dir, "."+base+".tmp.*")
	if err != nil {
		return errors.Wrap(err, ErrCodeWrite, "failed to create temp file").
			WithContext("path", path)
	}
	tempPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tempPath)
		return errors.Wrap(err, ErrCodeWrite, "failed to write temp file").
			WithContext("path", path)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return errors.Wrap(err, ErrCodeWrite, "failed to close temp file").
			WithContext("path", path)
	}
	if err := os.Chmod(tempPath, perm); err != nil {
		_ = os.Remove(tempPath)
		return errors.Wrap(err, ErrCodeWrite, "failed to set file mode").
			WithContext("path", path)
	}

	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return errors.Wrap(err, ErrCodeWrite, "failed to rename temp file").
			WithContext("path", path)
	}

	return nil
}

// sortedKeys returns the keys of m in lexical order.
func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
