// merge.go: Merge items (deep override plus list directives)
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package verge

import (
	"sort"
	"strings"

	"github.com/agilira/go-errors"
)

// Merge directives recognised at the top level of a merge item.
const (
	prependPrefix = "prepend-"
	appendPrefix  = "append-"
	removeKeysKey = "remove-keys"
)

// MergePatch applies patch to a copy of doc. Nested mappings merge
// recursively; scalars and lists replace. Top-level prepend-<key> and
// append-<key> extend the list at <key>, remove-keys drops keys. It returns
// the new document and the sorted top-level keys the patch set.
func MergePatch(doc, patch map[string]interface{}) (map[string]interface{}, []string, error) {
	out := deepCopy(doc)
	if out == nil {
		out = map[string]interface{}{}
	}

	touched := make(map[string]bool)
	var prepends, appends []string
	var removals interface{}

	for _, key := range sortedKeys(patch) {
		value := patch[key]
		switch {
		case key == removeKeysKey:
			removals = value
		case strings.HasPrefix(key, prependPrefix) && len(key) > len(prependPrefix):
			prepends = append(prepends, key)
		case strings.HasPrefix(key, appendPrefix) && len(key) > len(appendPrefix):
			appends = append(appends, key)
		default:
			out[key] = mergeValue(out[key], value)
			touched[key] = true
		}
	}

	if removals != nil {
		keys, err := stringList(removals)
		if err != nil {
			return nil, nil, errors.Wrap(err, ErrCodeMerge, "remove-keys must be a list of strings")
		}
		for _, k := range keys {
			if _, exists := out[k]; exists {
				delete(out, k)
				touched[k] = true
			}
		}
	}

	for _, key := range prepends {
		target := strings.TrimPrefix(key, prependPrefix)
		merged, err := extendList(out[target], patch[key], true)
		if err != nil {
			return nil, nil, errors.Wrap(err, ErrCodeMerge, "cannot prepend").
				WithContext("key", target)
		}
		out[target] = merged
		touched[target] = true
	}

	for _, key := range appends {
		target := strings.TrimPrefix(key, appendPrefix)
		merged, err := extendList(out[target], patch[key], false)
		if err != nil {
			return nil, nil, errors.Wrap(err, ErrCodeMerge, "cannot append").
				WithContext("key", target)
		}
		out[target] = merged
		touched[target] = true
	}

	keys := make([]string, 0, len(touched))
	for k := range touched {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return out, keys, nil
}

// mergeValue merges src into dst when both are mappings; otherwise src wins.
func mergeValue(dst, src interface{}) interface{} {
	srcMap, ok := src.(map[string]interface{})
	if !ok {
		return deepCopyValue(src)
	}
	dstMap, ok := dst.(map[string]interface{})
	if !ok {
		return deepCopy(srcMap)
	}
	for key, value := range srcMap {
		dstMap[key] = mergeValue(dstMap[key], value)
	}
	return dstMap
}

func extendList(existing, extra interface{}, front bool) ([]interface{}, error) {
	add, ok := extra.([]interface{})
	if !ok {
		if extra != nil {
			return nil, errors.New(ErrCodeMerge, "directive value is not a list")
		}
		add = nil
	}

	var base []interface{}
	switch v := existing.(type) {
	case nil:
	case []interface{}:
		base = v
	default:
		return nil, errors.New(ErrCodeMerge, "target is not a list")
	}

	out := make([]interface{}, 0, len(base)+len(add))
	if front {
		out = append(out, deepCopySlice(add)...)
		out = append(out, base...)
	} else {
		out = append(out, base...)
		out = append(out, deepCopySlice(add)...)
	}
	return out, nil
}

func stringList(v interface{}) ([]string, error) {
	list, ok := v.([]interface{})
	if !ok {
		return nil, errors.New(ErrCodeMerge, "value is not a list")
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, errors.New(ErrCodeMerge, "list item is not a string")
		}
		out = append(out, s)
	}
	return out, nil
}
