// profile_schema.go: Structural validation of the profile registry
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package verge

import (
	"encoding/json"
	"sync"

	"github.com/agilira/go-errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const profilesSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "current": {"type": "string"},
    "chain": {
      "type": "array",
      "items": {"type": "string", "minLength": 1},
      "uniqueItems": true
    },
    "items": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["uid", "type"],
        "properties": {
          "uid": {"type": "string", "minLength": 1},
          "type": {"enum": ["local", "remote", "merge", "script"]},
          "name": {"type": "string"},
          "desc": {"type": "string"},
          "file": {"type": "string", "pattern": "^[^/\\\\:]+$"},
          "url": {"type": "string"},
          "disabled": {"type": "boolean"},
          "updated": {"type": "integer", "minimum": 0},
          "update_interval": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`

var (
	profilesSchemaOnce     sync.Once
	profilesSchemaCompiled *jsonschema.Schema
	profilesSchemaErr      error
)

func compiledProfilesSchema() (*jsonschema.Schema, error) {
	profilesSchemaOnce.Do(func() {
		profilesSchemaCompiled, profilesSchemaErr = jsonschema.CompileString("profiles.schema.json", profilesSchema)
	})
	return profilesSchemaCompiled, profilesSchemaErr
}

// ValidateProfiles checks the registry shape and uid uniqueness.
func ValidateProfiles(p Profiles) error {
	schema, err := compiledProfilesSchema()
	if err != nil {
		return errors.Wrap(err, ErrCodeProfileInvalid, "profiles schema does not compile")
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, ErrCodeProfileInvalid, "failed to encode profiles")
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return errors.Wrap(err, ErrCodeProfileInvalid, "failed to decode profiles")
	}
	if err := schema.Validate(decoded); err != nil {
		return errors.Wrap(err, ErrCodeProfileInvalid, "profiles registry is malformed")
	}

	seen := make(map[string]bool, len(p.Items))
	for _, item := range p.Items {
		if seen[item.UID] {
			return errors.New(ErrCodeProfileInvalid, "duplicate item uid").
				WithContext("uid", item.UID)
		}
		seen[item.UID] = true
	}
	return nil
}
