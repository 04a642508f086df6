// profiles.go: Profile registry, chain ordering and builtin items
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package verge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agilira/go-errors"
	"github.com/agilira/go-timecache"
	"github.com/google/uuid"
)

// ItemType is the variant of a profile item.
type ItemType string

const (
	ItemLocal  ItemType = "local"  // base profile kept on disk
	ItemRemote ItemType = "remote" // base profile fetched from URL
	ItemMerge  ItemType = "merge"
	ItemScript ItemType = "script"
)

// IsBase reports whether items of this type can be the current profile.
func (t ItemType) IsBase() bool {
	return t == ItemLocal || t == ItemRemote
}

// IsChain reports whether items of this type can appear in the chain.
func (t ItemType) IsChain() bool {
	return t == ItemMerge || t == ItemScript
}

// Builtin chain items created on first run.
const (
	BuiltinMergeName  = "Merge"
	BuiltinScriptName = "Script"
)

const builtinMergeContent = `# Merge template
# Keys set here override the profile. Nested mappings merge recursively,
# lists and scalars replace. Use prepend-<key> / append-<key> to extend a
# top-level list and remove-keys to drop top-level keys.
#
# prepend-rules:
#   - DOMAIN-SUFFIX,example.com,DIRECT
`

const builtinScriptContent = `-- Script template
-- main receives the merged configuration and the profile name and must
-- return the configuration to use.
function main(config, name)
  return config
end
`

// ProfileItem is one entry of the profile registry.
type ProfileItem struct {
	UID      string   `yaml:"uid" json:"uid"`
	Type     ItemType `yaml:"type" json:"type"`
	Name     string   `yaml:"name,omitempty" json:"name,omitempty"`
	Desc     string   `yaml:"desc,omitempty" json:"desc,omitempty"`
	File     string   `yaml:"file,omitempty" json:"file,omitempty"`
	URL      string   `yaml:"url,omitempty" json:"url,omitempty"`
	Disabled bool     `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	Updated  int64    `yaml:"updated,omitempty" json:"updated,omitempty"`

	// UpdateInterval is the refresh period of a remote item in minutes.
	UpdateInterval int `yaml:"update_interval,omitempty" json:"update_interval,omitempty"`

	// LastRun is filled from the runtime chain logs for display only.
	LastRun *ChainLog `yaml:"-" json:"-"`
}

// Enabled reports whether the item takes part in generation.
func (p ProfileItem) Enabled() bool { return !p.Disabled }

// Profiles is the profile registry: the current base profile, the ordered
// chain of transformation items and every known item.
type Profiles struct {
	Current string        `yaml:"current,omitempty" json:"current,omitempty"`
	Chain   []string      `yaml:"chain,omitempty" json:"chain,omitempty"`
	Items   []ProfileItem `yaml:"items,omitempty" json:"items,omitempty"`
}

// Clone returns a deep copy.
func (p Profiles) Clone() Profiles {
	out := Profiles{Current: p.Current}
	if p.Chain != nil {
		out.Chain = append([]string(nil), p.Chain...)
	}
	if p.Items != nil {
		out.Items = make([]ProfileItem, len(p.Items))
		for i, item := range p.Items {
			if item.LastRun != nil {
				lr := item.LastRun.clone()
				item.LastRun = &lr
			}
			out.Items[i] = item
		}
	}
	return out
}

// GetItem looks an item up by uid.
func (p Profiles) GetItem(uid string) (ProfileItem, bool) {
	for _, item := range p.Items {
		if item.UID == uid {
			return item, true
		}
	}
	return ProfileItem{}, false
}

// FindByName returns the first item with the given name.
func (p Profiles) FindByName(name string) (ProfileItem, bool) {
	for _, item := range p.Items {
		if item.Name == name {
			return item, true
		}
	}
	return ProfileItem{}, false
}

// CurrentItem resolves the current base profile.
func (p Profiles) CurrentItem() (ProfileItem, error) {
	if p.Current == "" {
		return ProfileItem{}, errors.New(ErrCodeNoBaseProfile, "no current profile selected")
	}
	item, ok := p.GetItem(p.Current)
	if !ok {
		return ProfileItem{}, errors.New(ErrCodeNoBaseProfile, "current profile not found").
			WithContext("uid", p.Current)
	}
	if !item.Type.IsBase() {
		return ProfileItem{}, errors.New(ErrCodeNoBaseProfile, "current profile is not a base profile").
			WithContext("uid", item.UID).
			WithContext("type", string(item.Type))
	}
	return item, nil
}

// ChainPosition returns the index of uid in the chain or -1.
func (p Profiles) ChainPosition(uid string) int {
	for i, c := range p.Chain {
		if c == uid {
			return i
		}
	}
	return -1
}

// AppendItem adds an item to the registry. Chain items are also appended to
// the end of the chain.
func (p *Profiles) AppendItem(item ProfileItem) error {
	if item.UID == "" {
		return errors.New(ErrCodeProfileInvalid, "item uid cannot be empty")
	}
	if _, exists := p.GetItem(item.UID); exists {
		return errors.New(ErrCodeProfileInvalid, "duplicate item uid").
			WithContext("uid", item.UID)
	}
	if !item.Type.IsBase() && !item.Type.IsChain() {
		return errors.New(ErrCodeProfileInvalid, "unknown item type").
			WithContext("type", string(item.Type))
	}
	if item.File != "" {
		if err := validateItemFile(item.File); err != nil {
			return err
		}
	}

	p.Items = append(p.Items, item)
	if item.Type.IsChain() {
		p.Chain = append(p.Chain, item.UID)
	}
	return nil
}

// RemoveItem deletes an item. Items still referenced by the chain or selected
// as current cannot be removed.
func (p *Profiles) RemoveItem(uid string) error {
	if p.ChainPosition(uid) >= 0 {
		return errors.New(ErrCodeItemInChain, "item is referenced by the chain").
			WithContext("uid", uid)
	}
	if p.Current == uid {
		return errors.New(ErrCodeItemInChain, "item is the current profile").
			WithContext("uid", uid)
	}
	for i, item := range p.Items {
		if item.UID == uid {
			p.Items = append(p.Items[:i], p.Items[i+1:]...)
			return nil
		}
	}
	return errors.New(ErrCodeItemNotFound, "item not found").WithContext("uid", uid)
}

// SetEnabled toggles an item.
func (p *Profiles) SetEnabled(uid string, enabled bool) error {
	for i := range p.Items {
		if p.Items[i].UID == uid {
			p.Items[i].Disabled = !enabled
			p.Items[i].Updated = timecache.CachedTime().Unix()
			return nil
		}
	}
	return errors.New(ErrCodeItemNotFound, "item not found").WithContext("uid", uid)
}

// MarkUpdated records that the content of uid changed at unix time at.
func (p *Profiles) MarkUpdated(uid string, at int64) error {
	for i := range p.Items {
		if p.Items[i].UID == uid {
			p.Items[i].Updated = at
			return nil
		}
	}
	return errors.New(ErrCodeItemNotFound, "item not found").WithContext("uid", uid)
}

// SetCurrent selects the base profile.
func (p *Profiles) SetCurrent(uid string) error {
	item, ok := p.GetItem(uid)
	if !ok {
		return errors.New(ErrCodeItemNotFound, "item not found").WithContext("uid", uid)
	}
	if !item.Type.IsBase() {
		return errors.New(ErrCodeProfileInvalid, "only base profiles can be current").
			WithContext("uid", uid)
	}
	p.Current = uid
	return nil
}

// SetChain replaces the chain order. Every uid must name a chain item and
// appear once.
func (p *Profiles) SetChain(uids []string) error {
	seen := make(map[string]bool, len(uids))
	for _, uid := range uids {
		if seen[uid] {
			return errors.New(ErrCodeProfileInvalid, "duplicate uid in chain").
				WithContext("uid", uid)
		}
		seen[uid] = true

		item, ok := p.GetItem(uid)
		if !ok {
			return errors.New(ErrCodeItemNotFound, "item not found").WithContext("uid", uid)
		}
		if !item.Type.IsChain() {
			return errors.New(ErrCodeProfileInvalid, "only merge and script items can be chained").
				WithContext("uid", uid)
		}
	}
	p.Chain = append([]string(nil), uids...)
	return nil
}

// RemoveFromChain drops uid from the chain, keeping the item.
func (p *Profiles) RemoveFromChain(uid string) bool {
	pos := p.ChainPosition(uid)
	if pos < 0 {
		return false
	}
	p.Chain = append(p.Chain[:pos], p.Chain[pos+1:]...)
	return true
}

// Annotate returns a copy whose items carry the latest chain log as LastRun.
func (p Profiles) Annotate(logs []ChainLog) Profiles {
	out := p.Clone()
	for i := range out.Items {
		out.Items[i].LastRun = nil
		for j := len(logs) - 1; j >= 0; j-- {
			if logs[j].UID == out.Items[i].UID {
				lr := logs[j].clone()
				out.Items[i].LastRun = &lr
				break
			}
		}
	}
	return out
}

// builtinItem is an item synthesized by EnsureBuiltins along with its content.
type builtinItem struct {
	Item    ProfileItem
	Content []byte
}

// EnsureBuiltins appends the Merge and Script items when no item with that
// name exists. It returns the items it created; a second call creates none.
func (p *Profiles) EnsureBuiltins() ([]builtinItem, error) {
	var created []builtinItem
	now := timecache.CachedTime().Unix()

	if _, ok := p.FindByName(BuiltinMergeName); !ok {
		item := ProfileItem{
			UID:     newItemUID(ItemMerge),
			Type:    ItemMerge,
			Name:    BuiltinMergeName,
			File:    "Merge.yaml",
			Updated: now,
		}
		if err := p.AppendItem(item); err != nil {
			return created, err
		}
		created = append(created, builtinItem{Item: item, Content: []byte(builtinMergeContent)})
	}

	if _, ok := p.FindByName(BuiltinScriptName); !ok {
		item := ProfileItem{
			UID:     newItemUID(ItemScript),
			Type:    ItemScript,
			Name:    BuiltinScriptName,
			File:    "Script.lua",
			Updated: now,
		}
		if err := p.AppendItem(item); err != nil {
			return created, err
		}
		created = append(created, builtinItem{Item: item, Content: []byte(builtinScriptContent)})
	}

	return created, nil
}

// newItemUID builds a uid with a one letter type prefix.
func newItemUID(t ItemType) string {
	prefix := "p"
	switch t {
	case ItemMerge:
		prefix = "m"
	case ItemScript:
		prefix = "s"
	case ItemRemote:
		prefix = "r"
	case ItemLocal:
		prefix = "l"
	}
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// NewItem creates an item of type t with a fresh uid and a file name derived
// from it.
func NewItem(t ItemType, name string) ProfileItem {
	uid := newItemUID(t)
	ext := ".yaml"
	if t == ItemScript {
		ext = ".lua"
	}
	return ProfileItem{
		UID:     uid,
		Type:    t,
		Name:    name,
		File:    uid + ext,
		Updated: timecache.CachedTime().Unix(),
	}
}

// validateItemFile accepts plain file names only: item content always lives
// directly in the profiles directory.
func validateItemFile(name string) error {
	if name == "" {
		return errors.New(ErrCodeProfileInvalid, "empty file name not allowed")
	}
	if strings.ContainsAny(name, `/\:`) || strings.Contains(name, "..") {
		return errors.New(ErrCodeProfileInvalid, "file name must not contain path elements").
			WithContext("file", name)
	}
	if len(name) > 255 {
		return errors.New(ErrCodeProfileInvalid, fmt.Sprintf("file name too long: %d", len(name)))
	}
	for _, char := range name {
		if char < 32 {
			return errors.New(ErrCodeProfileInvalid, "control character in file name not allowed").
				WithContext("file", name)
		}
	}
	return nil
}

// ProfileStore persists the registry and item contents under one directory.
type ProfileStore struct {
	dir string
}

// NewProfileStore returns a store rooted at dir.
func NewProfileStore(dir string) *ProfileStore {
	return &ProfileStore{dir: dir}
}

// Dir returns the profiles directory.
func (s *ProfileStore) Dir() string { return s.dir }

// IndexPath is the path of the registry file.
func (s *ProfileStore) IndexPath() string {
	return filepath.Join(s.dir, "profiles.yaml")
}

// Load reads the registry. A missing file is an empty registry.
func (s *ProfileStore) Load() (Profiles, error) {
	var p Profiles
	if _, err := loadYAMLFile(s.IndexPath(), &p); err != nil {
		return Profiles{}, err
	}
	if err := ValidateProfiles(p); err != nil {
		return Profiles{}, err
	}
	return p, nil
}

// Save writes the registry atomically.
func (s *ProfileStore) Save(p Profiles) error {
	if err := os.MkdirAll(s.dir, 0750); err != nil {
		return errors.Wrap(err, ErrCodePersist, "failed to create profiles directory").
			WithContext("dir", s.dir)
	}
	return saveYAMLFile(s.IndexPath(), p)
}

// ContentPath returns where the item's content lives.
func (s *ProfileStore) ContentPath(item ProfileItem) (string, error) {
	if err := validateItemFile(item.File); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, item.File), nil
}

// ReadContent returns the raw content of an item.
func (s *ProfileStore) ReadContent(item ProfileItem) ([]byte, error) {
	path, err := s.ContentPath(item)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) // #nosec G304 -- validated item file name
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeProfileRead, "failed to read item content").
			WithContext("uid", item.UID).
			WithContext("path", path)
	}
	return data, nil
}

// WriteContent replaces the content of an item atomically.
func (s *ProfileStore) WriteContent(item ProfileItem, data []byte) error {
	path, err := s.ContentPath(item)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0750); err != nil {
		return errors.Wrap(err, ErrCodePersist, "failed to create profiles directory").
			WithContext("dir", s.dir)
	}
	return atomicWrite(path, data, 0600)
}

// HasContent reports whether the item's content file exists.
func (s *ProfileStore) HasContent(item ProfileItem) bool {
	path, err := s.ContentPath(item)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}
