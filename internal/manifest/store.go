package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/memexd/memex/internal/logging"
)

// Failure records one plugin that discovery rejected. A single bad plugin
// never aborts discovery of the others.
type Failure struct {
	PluginID string // may be empty when the manifest did not parse
	Dir      string
	Reason   string
	Err      error
}

func (f Failure) Error() string {
	id := f.PluginID
	if id == "" {
		id = filepath.Base(f.Dir)
	}
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", id, f.Reason, f.Err)
	}
	return fmt.Sprintf("%s: %s", id, f.Reason)
}

// Failure reasons for discovery and admission.
const (
	ReasonManifestInvalid      = "manifest_invalid"
	ReasonDuplicateID          = "duplicate_plugin_id"
	ReasonHashMismatch         = "hash_mismatch"
	ReasonNotAllowlisted       = "not_allowlisted"
	ReasonNotInDefaultPack     = "not_in_default_pack"
	ReasonDisabled             = "disabled"
	ReasonIncompatible         = "incompatible"
	ReasonNetworkNotGrantable  = "network_not_grantable"
	ReasonDependencyCycle      = "dependency_cycle"
	ReasonUnresolvedDependency = "unresolved_dependency"
)

// Entry pairs a loaded manifest with its on-disk directory.
type Entry struct {
	Dir      string
	Manifest *Manifest
}

// Store discovers plugin manifests under a root directory.
type Store struct {
	root string
	log  logging.Logger
}

// NewStore creates a manifest store for the given plugin root.
func NewStore(root string) *Store {
	return &Store{root: root, log: logging.Sub("manifest")}
}

// Discover walks the plugin root and loads every manifest it finds.
// Directories without a manifest file are skipped silently; malformed
// manifests are collected as failures and enumeration continues. Entries
// come back sorted by plugin_id so downstream stages are deterministic
// regardless of filesystem iteration order.
func (s *Store) Discover() ([]Entry, []Failure, error) {
	dirents, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("read plugin root: %w", err)
	}

	var (
		entries  []Entry
		failures []Failure
		seen     = make(map[string]string) // plugin_id -> dir
	)

	for _, de := range dirents {
		if !de.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, de.Name())
		if _, err := os.Stat(filepath.Join(dir, ManifestFile)); err != nil {
			continue
		}

		m, err := Load(dir)
		if err != nil {
			s.log.Warnf("skipping %s: %v", de.Name(), err)
			failures = append(failures, Failure{
				Dir:    dir,
				Reason: ReasonManifestInvalid,
				Err:    err,
			})
			continue
		}

		if prev, dup := seen[m.PluginID]; dup {
			s.log.Warnf("duplicate plugin id %s in %s (already loaded from %s)", m.PluginID, dir, prev)
			failures = append(failures, Failure{
				PluginID: m.PluginID,
				Dir:      dir,
				Reason:   ReasonDuplicateID,
			})
			continue
		}
		seen[m.PluginID] = dir

		entries = append(entries, Entry{Dir: dir, Manifest: m})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Manifest.PluginID < entries[j].Manifest.PluginID
	})

	return entries, failures, nil
}
