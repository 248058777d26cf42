// Package manifest loads and validates per-plugin manifest descriptors.
// A manifest declares what a plugin provides (capability entrypoints) and
// what it needs (permissions, dependencies), plus the hash lock the kernel
// pins it to. Manifests are immutable once loaded; admission decisions are
// made from the loaded copy for the whole process lifetime.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ManifestFile is the manifest file name inside each plugin directory.
const ManifestFile = "manifest.json"

// Entrypoint kinds.
const (
	KindCapability = "capability"
	KindHook       = "hook"
)

// Filesystem permission levels.
const (
	FSNone      = "none"
	FSRead      = "read"
	FSReadWrite = "read_write"
)

// EgressGatewayID is the only plugin id that may be granted network access.
const EgressGatewayID = "builtin.egress.gateway"

// Manifest describes a single plugin.
type Manifest struct {
	PluginID    string       `json:"plugin_id"`
	Version     string       `json:"version"`
	Enabled     bool         `json:"enabled"`
	Entrypoints []Entrypoint `json:"entrypoints"`
	Permissions Permissions  `json:"permissions"`
	Compat      Compat       `json:"compat"`
	DependsOn   []string     `json:"depends_on,omitempty"`
	HashLock    HashLock     `json:"hash_lock"`

	RequiredCapabilities []string          `json:"required_capabilities,omitempty"`
	FilesystemPolicy     *FilesystemPolicy `json:"filesystem_policy,omitempty"`
	SettingsSchema       json.RawMessage   `json:"settings_schema,omitempty"`
	DefaultSettings      map[string]string `json:"default_settings,omitempty"`
	IOContracts          map[string]IOSpec `json:"io_contracts,omitempty"`
}

// Entrypoint binds a capability name to a callable inside the plugin
// artifact. Kind "capability" registers a provider in the broker; "hook"
// entrypoints are carried through for the scheduling layer.
type Entrypoint struct {
	Kind     string `json:"kind"`
	ID       string `json:"id"`
	Path     string `json:"path"`
	Callable string `json:"callable"`
	// Priority orders providers when several plugins offer the same
	// capability. Higher wins; ties break on plugin_id lexical order.
	Priority int `json:"priority,omitempty"`
}

// Permissions are the plugin's declared privileges. They gate what the
// kernel will allow at the call boundary, never what the plugin trusts
// itself with.
type Permissions struct {
	Filesystem string `json:"filesystem"`
	GPU        bool   `json:"gpu"`
	RawInput   bool   `json:"raw_input"`
	Network    bool   `json:"network"`
}

// Compat pins the kernel and schema versions the plugin was built against.
type Compat struct {
	RequiresKernel         string `json:"requires_kernel"`
	RequiresSchemaVersions []int  `json:"requires_schema_versions"`
}

// HashLock is the manifest's own copy of its expected hashes. The pinned
// lockfile remains authoritative; a manifest cannot vouch for itself.
type HashLock struct {
	ManifestSHA256 string `json:"manifest_sha256"`
	ArtifactSHA256 string `json:"artifact_sha256"`
}

// FilesystemPolicy lists path templates the plugin may touch. Templates
// `{plugin_dir}` and `{data_dir}` resolve at registration time.
type FilesystemPolicy struct {
	Read      []string `json:"read,omitempty"`
	ReadWrite []string `json:"read_write,omitempty"`
}

// IOSpec is an optional per-capability contract. PathsChecked marks calls
// whose Request.Paths must pass the filesystem guard.
type IOSpec struct {
	PathsChecked bool `json:"paths_checked,omitempty"`
}

// Load reads and validates the manifest from a plugin directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	if err := Validate(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	return &m, nil
}

// Validate checks required fields and value domains.
func Validate(m *Manifest) error {
	if m.PluginID == "" {
		return fmt.Errorf("missing required field: plugin_id")
	}
	if m.Version == "" {
		return fmt.Errorf("missing required field: version")
	}
	if len(m.Entrypoints) == 0 {
		return fmt.Errorf("missing required field: entrypoints (must declare at least one)")
	}

	for i, ep := range m.Entrypoints {
		if ep.Kind != KindCapability && ep.Kind != KindHook {
			return fmt.Errorf("entrypoint %d: unsupported kind: %s", i, ep.Kind)
		}
		if ep.ID == "" {
			return fmt.Errorf("entrypoint %d: missing id", i)
		}
		if ep.Kind == KindCapability && !strings.Contains(ep.ID, ".") {
			return fmt.Errorf("entrypoint %d: capability name %q is not namespaced", i, ep.ID)
		}
		if ep.Path == "" {
			return fmt.Errorf("entrypoint %d: missing path", i)
		}
		if filepath.IsAbs(ep.Path) || strings.Contains(ep.Path, "..") {
			return fmt.Errorf("entrypoint %d: path must be relative and inside the plugin dir: %s", i, ep.Path)
		}
	}

	switch m.Permissions.Filesystem {
	case FSNone, FSRead, FSReadWrite:
	case "":
		m.Permissions.Filesystem = FSNone
	default:
		return fmt.Errorf("unsupported filesystem permission: %s", m.Permissions.Filesystem)
	}

	if m.HashLock.ManifestSHA256 == "" || m.HashLock.ArtifactSHA256 == "" {
		return fmt.Errorf("missing required field: hash_lock")
	}

	for _, dep := range m.DependsOn {
		if dep == m.PluginID {
			return fmt.Errorf("plugin depends on itself")
		}
	}

	return nil
}

// Capabilities returns the capability entrypoints in declaration order.
func (m *Manifest) Capabilities() []Entrypoint {
	var eps []Entrypoint
	for _, ep := range m.Entrypoints {
		if ep.Kind == KindCapability {
			eps = append(eps, ep)
		}
	}
	return eps
}

// Settings returns the effective settings: defaults from the manifest with
// overrides applied on top.
func (m *Manifest) Settings(overrides map[string]string) map[string]string {
	out := make(map[string]string, len(m.DefaultSettings)+len(overrides))
	for k, v := range m.DefaultSettings {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// CompatibleWith reports whether the manifest's compat block accepts the
// given kernel version and schema version set. RequiresKernel is a minimum
// "major.minor"; an empty value accepts any kernel.
func (m *Manifest) CompatibleWith(kernelVersion string, schemaVersions []int) error {
	if m.Compat.RequiresKernel != "" {
		need, err := parseVersion(m.Compat.RequiresKernel)
		if err != nil {
			return fmt.Errorf("requires_kernel: %w", err)
		}
		have, err := parseVersion(kernelVersion)
		if err != nil {
			return fmt.Errorf("kernel version: %w", err)
		}
		if have[0] < need[0] || (have[0] == need[0] && have[1] < need[1]) {
			return fmt.Errorf("requires kernel >= %s, running %s", m.Compat.RequiresKernel, kernelVersion)
		}
	}

	supported := make(map[int]bool, len(schemaVersions))
	for _, v := range schemaVersions {
		supported[v] = true
	}
	for _, v := range m.Compat.RequiresSchemaVersions {
		if !supported[v] {
			return fmt.Errorf("requires schema version %d, kernel supports %v", v, schemaVersions)
		}
	}
	return nil
}

// parseVersion parses "major.minor" or "major.minor.patch", ignoring patch.
func parseVersion(s string) ([2]int, error) {
	parts := strings.SplitN(strings.TrimPrefix(s, "v"), ".", 3)
	if len(parts) < 2 {
		return [2]int{}, fmt.Errorf("malformed version %q", s)
	}
	var out [2]int
	for i := 0; i < 2; i++ {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return [2]int{}, fmt.Errorf("malformed version %q", s)
		}
		out[i] = n
	}
	return out, nil
}
