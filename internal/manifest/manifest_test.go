package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func validManifest() *Manifest {
	return &Manifest{
		PluginID: "mx.core.capture",
		Version:  "1.2.0",
		Enabled:  true,
		Entrypoints: []Entrypoint{
			{Kind: KindCapability, ID: "capture.screen", Path: "bin/capture", Callable: "serve"},
		},
		Permissions: Permissions{Filesystem: FSRead},
		HashLock: HashLock{
			ManifestSHA256: "aa",
			ArtifactSHA256: "bb",
		},
	}
}

func writeManifest(t *testing.T, dir string, m *Manifest) {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), data, 0600); err != nil {
		t.Fatal(err)
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

func TestValidate_AcceptsWellFormed(t *testing.T) {
	if err := Validate(validManifest()); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidate_RejectsMissingFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Manifest)
	}{
		{"no plugin_id", func(m *Manifest) { m.PluginID = "" }},
		{"no version", func(m *Manifest) { m.Version = "" }},
		{"no entrypoints", func(m *Manifest) { m.Entrypoints = nil }},
		{"no hash lock", func(m *Manifest) { m.HashLock = HashLock{} }},
		{"bad entrypoint kind", func(m *Manifest) { m.Entrypoints[0].Kind = "factory" }},
		{"unnamespaced capability", func(m *Manifest) { m.Entrypoints[0].ID = "capture" }},
		{"absolute entrypoint path", func(m *Manifest) { m.Entrypoints[0].Path = "/bin/sh" }},
		{"escaping entrypoint path", func(m *Manifest) { m.Entrypoints[0].Path = "../evil" }},
		{"bad filesystem level", func(m *Manifest) { m.Permissions.Filesystem = "all" }},
		{"self dependency", func(m *Manifest) { m.DependsOn = []string{m.PluginID} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validManifest()
			tt.mutate(m)
			if err := Validate(m); err == nil {
				t.Error("Validate accepted malformed manifest")
			}
		})
	}
}

func TestValidate_EmptyFilesystemDefaultsToNone(t *testing.T) {
	m := validManifest()
	m.Permissions.Filesystem = ""
	if err := Validate(m); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if m.Permissions.Filesystem != FSNone {
		t.Errorf("Filesystem = %q, want %q", m.Permissions.Filesystem, FSNone)
	}
}

// ---------------------------------------------------------------------------
// Compat
// ---------------------------------------------------------------------------

func TestCompatibleWith(t *testing.T) {
	m := validManifest()
	m.Compat = Compat{RequiresKernel: "0.4", RequiresSchemaVersions: []int{2}}

	if err := m.CompatibleWith("0.5.1", []int{1, 2}); err != nil {
		t.Errorf("expected compatible: %v", err)
	}
	if err := m.CompatibleWith("0.3.0", []int{1, 2}); err == nil {
		t.Error("accepted too-old kernel")
	}
	if err := m.CompatibleWith("0.5.1", []int{1}); err == nil {
		t.Error("accepted missing schema version")
	}
}

func TestCompatibleWith_EmptyRequiresAcceptsAnyKernel(t *testing.T) {
	m := validManifest()
	if err := m.CompatibleWith("0.1.0", nil); err != nil {
		t.Errorf("CompatibleWith: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

func TestSettings_OverridesApplyOverDefaults(t *testing.T) {
	m := validManifest()
	m.DefaultSettings = map[string]string{"interval": "5s", "quality": "high"}

	got := m.Settings(map[string]string{"interval": "1s"})
	if got["interval"] != "1s" {
		t.Errorf("interval = %q, want override", got["interval"])
	}
	if got["quality"] != "high" {
		t.Errorf("quality = %q, want default", got["quality"])
	}
}

// ---------------------------------------------------------------------------
// Store discovery
// ---------------------------------------------------------------------------

func TestDiscover_SkipsBadPluginContinuesOthers(t *testing.T) {
	root := t.TempDir()

	good := filepath.Join(root, "capture")
	if err := os.MkdirAll(good, 0755); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, good, validManifest())

	bad := filepath.Join(root, "broken")
	if err := os.MkdirAll(bad, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bad, ManifestFile), []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	// A directory with no manifest at all is not an error.
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0755); err != nil {
		t.Fatal(err)
	}

	entries, failures, err := NewStore(root).Discover()
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(entries) != 1 || entries[0].Manifest.PluginID != "mx.core.capture" {
		t.Fatalf("entries = %+v, want one capture entry", entries)
	}
	if len(failures) != 1 || failures[0].Reason != ReasonManifestInvalid {
		t.Fatalf("failures = %+v, want one manifest_invalid", failures)
	}
}

func TestDiscover_DuplicateIDRejected(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"a", "b"} {
		dir := filepath.Join(root, name)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		writeManifest(t, dir, validManifest())
	}

	entries, failures, err := NewStore(root).Discover()
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("entries = %d, want 1", len(entries))
	}
	if len(failures) != 1 || failures[0].Reason != ReasonDuplicateID {
		t.Errorf("failures = %+v, want one duplicate_plugin_id", failures)
	}
}

func TestDiscover_DeterministicOrder(t *testing.T) {
	root := t.TempDir()
	ids := []string{"mx.zeta", "mx.alpha", "mx.mid"}
	for i, id := range ids {
		dir := filepath.Join(root, string(rune('z'-i)))
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		m := validManifest()
		m.PluginID = id
		writeManifest(t, dir, m)
	}

	entries, _, err := NewStore(root).Discover()
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	want := []string{"mx.alpha", "mx.mid", "mx.zeta"}
	for i, w := range want {
		if entries[i].Manifest.PluginID != w {
			t.Fatalf("entries[%d] = %s, want %s", i, entries[i].Manifest.PluginID, w)
		}
	}
}

func TestDiscover_MissingRootIsEmpty(t *testing.T) {
	entries, failures, err := NewStore(filepath.Join(t.TempDir(), "nope")).Discover()
	if err != nil || entries != nil || failures != nil {
		t.Fatalf("Discover = %v/%v/%v, want all empty", entries, failures, err)
	}
}
