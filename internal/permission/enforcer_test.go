package permission

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/memexd/memex/internal/audit"
	"github.com/memexd/memex/internal/capability"
	"github.com/memexd/memex/internal/manifest"
)

func okProvider() capability.Provider {
	return capability.ProviderFunc(func(ctx context.Context, req capability.Request) (capability.Response, error) {
		return capability.Response{Payload: []byte("ok")}, nil
	})
}

func newEnforcer(t *testing.T, m *manifest.Manifest, pluginDir, dataDir string) *Enforcer {
	t.Helper()
	e, err := New(m, pluginDir, dataDir, audit.Nop{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func denied(t *testing.T, err error) *capability.CallError {
	t.Helper()
	var ce *capability.CallError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want CallError", err)
	}
	if ce.Kind != capability.KindPermissionDenied {
		t.Fatalf("kind = %s, want permission_denied", ce.Kind)
	}
	return ce
}

func TestNoPathsPassesThrough(t *testing.T) {
	m := &manifest.Manifest{PluginID: "mx.core.capture"}
	e := newEnforcer(t, m, t.TempDir(), t.TempDir())

	resp, err := e.Wrap("note.append", okProvider()).Invoke(context.Background(), capability.Request{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(resp.Payload) != "ok" {
		t.Errorf("payload = %q", resp.Payload)
	}
}

func TestPathsDeniedWithoutFilesystemGrant(t *testing.T) {
	m := &manifest.Manifest{
		PluginID:    "mx.core.capture",
		Permissions: manifest.Permissions{Filesystem: manifest.FSNone},
	}
	e := newEnforcer(t, m, t.TempDir(), t.TempDir())

	_, err := e.Wrap("note.append", okProvider()).Invoke(context.Background(), capability.Request{
		Paths: []string{"/etc/passwd"},
	})
	denied(t, err)
}

func TestPathOutsideAllowlistDenied(t *testing.T) {
	pluginDir := t.TempDir()
	m := &manifest.Manifest{
		PluginID:    "mx.core.capture",
		Permissions: manifest.Permissions{Filesystem: manifest.FSRead},
		FilesystemPolicy: &manifest.FilesystemPolicy{
			Read: []string{"{plugin_dir}/data"},
		},
	}
	e := newEnforcer(t, m, pluginDir, t.TempDir())
	p := e.Wrap("note.read", okProvider())

	if _, err := p.Invoke(context.Background(), capability.Request{
		Paths: []string{filepath.Join(pluginDir, "data", "notes.db")},
	}); err != nil {
		t.Errorf("path inside allowlist denied: %v", err)
	}

	_, err := p.Invoke(context.Background(), capability.Request{
		Paths: []string{filepath.Join(pluginDir, "secrets")},
	})
	denied(t, err)
}

func TestPrefixSiblingNotConfused(t *testing.T) {
	pluginDir := t.TempDir()
	m := &manifest.Manifest{
		PluginID:    "mx.core.capture",
		Permissions: manifest.Permissions{Filesystem: manifest.FSRead},
		FilesystemPolicy: &manifest.FilesystemPolicy{
			Read: []string{filepath.Join(pluginDir, "a")},
		},
	}
	e := newEnforcer(t, m, pluginDir, t.TempDir())

	// /x/ab must not pass a root of /x/a
	_, err := e.Wrap("note.read", okProvider()).Invoke(context.Background(), capability.Request{
		Paths: []string{filepath.Join(pluginDir, "ab", "file")},
	})
	denied(t, err)
}

func TestTraversalEscapeDenied(t *testing.T) {
	pluginDir := t.TempDir()
	m := &manifest.Manifest{
		PluginID:    "mx.core.capture",
		Permissions: manifest.Permissions{Filesystem: manifest.FSRead},
		FilesystemPolicy: &manifest.FilesystemPolicy{
			Read: []string{"{plugin_dir}"},
		},
	}
	e := newEnforcer(t, m, pluginDir, t.TempDir())

	_, err := e.Wrap("note.read", okProvider()).Invoke(context.Background(), capability.Request{
		Paths: []string{filepath.Join(pluginDir, "..", "other")},
	})
	denied(t, err)
}

func TestWriteRequiresReadWriteGrant(t *testing.T) {
	pluginDir := t.TempDir()
	m := &manifest.Manifest{
		PluginID:    "mx.core.capture",
		Permissions: manifest.Permissions{Filesystem: manifest.FSRead},
		FilesystemPolicy: &manifest.FilesystemPolicy{
			Read: []string{"{plugin_dir}"},
		},
	}
	e := newEnforcer(t, m, pluginDir, t.TempDir())

	_, err := e.Wrap("note.append", okProvider()).Invoke(context.Background(), capability.Request{
		Paths: []string{filepath.Join(pluginDir, "notes.md")},
		Write: true,
	})
	denied(t, err)
}

func TestWriteInsideReadWriteRoot(t *testing.T) {
	pluginDir := t.TempDir()
	dataDir := t.TempDir()
	m := &manifest.Manifest{
		PluginID:    "mx.core.capture",
		Permissions: manifest.Permissions{Filesystem: manifest.FSReadWrite},
		FilesystemPolicy: &manifest.FilesystemPolicy{
			Read:      []string{"{plugin_dir}"},
			ReadWrite: []string{"{data_dir}/capture"},
		},
	}
	e := newEnforcer(t, m, pluginDir, dataDir)
	p := e.Wrap("note.append", okProvider())

	if _, err := p.Invoke(context.Background(), capability.Request{
		Paths: []string{filepath.Join(dataDir, "capture", "inbox.md")},
		Write: true,
	}); err != nil {
		t.Errorf("write inside read_write root denied: %v", err)
	}

	// Writes to a read-only root are denied even with a read_write grant.
	_, err := p.Invoke(context.Background(), capability.Request{
		Paths: []string{filepath.Join(pluginDir, "manifest.json")},
		Write: true,
	})
	denied(t, err)

	// Reads are allowed inside the read_write root too.
	if _, err := p.Invoke(context.Background(), capability.Request{
		Paths: []string{filepath.Join(dataDir, "capture", "inbox.md")},
	}); err != nil {
		t.Errorf("read inside read_write root denied: %v", err)
	}
}

func TestGrantWithoutPolicyDefaultsToOwnDir(t *testing.T) {
	pluginDir := t.TempDir()
	m := &manifest.Manifest{
		PluginID:    "mx.core.capture",
		Permissions: manifest.Permissions{Filesystem: manifest.FSReadWrite},
	}
	e := newEnforcer(t, m, pluginDir, t.TempDir())
	p := e.Wrap("note.append", okProvider())

	if _, err := p.Invoke(context.Background(), capability.Request{
		Paths: []string{filepath.Join(pluginDir, "data", "x")},
		Write: true,
	}); err != nil {
		t.Errorf("write inside own dir denied: %v", err)
	}

	_, err := p.Invoke(context.Background(), capability.Request{
		Paths: []string{"/etc/passwd"},
	})
	denied(t, err)
}
