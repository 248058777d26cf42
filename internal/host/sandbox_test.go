package host

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/memexd/memex/internal/manifest"
)

func TestDefaultSandboxConfig(t *testing.T) {
	cfg := DefaultSandboxConfig()
	if cfg.MaxBinarySizeMB != 500 {
		t.Errorf("MaxBinarySizeMB = %d, want 500", cfg.MaxBinarySizeMB)
	}
	if !cfg.LogToFile {
		t.Error("LogToFile should be true by default")
	}
}

func TestSanitizeEnv(t *testing.T) {
	m := &manifest.Manifest{
		PluginID: "mx.core.capture",
		Version:  "1.0.0",
	}
	pluginDir := "/tmp/plugins/mx.core.capture"

	t.Setenv("MEMEX_SECRET_TOKEN", "leak-me")
	t.Setenv("HTTP_PROXY", "http://proxy:8080")
	t.Setenv("HTTPS_PROXY", "http://proxy:8080")

	env := sanitizeEnv(m, pluginDir)

	envMap := make(map[string]string)
	for _, e := range env {
		k, v, _ := strings.Cut(e, "=")
		envMap[k] = v
	}

	required := map[string]string{
		"MEMEX_PLUGIN_DIR":     pluginDir,
		"MEMEX_PLUGIN_ID":      "mx.core.capture",
		"MEMEX_PLUGIN_VERSION": "1.0.0",
		"MEMEX_PLUGIN_DATA":    filepath.Join(pluginDir, "data"),
		"TMPDIR":               filepath.Join(pluginDir, "tmp"),
	}
	for k, want := range required {
		got, ok := envMap[k]
		if !ok {
			t.Errorf("missing required env var: %s", k)
			continue
		}
		if got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}

	for _, k := range []string{"MEMEX_SECRET_TOKEN", "HTTP_PROXY", "HTTPS_PROXY"} {
		if _, ok := envMap[k]; ok {
			t.Errorf("dangerous env var leaked into sandbox: %s", k)
		}
	}

	// No network grant: the deny marker must be set.
	if envMap["MEMEX_NET"] != "deny" {
		t.Errorf("MEMEX_NET = %q, want deny for plugin without network grant", envMap["MEMEX_NET"])
	}
}

func TestSanitizeEnvNetworkGrant(t *testing.T) {
	m := &manifest.Manifest{
		PluginID:    "builtin.egress.gateway",
		Version:     "1.0.0",
		Permissions: manifest.Permissions{Network: true},
	}
	env := sanitizeEnv(m, "/tmp/plugins/gw")
	for _, e := range env {
		if strings.HasPrefix(e, "MEMEX_NET=") {
			t.Errorf("MEMEX_NET set for plugin with network grant: %s", e)
		}
	}
}

func TestValidateBinary(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits differ on windows")
	}
	dir := t.TempDir()

	bin := filepath.Join(dir, "plugin")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0700); err != nil {
		t.Fatal(err)
	}
	if err := validateBinary(bin, DefaultSandboxConfig()); err != nil {
		t.Errorf("valid binary rejected: %v", err)
	}

	// ---- not executable ----
	flat := filepath.Join(dir, "flat")
	if err := os.WriteFile(flat, []byte("data"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := validateBinary(flat, DefaultSandboxConfig()); err == nil {
		t.Error("non-executable accepted")
	}

	// ---- symlink ----
	link := filepath.Join(dir, "link")
	if err := os.Symlink(bin, link); err != nil {
		t.Fatal(err)
	}
	if err := validateBinary(link, DefaultSandboxConfig()); err == nil {
		t.Error("symlink accepted")
	}

	// ---- missing ----
	if err := validateBinary(filepath.Join(dir, "missing"), DefaultSandboxConfig()); err == nil {
		t.Error("missing binary accepted")
	}

	// ---- size limit ----
	cfg := SandboxConfig{MaxBinarySizeMB: 1}
	huge := filepath.Join(dir, "huge")
	if err := os.WriteFile(huge, make([]byte, 2*1024*1024), 0700); err != nil {
		t.Fatal(err)
	}
	if err := validateBinary(huge, cfg); err == nil {
		t.Error("oversized binary accepted")
	}
}

func TestHostLogWriter(t *testing.T) {
	dir := t.TempDir()
	w, cleanup, err := hostLogWriter(dir, SandboxConfig{LogToFile: true})
	if err != nil {
		t.Fatalf("hostLogWriter: %v", err)
	}
	defer cleanup()

	if _, err := w.Write([]byte("host output\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "logs", "host.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "host output") {
		t.Errorf("log file missing output, got %q", data)
	}
}
