package host

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/memexd/memex/internal/manifest"
)

// SandboxConfig controls process isolation for subprocess plugin hosts.
type SandboxConfig struct {
	// MaxBinarySizeMB is the maximum allowed binary size in megabytes.
	// Prevents oversized or zip-bomb-style binaries. 0 = no limit.
	MaxBinarySizeMB int

	// LogToFile redirects host stdout/stderr to per-plugin log files instead
	// of inheriting the kernel's stdout/stderr. Prevents log injection and
	// keeps per-plugin audit trails.
	LogToFile bool
}

// DefaultSandboxConfig returns production-ready sandbox defaults.
func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		MaxBinarySizeMB: 500,
		LogToFile:       true,
	}
}

// allowedEnvKeys are environment variables safe to pass to sandboxed plugin
// processes. Everything else is stripped to prevent leaking API keys, tokens,
// and credentials from the parent environment. Proxy variables are notably
// absent: a plugin without the network grant must not inherit a way out.
var allowedEnvKeys = map[string]bool{
	"PATH":   true,
	"HOME":   true,
	"LANG":   true,
	"LC_ALL": true,
	"TZ":     true,
}

// sanitizeEnv builds a minimal, safe environment for a plugin host process.
// Only MEMEX_PLUGIN_* variables and a strict allowlist of system variables
// pass through. TMPDIR and the cache dir are pinned under the plugin's own
// runtime area so scratch files never land in shared locations.
func sanitizeEnv(m *manifest.Manifest, pluginDir string) []string {
	tmpDir := filepath.Join(pluginDir, "tmp")
	env := []string{
		"MEMEX_PLUGIN_DIR=" + pluginDir,
		"MEMEX_PLUGIN_ID=" + m.PluginID,
		"MEMEX_PLUGIN_VERSION=" + m.Version,
		"MEMEX_PLUGIN_DATA=" + filepath.Join(pluginDir, "data"),
		"MEMEX_PLUGIN_TMP=" + tmpDir,
		"TMPDIR=" + tmpDir,
		"XDG_CACHE_HOME=" + filepath.Join(tmpDir, "cache"),
	}
	if !m.Permissions.Network {
		env = append(env, "MEMEX_NET=deny")
	}

	for _, e := range os.Environ() {
		key, _, ok := strings.Cut(e, "=")
		if ok && allowedEnvKeys[key] {
			env = append(env, e)
		}
	}

	return env
}

// validateBinary performs pre-launch security checks on a plugin binary.
// Rejects symlinks (path traversal), oversized binaries, non-executables,
// and non-regular files (devices, pipes, etc.).
func validateBinary(path string, cfg SandboxConfig) error {
	// Use Lstat to detect symlinks — Stat follows them silently
	info, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("stat binary: %w", err)
	}

	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("binary is a symlink (rejected for security)")
	}

	if !info.Mode().IsRegular() {
		return fmt.Errorf("binary is not a regular file")
	}

	if info.Mode().Perm()&0111 == 0 {
		return fmt.Errorf("binary is not executable")
	}

	if cfg.MaxBinarySizeMB > 0 {
		maxBytes := int64(cfg.MaxBinarySizeMB) * 1024 * 1024
		if info.Size() > maxBytes {
			return fmt.Errorf("binary too large: %d MB (max %d MB)",
				info.Size()/(1024*1024), cfg.MaxBinarySizeMB)
		}
	}

	return nil
}

// hostLogWriter returns a writer for a plugin host's stdout/stderr stream.
// When LogToFile is true, output goes to {pluginDir}/logs/host.log instead of
// inheriting the kernel's stdout/stderr.
func hostLogWriter(pluginDir string, cfg SandboxConfig) (w io.Writer, cleanup func(), err error) {
	if !cfg.LogToFile {
		return os.Stderr, func() {}, nil
	}

	logDir := filepath.Join(pluginDir, "logs")
	if mkErr := os.MkdirAll(logDir, 0700); mkErr != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", mkErr)
	}

	f, err := os.OpenFile(
		filepath.Join(logDir, "host.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0600,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("open host log: %w", err)
	}

	return f, func() { f.Close() }, nil
}
