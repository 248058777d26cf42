// Package config loads the kernel configuration: the plugin root, trust
// settings (allowlist, default pack, lockfile), and hosting policy. Config is
// layered: a base file the operator controls plus an optional user override
// file. Safe mode reads only the base layer.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// BaseFile is the operator-controlled configuration layer.
	BaseFile = "config.yaml"
	// UserFile is the user override layer. Ignored entirely in safe mode.
	UserFile = "config.user.yaml"
)

// Duration wraps time.Duration so YAML values like "30s" parse directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// HostingConfig controls how plugin hosts are spawned and called.
type HostingConfig struct {
	// Eager spawns subprocess hosts at boot instead of on first call.
	Eager bool `yaml:"eager"`
	// CallTimeout is the default per-call deadline.
	CallTimeout Duration `yaml:"call_timeout"`
	// MaxFrameBytes bounds a single RPC frame. Larger payloads are
	// segmented into a chunked stream, never truncated.
	MaxFrameBytes int `yaml:"max_frame_bytes"`
	// HostConcurrency bounds in-flight calls per host. The default of 1
	// serializes calls per host to bound worst-case resource use.
	HostConcurrency int `yaml:"host_concurrency"`
	// StartupTimeout bounds how long a host may take to come up.
	StartupTimeout Duration `yaml:"startup_timeout"`
}

// BreakerConfig controls the per-host circuit breaker.
type BreakerConfig struct {
	// Threshold is the rolling failure count that opens the circuit.
	Threshold int `yaml:"threshold"`
	// Window is the rolling window failures are counted within.
	Window Duration `yaml:"window"`
	// MinBackoff and MaxBackoff bound restart backoff between failures.
	MinBackoff Duration `yaml:"min_backoff"`
	MaxBackoff Duration `yaml:"max_backoff"`
}

// LockSignature configures optional ed25519 verification of the lockfile.
type LockSignature struct {
	Enabled bool `yaml:"enabled"`
	// PublicKey is the base64 ed25519 public key. When empty the key is
	// read from the OS keyring instead.
	PublicKey      string `yaml:"public_key"`
	KeyringService string `yaml:"keyring_service"`
	KeyringUser    string `yaml:"keyring_user"`
}

// Config is the effective kernel configuration after layer merging.
type Config struct {
	PluginRoot string `yaml:"plugin_root"`
	DataDir    string `yaml:"data_dir"`
	LockPath   string `yaml:"lock_path"`

	// Allowlist names the plugin ids permitted to load. Independent of,
	// and in addition to, hash-lock verification.
	Allowlist []string `yaml:"allowlist"`
	// DefaultPack names the plugins admitted in safe mode.
	DefaultPack []string `yaml:"default_pack"`
	// InprocAllowlist names plugins permitted to run in-process. Default
	// hosting mode is subprocess for everything else.
	InprocAllowlist []string `yaml:"inproc_allowlist"`
	// RequiredCapabilities must each have at least one healthy provider
	// after boot, otherwise boot reports a summary error.
	RequiredCapabilities []string `yaml:"required_capabilities"`

	Hosting HostingConfig `yaml:"hosting"`
	Breaker BreakerConfig `yaml:"breaker"`

	// FailureHistoryOrdering penalizes providers with more recorded
	// failures when ordering multiple providers of one capability.
	FailureHistoryOrdering bool `yaml:"failure_history_ordering"`

	// IntegritySchedule is a cron expression for periodic re-verification
	// of admitted plugin hashes. Empty disables the sweep.
	IntegritySchedule string `yaml:"integrity_schedule"`

	LockSignature LockSignature `yaml:"lock_signature"`
}

// Default returns the built-in configuration used when no base file exists.
func Default(dataDir string) Config {
	return Config{
		PluginRoot: filepath.Join(dataDir, "plugins"),
		DataDir:    dataDir,
		LockPath:   filepath.Join(dataDir, "plugins.lock.json"),
		Hosting: HostingConfig{
			Eager:           true,
			CallTimeout:     Duration(30 * time.Second),
			MaxFrameBytes:   4 * 1024 * 1024,
			HostConcurrency: 1,
			StartupTimeout:  Duration(10 * time.Second),
		},
		Breaker: BreakerConfig{
			Threshold:  3,
			Window:     Duration(1 * time.Hour),
			MinBackoff: Duration(10 * time.Second),
			MaxBackoff: Duration(5 * time.Minute),
		},
	}
}

// Load reads the base layer and, unless safeMode is set, overlays the user
// layer. Missing files are not errors: the built-in defaults apply. The
// safe-mode skip of the user layer is a security control — user overrides
// must not be able to widen the admitted set in a recovery boot.
func Load(dir string, safeMode bool) (Config, error) {
	cfg := Default(dir)

	if err := loadLayer(filepath.Join(dir, BaseFile), &cfg); err != nil {
		return cfg, fmt.Errorf("load base config: %w", err)
	}

	if !safeMode {
		if err := loadLayer(filepath.Join(dir, UserFile), &cfg); err != nil {
			return cfg, fmt.Errorf("load user config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadLayer decodes path over cfg. Keys absent from the file keep their
// current values, so later layers override field-wise.
func loadLayer(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Validate rejects configurations the kernel cannot boot with.
func (c *Config) Validate() error {
	if c.PluginRoot == "" {
		return fmt.Errorf("plugin_root is required")
	}
	if c.Hosting.MaxFrameBytes < 4096 {
		return fmt.Errorf("hosting.max_frame_bytes too small: %d (min 4096)", c.Hosting.MaxFrameBytes)
	}
	if c.Hosting.HostConcurrency < 1 {
		return fmt.Errorf("hosting.host_concurrency must be >= 1")
	}
	if c.Breaker.Threshold < 1 {
		return fmt.Errorf("breaker.threshold must be >= 1")
	}
	return nil
}

// Allowlisted reports whether the plugin id is on the allowlist.
func (c *Config) Allowlisted(pluginID string) bool {
	for _, id := range c.Allowlist {
		if id == pluginID {
			return true
		}
	}
	return false
}

// InDefaultPack reports whether the plugin id is part of the safe-mode pack.
func (c *Config) InDefaultPack(pluginID string) bool {
	for _, id := range c.DefaultPack {
		if id == pluginID {
			return true
		}
	}
	return false
}

// InprocAllowed reports whether the plugin may be hosted in-process.
func (c *Config) InprocAllowed(pluginID string) bool {
	for _, id := range c.InprocAllowlist {
		if id == pluginID {
			return true
		}
	}
	return false
}
