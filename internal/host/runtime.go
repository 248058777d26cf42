package host

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"

	"github.com/memexd/memex/internal/audit"
	"github.com/memexd/memex/internal/config"
	"github.com/memexd/memex/internal/hashlock"
	"github.com/memexd/memex/internal/logging"
	"github.com/memexd/memex/internal/manifest"
)

// InprocFactory builds an in-process carrier for a plugin. Only plugins on
// the inproc allowlist ever get one; everything else runs as a subprocess.
type InprocFactory func(m *manifest.Manifest, dir string) (Carrier, error)

// Runtime owns every plugin host started during a kernel generation. It is
// the single place processes are spawned, recycled, and torn down.
type Runtime struct {
	hosting config.HostingConfig
	breaker config.BreakerConfig
	sandbox SandboxConfig
	rec     audit.Recorder
	log     logging.Logger

	mu      sync.RWMutex
	inproc  map[string]InprocFactory
	hosts   map[string]*Host
	stopped bool
}

// NewRuntime creates a host runtime. rec may be audit.Nop{} in tests.
func NewRuntime(cfg config.Config, sandbox SandboxConfig, rec audit.Recorder) *Runtime {
	return &Runtime{
		hosting: cfg.Hosting,
		breaker: cfg.Breaker,
		sandbox: sandbox,
		rec:     rec,
		log:     logging.Sub("host"),
		inproc:  make(map[string]InprocFactory),
		hosts:   make(map[string]*Host),
	}
}

// RegisterInproc makes an in-process factory available for pluginID. Must be
// called before Admit sees the plugin.
func (rt *Runtime) RegisterInproc(pluginID string, f InprocFactory) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.inproc[pluginID] = f
}

// Admit creates the host handle for a verified plugin. In eager mode the
// host process is started immediately; a failed eager start leaves the host
// handle in place so calls surface typed errors and the supervisor retries.
func (rt *Runtime) Admit(v hashlock.Verified, inprocAllowed bool) (*Host, error) {
	rt.mu.Lock()
	if rt.stopped {
		rt.mu.Unlock()
		return nil, fmt.Errorf("runtime stopped")
	}
	if _, exists := rt.hosts[v.Manifest.PluginID]; exists {
		rt.mu.Unlock()
		return nil, fmt.Errorf("plugin %s already hosted", v.Manifest.PluginID)
	}

	mode := capModeSubprocess
	factory := rt.inproc[v.Manifest.PluginID]
	if inprocAllowed && factory != nil {
		mode = capModeInproc
	}

	h := &Host{
		PluginID:    v.Manifest.PluginID,
		Dir:         v.Dir,
		Mode:        mode,
		Manifest:    v.Manifest,
		ArtifactSHA: v.ArtifactSHA256,
		rt:          rt,
		factory:     factory,
		breaker:     NewBreaker(rt.breaker),
		sem:         make(chan struct{}, rt.hosting.HostConcurrency),
	}
	rt.hosts[h.PluginID] = h
	rt.mu.Unlock()

	if rt.hosting.Eager {
		if err := h.ensureStarted(); err != nil {
			rt.log.Errorf("eager start of %s failed: %v", h.PluginID, err)
			// handle stays registered; supervisor owns retries
		}
	}
	return h, nil
}

// Host returns the host handle for pluginID.
func (rt *Runtime) Host(pluginID string) (*Host, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	h, ok := rt.hosts[pluginID]
	return h, ok
}

// Hosts returns all host handles sorted by plugin id.
func (rt *Runtime) Hosts() []*Host {
	rt.mu.RLock()
	out := make([]*Host, 0, len(rt.hosts))
	for _, h := range rt.hosts {
		out = append(out, h)
	}
	rt.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PluginID < out[j].PluginID })
	return out
}

// Failures implements capability.FailureHistory: the total failure count of
// the plugin's host since this generation started.
func (rt *Runtime) Failures(pluginID string) int {
	h, ok := rt.Host(pluginID)
	if !ok {
		return 0
	}
	return h.breaker.TotalFailures()
}

// TripIntegrity opens the plugin's circuit without counting a call failure.
// The integrity sweep uses it when on-disk content drifts from the lock.
func (rt *Runtime) TripIntegrity(pluginID, detail string) {
	h, ok := rt.Host(pluginID)
	if !ok {
		return
	}
	h.breaker.SetState(StateCircuitOpen)
	h.stop()
	rt.rec.Record(audit.NewEvent(audit.KindIntegrityDrift, pluginID, detail))
	rt.rec.Record(audit.NewEvent(audit.KindCircuitOpened, pluginID, "integrity drift"))
}

// StopAll tears down every host. Used on shutdown and when a kernel
// generation is replaced by a reload.
func (rt *Runtime) StopAll() {
	rt.mu.Lock()
	rt.stopped = true
	hosts := make([]*Host, 0, len(rt.hosts))
	for _, h := range rt.hosts {
		hosts = append(hosts, h)
	}
	rt.mu.Unlock()

	for _, h := range hosts {
		h.stop()
	}
}

const (
	capModeInproc     = "inproc"
	capModeSubprocess = "subprocess"
)

// Host is the handle for one plugin's execution context: either a live
// subprocess speaking the carrier protocol, or an in-process carrier.
type Host struct {
	PluginID    string
	Dir         string
	Mode        string
	Manifest    *manifest.Manifest
	ArtifactSHA string

	rt      *Runtime
	factory InprocFactory
	breaker *Breaker
	sem     chan struct{}

	mu         sync.Mutex
	client     *plugin.Client
	pid        int
	carrier    Carrier
	logCleanup func()
	startedAt  time.Time
	restarts   int
}

// State returns the host's lifecycle state.
func (h *Host) State() State { return h.breaker.State() }

// Breaker exposes the host's circuit breaker to the supervisor.
func (h *Host) Breaker() *Breaker { return h.breaker }

// Restarts returns how many times the host has been respawned.
func (h *Host) Restarts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.restarts
}

// ensureStarted brings the host up if it is not running. Safe to call
// concurrently; only one start proceeds.
func (h *Host) ensureStarted() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.carrier != nil {
		return nil
	}
	if h.breaker.State() == StateCircuitOpen {
		return fmt.Errorf("circuit open for %s", h.PluginID)
	}
	return h.startLocked()
}

func (h *Host) startLocked() error {
	if h.Mode == capModeInproc {
		c, err := h.factory(h.Manifest, h.Dir)
		if err != nil {
			return fmt.Errorf("build inproc carrier for %s: %w", h.PluginID, err)
		}
		h.carrier = c
		h.startedAt = time.Now()
		h.breaker.SetState(StateActive)
		return nil
	}

	if len(h.Manifest.Entrypoints) == 0 {
		return fmt.Errorf("plugin %s has no entrypoints", h.PluginID)
	}
	binary := filepath.Join(h.Dir, filepath.FromSlash(h.Manifest.Entrypoints[0].Path))
	if err := validateBinary(binary, h.rt.sandbox); err != nil {
		return fmt.Errorf("validate %s binary: %w", h.PluginID, err)
	}

	// Pin the spawn to the artifact state that passed lock verification.
	// Admission hashed the directory; go-plugin re-hashes the binary at
	// exec time, closing the verify-then-spawn gap.
	sum, err := hashlock.HashFile(binary)
	if err != nil {
		return fmt.Errorf("checksum %s binary: %w", h.PluginID, err)
	}
	checksum, err := hex.DecodeString(sum)
	if err != nil {
		return fmt.Errorf("decode checksum: %w", err)
	}

	logW, cleanup, err := hostLogWriter(h.Dir, h.rt.sandbox)
	if err != nil {
		return err
	}

	cmd := exec.Command(binary)
	cmd.Dir = h.Dir
	cmd.Env = sanitizeEnv(h.Manifest, h.Dir)
	setProcGroup(cmd)

	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          PluginMap(nil, h.rt.hosting.MaxFrameBytes),
		Cmd:              cmd,
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
		SecureConfig:     &plugin.SecureConfig{Checksum: checksum, Hash: sha256.New()},
		StartTimeout:     h.rt.hosting.StartupTimeout.Std(),
		SyncStdout:       logW,
		SyncStderr:       logW,
		Logger:           hclog.NewNullLogger(),
	})

	type dispensed struct {
		carrier Carrier
		err     error
	}
	ch := make(chan dispensed, 1)
	go func() {
		rpcClient, err := client.Client()
		if err != nil {
			ch <- dispensed{err: fmt.Errorf("handshake: %w", err)}
			return
		}
		raw, err := rpcClient.Dispense(CarrierName)
		if err != nil {
			ch <- dispensed{err: fmt.Errorf("dispense carrier: %w", err)}
			return
		}
		c, ok := raw.(Carrier)
		if !ok {
			ch <- dispensed{err: fmt.Errorf("unexpected carrier type %T", raw)}
			return
		}
		ch <- dispensed{carrier: c}
	}()

	var d dispensed
	select {
	case d = <-ch:
	case <-time.After(h.rt.hosting.StartupTimeout.Std() + 5*time.Second):
		d.err = fmt.Errorf("startup timed out")
	}
	if d.err != nil {
		client.Kill()
		killProcGroup(cmd)
		cleanup()
		h.breaker.RecordFailure(time.Now(), StateCrashed)
		h.rt.rec.Record(audit.NewEvent(audit.KindHostCrashed, h.PluginID,
			fmt.Sprintf("start failed: %v", d.err)))
		return fmt.Errorf("start %s: %w", h.PluginID, d.err)
	}

	h.client = client
	if cmd.Process != nil {
		h.pid = cmd.Process.Pid
	}
	h.carrier = d.carrier
	h.logCleanup = cleanup
	h.startedAt = time.Now()
	h.breaker.SetState(StateActive)
	h.rt.log.Infof("started %s (subprocess, pid tracked by go-plugin)", h.PluginID)
	h.rt.rec.Record(audit.NewEvent(audit.KindHostStarted, h.PluginID, "subprocess host up"))
	return nil
}

// Exited reports whether a subprocess host's process has gone away.
// In-process hosts never exit independently.
func (h *Host) Exited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.Mode == capModeInproc || h.client == nil {
		return false
	}
	if h.client.Exited() {
		return true
	}
	// go-plugin flips its exit flag from a reaper goroutine; probe the
	// pid directly so a stale flag cannot hide a dead process.
	return h.pid != 0 && !isProcessAlive(h.pid)
}

// stop tears the host down. Idempotent.
func (h *Host) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
}

func (h *Host) stopLocked() {
	if h.client != nil {
		h.client.Kill()
		h.client = nil
	}
	h.pid = 0
	if h.logCleanup != nil {
		h.logCleanup()
		h.logCleanup = nil
	}
	h.carrier = nil
}

// restart recycles a crashed subprocess host. Called by the supervisor only.
func (h *Host) restart() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
	h.restarts++
	h.breaker.SetState(StateRestarting)
	if err := h.startLocked(); err != nil {
		return err
	}
	h.rt.rec.Record(audit.NewEvent(audit.KindHostRestarted, h.PluginID,
		fmt.Sprintf("restart %d", h.restarts)))
	return nil
}

func (h *Host) currentCarrier() (Carrier, error) {
	if err := h.ensureStarted(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.carrier == nil {
		return nil, fmt.Errorf("host %s not running", h.PluginID)
	}
	return h.carrier, nil
}
