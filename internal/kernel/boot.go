// Package kernel boots the plugin system: discover manifests, verify hash
// locks, resolve dependencies, gate admission, spawn hosts, and publish the
// sealed capability registry. A boot produces one immutable generation;
// reload builds a fresh generation and swaps it atomically, so in-flight
// calls always see a consistent registry.
package kernel

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/memexd/memex/internal/audit"
	"github.com/memexd/memex/internal/capability"
	"github.com/memexd/memex/internal/config"
	"github.com/memexd/memex/internal/depgraph"
	"github.com/memexd/memex/internal/gate"
	"github.com/memexd/memex/internal/hashlock"
	"github.com/memexd/memex/internal/host"
	"github.com/memexd/memex/internal/logging"
	"github.com/memexd/memex/internal/manifest"
	"github.com/memexd/memex/internal/permission"
)

// Options configures a kernel boot.
type Options struct {
	Config   config.Config
	SafeMode bool
	// Sandbox overrides subprocess isolation settings. Zero value means
	// host.DefaultSandboxConfig.
	Sandbox *host.SandboxConfig
	// Inproc maps plugin ids to in-process carrier factories. Only ids on
	// the config inproc allowlist actually run in-process.
	Inproc map[string]host.InprocFactory
	// Recorder overrides the sqlite audit trail, for tests.
	Recorder audit.Recorder
}

// Kernel is the booted plugin system.
type Kernel struct {
	cfg      config.Config
	safeMode bool
	sandbox  host.SandboxConfig
	inproc   map[string]host.InprocFactory
	log      logging.Logger

	trail *audit.Trail // nil when Options.Recorder was supplied
	rec   audit.Recorder

	gen      atomic.Pointer[generation]
	reloadMu sync.Mutex
	cancel   context.CancelFunc
}

// generation is one admitted world: registry, hosts, and the record of how
// they got there. Immutable once stored.
type generation struct {
	system     *capability.System
	runtime    *host.Runtime
	supervisor *host.Supervisor
	admitted   []hashlock.Verified
	rejected   []manifest.Failure
	bootedAt   time.Time
}

// Boot runs the full admission pipeline and starts supervision. It fails
// with a summary error when any required capability ends up without a
// healthy provider; individually bad plugins never fail the boot.
func Boot(ctx context.Context, opts Options) (*Kernel, error) {
	k := &Kernel{
		cfg:      opts.Config,
		safeMode: opts.SafeMode,
		sandbox:  host.DefaultSandboxConfig(),
		inproc:   opts.Inproc,
		log:      logging.Sub("kernel"),
	}
	if opts.Sandbox != nil {
		k.sandbox = *opts.Sandbox
	}

	if opts.Recorder != nil {
		k.rec = opts.Recorder
	} else {
		trail, err := audit.Open(k.cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open audit trail: %w", err)
		}
		k.trail = trail
		k.rec = trail
	}

	gen, err := k.buildGeneration()
	if err != nil {
		k.close()
		return nil, err
	}
	k.gen.Store(gen)
	if k.trail != nil {
		k.trail.AttachSystem(gen.system)
	}

	if err := k.checkRequired(gen); err != nil {
		gen.supervisor.Stop()
		gen.runtime.StopAll()
		k.close()
		return nil, err
	}

	ctx, k.cancel = context.WithCancel(ctx)
	gen.supervisor.Start(ctx)
	go k.watch(ctx)
	k.startIntegritySweep(ctx)

	mode := "normal"
	if k.safeMode {
		mode = "safe"
	}
	k.log.Infof("boot complete (%s mode): %d admitted, %d rejected",
		mode, len(gen.admitted), len(gen.rejected))
	k.rec.Record(audit.NewEvent(audit.KindBootSummary, "",
		fmt.Sprintf("mode=%s admitted=%d rejected=%d", mode, len(gen.admitted), len(gen.rejected))))
	return k, nil
}

// buildGeneration runs discovery through registration and returns the new
// generation without installing it.
func (k *Kernel) buildGeneration() (*generation, error) {
	store := manifest.NewStore(k.cfg.PluginRoot)
	entries, failures, err := store.Discover()
	if err != nil {
		return nil, fmt.Errorf("discover plugins: %w", err)
	}

	lock, err := hashlock.LoadLockfile(k.cfg.LockPath, k.cfg.LockSignature)
	if err != nil {
		// A broken lockfile fails the whole boot: without it nothing can
		// be trusted, and admitting nothing silently would mask that.
		return nil, fmt.Errorf("load lockfile: %w", err)
	}

	verified := hashlock.Verify(entries, lock)
	admitted, gateFailures := gate.Filter(verified, &k.cfg, k.safeMode, Version, SchemaVersions)
	failures = append(failures, gateFailures...)

	// Dependency resolution runs over the gate survivors only: a dep on a
	// rejected plugin is unresolved, and the dependents cascade out.
	nodes := make([]depgraph.Node, 0, len(admitted))
	byID := make(map[string]hashlock.Verified, len(admitted))
	for _, v := range admitted {
		nodes = append(nodes, depgraph.Node{ID: v.Manifest.PluginID, DependsOn: v.Manifest.DependsOn})
		byID[v.Manifest.PluginID] = v
	}
	result := depgraph.Sort(nodes)
	for _, ex := range result.Excluded {
		failures = append(failures, manifest.Failure{
			PluginID: ex.PluginID,
			Reason:   ex.Reason,
			Err:      fmt.Errorf("%s", ex.Detail),
		})
	}

	for _, f := range failures {
		kind := audit.KindPluginRejected
		if f.Reason == manifest.ReasonHashMismatch {
			kind = audit.KindHashMismatch
		}
		k.log.Warnf("rejected %s: %s", f.PluginID, f.Reason)
		k.rec.Record(audit.NewEvent(kind, f.PluginID, f.Error()))
	}

	rt := host.NewRuntime(k.cfg, k.sandbox, k.rec)
	for id, factory := range k.inproc {
		rt.RegisterInproc(id, factory)
	}

	var history capability.FailureHistory
	if k.cfg.FailureHistoryOrdering {
		history = rt
	}
	system := capability.NewSystem(history)

	var loaded []hashlock.Verified
	for _, id := range result.Order {
		v := byID[id]
		if err := k.admitOne(rt, system, v); err != nil {
			k.log.Errorf("admit %s: %v", id, err)
			k.rec.Record(audit.NewEvent(audit.KindPluginRejected, id, err.Error()))
			// Callers get a typed unavailable error rather than a
			// missing capability.
			for _, ep := range v.Manifest.Capabilities() {
				_ = system.Register(ep.ID, host.Stub(ep.ID, id, "plugin could not be hosted"),
					capability.Info{PluginID: id})
			}
			continue
		}
		loaded = append(loaded, v)
		k.rec.Record(audit.NewEvent(audit.KindPluginAdmitted, id, "v"+v.Manifest.Version))
	}
	system.Seal()

	return &generation{
		system:     system,
		runtime:    rt,
		supervisor: host.NewSupervisor(rt, k.cfg.Breaker),
		admitted:   loaded,
		rejected:   failures,
		bootedAt:   time.Now(),
	}, nil
}

// admitOne hands a verified plugin to the runtime and registers its
// capability entrypoints behind the permission enforcer.
func (k *Kernel) admitOne(rt *host.Runtime, system *capability.System, v hashlock.Verified) error {
	h, err := rt.Admit(v, k.cfg.InprocAllowed(v.Manifest.PluginID))
	if err != nil {
		return err
	}

	enf, err := permission.New(v.Manifest, v.Dir, k.cfg.DataDir, k.rec)
	if err != nil {
		return fmt.Errorf("build enforcer: %w", err)
	}

	for _, ep := range v.Manifest.Capabilities() {
		provider := enf.Wrap(ep.ID, h.Provider(ep.ID))
		info := capability.Info{
			PluginID: v.Manifest.PluginID,
			HostMode: h.Mode,
			Health:   hostHealth(h),
			Priority: ep.Priority,
			GPU:      v.Manifest.Permissions.GPU,
			RawInput: v.Manifest.Permissions.RawInput,
		}
		if err := system.Register(ep.ID, provider, info); err != nil {
			return fmt.Errorf("register %s: %w", ep.ID, err)
		}
	}
	return nil
}

// hostHealth ties a provider handle to the live lifecycle state of the
// plugin's host. An open circuit means the provider cannot serve.
func hostHealth(h *host.Host) capability.Health {
	return func() (string, bool) {
		st := h.State()
		return st.String(), st != host.StateCircuitOpen
	}
}

// checkRequired verifies every configured required capability has at least
// one provider backed by a live host; placeholder registrations for plugins
// that could not be hosted do not count. All misses are reported in one
// summary error.
func (k *Kernel) checkRequired(gen *generation) error {
	var missing []string
	for _, name := range k.cfg.RequiredCapabilities {
		serving := false
		for _, h := range gen.system.Providers(name) {
			if h.Serving() {
				serving = true
				break
			}
		}
		if !serving {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("boot incomplete: no provider for required capabilities: %s",
		strings.Join(missing, ", "))
}

// System returns the current generation's sealed capability registry.
func (k *Kernel) System() *capability.System {
	return k.gen.Load().system
}

// Admitted returns the current generation's loaded plugins.
func (k *Kernel) Admitted() []hashlock.Verified {
	return k.gen.Load().admitted
}

// Rejected returns the current generation's rejection record.
func (k *Kernel) Rejected() []manifest.Failure {
	return k.gen.Load().rejected
}

// Hosts returns the current generation's host handles.
func (k *Kernel) Hosts() []*host.Host {
	return k.gen.Load().runtime.Hosts()
}

// Trail exposes the audit trail, nil when a custom recorder was supplied.
func (k *Kernel) Trail() *audit.Trail { return k.trail }

// Shutdown stops supervision, hosts, and the audit trail.
func (k *Kernel) Shutdown() {
	if k.cancel != nil {
		k.cancel()
	}
	if gen := k.gen.Load(); gen != nil {
		gen.supervisor.Stop()
		gen.runtime.StopAll()
	}
	k.close()
	k.log.Infof("shutdown complete")
}

func (k *Kernel) close() {
	if k.trail != nil {
		k.trail.Close()
	}
}
