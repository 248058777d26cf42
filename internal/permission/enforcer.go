// Package permission enforces manifest-declared privileges at the call
// boundary. Providers are wrapped at registration time, so nothing reaches
// a plugin host without passing the guard — enforcement lives in the
// kernel, never in plugin cooperation.
package permission

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/memexd/memex/internal/audit"
	"github.com/memexd/memex/internal/capability"
	"github.com/memexd/memex/internal/manifest"
)

// Enforcer wraps providers with permission checks derived from one plugin's
// manifest. Path templates are resolved to absolute roots once, up front.
type Enforcer struct {
	pluginID  string
	fsLevel   string
	readRoots []string
	rwRoots   []string
	rec       audit.Recorder
}

// New builds an enforcer for one plugin. pluginDir and dataDir resolve the
// {plugin_dir} and {data_dir} templates in the manifest's filesystem policy.
func New(m *manifest.Manifest, pluginDir, dataDir string, rec audit.Recorder) (*Enforcer, error) {
	e := &Enforcer{
		pluginID: m.PluginID,
		fsLevel:  m.Permissions.Filesystem,
		rec:      rec,
	}

	if m.FilesystemPolicy != nil {
		var err error
		if e.readRoots, err = resolveRoots(m.FilesystemPolicy.Read, pluginDir, dataDir); err != nil {
			return nil, err
		}
		if e.rwRoots, err = resolveRoots(m.FilesystemPolicy.ReadWrite, pluginDir, dataDir); err != nil {
			return nil, err
		}
	}

	// A filesystem grant with no declared policy means the plugin's own
	// directory, nothing wider.
	if e.fsLevel != manifest.FSNone && len(e.readRoots) == 0 && len(e.rwRoots) == 0 {
		own, err := filepath.Abs(pluginDir)
		if err != nil {
			return nil, err
		}
		e.readRoots = []string{own}
		if e.fsLevel == manifest.FSReadWrite {
			e.rwRoots = []string{own}
		}
	}

	return e, nil
}

func resolveRoots(templates []string, pluginDir, dataDir string) ([]string, error) {
	roots := make([]string, 0, len(templates))
	for _, tpl := range templates {
		p := strings.ReplaceAll(tpl, "{plugin_dir}", pluginDir)
		p = strings.ReplaceAll(p, "{data_dir}", dataDir)
		abs, err := filepath.Abs(filepath.Clean(p))
		if err != nil {
			return nil, err
		}
		roots = append(roots, abs)
	}
	return roots, nil
}

// Wrap returns a provider that checks the request against the plugin's
// grants before delegating.
func (e *Enforcer) Wrap(capName string, p capability.Provider) capability.Provider {
	return capability.ProviderFunc(func(ctx context.Context, req capability.Request) (capability.Response, error) {
		if err := e.check(capName, req); err != nil {
			return capability.Response{}, err
		}
		return p.Invoke(ctx, req)
	})
}

func (e *Enforcer) check(capName string, req capability.Request) error {
	if len(req.Paths) == 0 {
		return nil
	}

	if e.fsLevel == manifest.FSNone {
		return e.deny(capName, "filesystem access not granted")
	}
	if req.Write && e.fsLevel != manifest.FSReadWrite {
		return e.deny(capName, "write access not granted")
	}

	roots := e.readRoots
	if req.Write {
		roots = e.rwRoots
	} else {
		// read access is implied by a read_write root
		roots = append(append([]string{}, e.readRoots...), e.rwRoots...)
	}

	for _, p := range req.Paths {
		abs, err := filepath.Abs(filepath.Clean(p))
		if err != nil {
			return e.deny(capName, "unresolvable path: "+p)
		}
		if !underAny(abs, roots) {
			return e.deny(capName, "path outside declared allowlist: "+abs)
		}
	}
	return nil
}

func (e *Enforcer) deny(capName, detail string) error {
	ev := audit.NewEvent(audit.KindPermissionDenied, e.pluginID, detail)
	ev.Capability = capName
	e.rec.Record(ev)
	return capability.NewCallError(capability.KindPermissionDenied, capName, e.pluginID, "%s", detail)
}

// underAny reports whether path equals or descends from any root. Plain
// prefix matching is not enough: /tmp/ab must not match root /tmp/a.
func underAny(path string, roots []string) bool {
	for _, root := range roots {
		if path == root {
			return true
		}
		if strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
