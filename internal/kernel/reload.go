package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/memexd/memex/internal/audit"
)

// Reload rebuilds the admitted world from disk and swaps it in atomically.
// The old generation keeps serving until the new one is fully built; a
// failed rebuild leaves the old generation in place untouched. Reload is
// the only way a circuit-open plugin gets another chance.
func (k *Kernel) Reload(ctx context.Context) error {
	k.reloadMu.Lock()
	defer k.reloadMu.Unlock()

	k.log.Infof("reload requested")
	gen, err := k.buildGeneration()
	if err != nil {
		k.rec.Record(audit.NewEvent(audit.KindReload, "", "failed: "+err.Error()))
		return fmt.Errorf("reload: %w", err)
	}
	if err := k.checkRequired(gen); err != nil {
		gen.runtime.StopAll()
		k.rec.Record(audit.NewEvent(audit.KindReload, "", "failed: "+err.Error()))
		return fmt.Errorf("reload: %w", err)
	}

	old := k.gen.Swap(gen)
	if k.trail != nil {
		k.trail.AttachSystem(gen.system)
	}
	gen.supervisor.Start(ctx)

	if old != nil {
		old.supervisor.Stop()
		old.runtime.StopAll()
	}

	k.log.Infof("reload complete: %d admitted, %d rejected", len(gen.admitted), len(gen.rejected))
	k.rec.Record(audit.NewEvent(audit.KindReload, "",
		fmt.Sprintf("admitted=%d rejected=%d", len(gen.admitted), len(gen.rejected))))
	return nil
}

// watch monitors the plugin root and triggers a reload when plugin content
// changes settle. Events are debounced: installs touch many files, and one
// reload at the end is enough.
func (k *Kernel) watch(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		k.log.Errorf("create watcher: %v", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(k.cfg.PluginRoot); err != nil {
		k.log.Errorf("watch %s: %v", k.cfg.PluginRoot, err)
		return
	}
	k.log.Infof("watching %s for changes", k.cfg.PluginRoot)

	var timer *time.Timer
	trigger := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(2*time.Second, func() {
				select {
				case trigger <- struct{}{}:
				default:
				}
			})

		case <-trigger:
			if err := k.Reload(ctx); err != nil {
				k.log.Errorf("watcher reload: %v", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			k.log.Errorf("watcher error: %v", err)
		}
	}
}
