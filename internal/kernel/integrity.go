package kernel

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/memexd/memex/internal/hashlock"
	"github.com/memexd/memex/internal/host"
)

// startIntegritySweep schedules periodic re-verification of admitted plugin
// directories against their admission-time hashes. Content that drifts
// after admission gets the plugin's circuit opened: the lockfile promise no
// longer holds, so the host must not serve another call.
func (k *Kernel) startIntegritySweep(ctx context.Context) {
	if k.cfg.IntegritySchedule == "" {
		return
	}

	c := cron.New()
	_, err := c.AddFunc(k.cfg.IntegritySchedule, k.sweepIntegrity)
	if err != nil {
		k.log.Errorf("integrity schedule %q: %v", k.cfg.IntegritySchedule, err)
		return
	}
	c.Start()
	k.log.Infof("integrity sweep scheduled: %s", k.cfg.IntegritySchedule)

	go func() {
		<-ctx.Done()
		c.Stop()
	}()
}

// sweepIntegrity re-hashes every admitted plugin and trips the circuit of
// any whose on-disk state no longer matches what was admitted.
func (k *Kernel) sweepIntegrity() {
	gen := k.gen.Load()
	if gen == nil {
		return
	}

	for _, v := range gen.admitted {
		h, ok := gen.runtime.Host(v.Manifest.PluginID)
		if !ok || h.State() == host.StateCircuitOpen {
			continue
		}

		sum, err := hashlock.HashDir(v.Dir)
		if err != nil {
			gen.runtime.TripIntegrity(v.Manifest.PluginID, "re-hash failed: "+err.Error())
			continue
		}
		if sum != v.ArtifactSHA256 {
			gen.runtime.TripIntegrity(v.Manifest.PluginID,
				"artifact hash drifted from "+v.ArtifactSHA256[:12]+" to "+sum[:12])
		}
	}
}
