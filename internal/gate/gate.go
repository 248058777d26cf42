// Package gate filters hash-verified plugin candidates down to the admitted
// set: enabled, allowlisted, compatible, and — in safe mode — members of the
// default pack. The gate also enforces the network-grant invariant. Every
// rejection is a structured failure so boot can audit it.
package gate

import (
	"fmt"

	"github.com/memexd/memex/internal/config"
	"github.com/memexd/memex/internal/hashlock"
	"github.com/memexd/memex/internal/manifest"
)

// Filter applies admission policy to the verified candidates. The caller is
// expected to have loaded cfg with the matching safe-mode flag, so the
// safe-mode restriction cannot be bypassed by user-layer config merge order:
// in safe mode the user layer was never read.
func Filter(candidates []hashlock.Verified, cfg *config.Config, safeMode bool, kernelVersion string, schemaVersions []int) ([]hashlock.Verified, []manifest.Failure) {
	var (
		admitted []hashlock.Verified
		failures []manifest.Failure
	)

	reject := func(v hashlock.Verified, reason string, err error) {
		failures = append(failures, manifest.Failure{
			PluginID: v.Manifest.PluginID,
			Dir:      v.Dir,
			Reason:   reason,
			Err:      err,
		})
	}

	for _, v := range candidates {
		m := v.Manifest

		// Hash verification is checked first and unconditionally: a
		// plugin that fails the lock never loads regardless of any
		// other flag. Fail closed.
		if !v.HashOK {
			reject(v, manifest.ReasonHashMismatch, fmt.Errorf("%s", v.Detail))
			continue
		}

		if !m.Enabled {
			reject(v, manifest.ReasonDisabled, nil)
			continue
		}

		if !cfg.Allowlisted(m.PluginID) {
			reject(v, manifest.ReasonNotAllowlisted, nil)
			continue
		}

		if safeMode && !cfg.InDefaultPack(m.PluginID) {
			reject(v, manifest.ReasonNotInDefaultPack, nil)
			continue
		}

		if err := m.CompatibleWith(kernelVersion, schemaVersions); err != nil {
			reject(v, manifest.ReasonIncompatible, err)
			continue
		}

		// Security invariant: network may only be granted to the one
		// designated egress gateway. This is never downgraded to a
		// warning.
		if m.Permissions.Network && m.PluginID != manifest.EgressGatewayID {
			reject(v, manifest.ReasonNetworkNotGrantable,
				fmt.Errorf("network permission is reserved for %s", manifest.EgressGatewayID))
			continue
		}

		admitted = append(admitted, v)
	}

	return admitted, failures
}
