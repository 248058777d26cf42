package host

import (
	"context"

	"github.com/memexd/memex/internal/capability"
)

// Stub returns a provider that deterministically fails with an unavailable
// error. The kernel registers stubs for entrypoints of plugins that were
// admitted but could not be hosted, so callers see a typed failure instead
// of a missing capability.
func Stub(capName, pluginID, reason string) capability.Provider {
	return capability.ProviderFunc(func(ctx context.Context, req capability.Request) (capability.Response, error) {
		return capability.Response{}, capability.NewCallError(
			capability.KindUnavailable, capName, pluginID, "%s", reason)
	})
}
