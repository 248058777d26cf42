// Package capability defines the broker (System) that maps namespaced
// capability names to provider handles, and the generic call envelope every
// provider consumes. One System exists per kernel boot; there is no global
// singleton, so safe-mode and normal-mode runs never share state.
package capability

import (
	"context"
	"time"
)

// Request is the generic envelope for one capability call. The payload wire
// format belongs to the capability, not the kernel.
type Request struct {
	// Capability is the namespaced name being invoked, e.g. "storage.metadata".
	Capability string
	// Payload is the serialized argument blob.
	Payload []byte
	// Paths lists filesystem paths the call intends to touch, for
	// capabilities whose io_contract declares path checking. The
	// permission enforcer denies the call if any path falls outside the
	// owning plugin's declared allowlist.
	Paths []string
	// Write marks the call as needing write access to Paths.
	Write bool
	// Timeout overrides the default per-call deadline when positive.
	Timeout time.Duration
	// MaxResponseSize caps the response payload when positive.
	MaxResponseSize int
}

// Response is a successful call result.
type Response struct {
	Payload []byte
}

// Provider handles calls for one capability on behalf of one plugin.
// Implementations must be safe for concurrent use; the hosting runtime
// bounds per-host concurrency underneath.
type Provider interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, req Request) (Response, error)

// Invoke implements Provider.
func (f ProviderFunc) Invoke(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Hosting modes recorded on provider handles.
const (
	HostInproc     = "inproc"
	HostSubprocess = "subprocess"
)

// Health reports the live state of the host behind a provider: a state
// name for display plus whether the host can currently take calls.
type Health func() (state string, serving bool)

// Info tags a registered provider with its origin and ordering inputs.
type Info struct {
	PluginID string
	HostMode string
	// Health follows the backing host's lifecycle. Nil marks a placeholder
	// registration with no host behind it.
	Health Health
	// Priority is the manifest-declared provider priority; higher wins.
	Priority int
	// GPU and RawInput are informational permission flags carried through
	// unmodified for the scheduling layer.
	GPU      bool
	RawInput bool
}
