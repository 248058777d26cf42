package host

import (
	"context"
	"errors"
	"time"

	"github.com/memexd/memex/internal/audit"
	"github.com/memexd/memex/internal/capability"
)

// Call routes one capability invocation to the host. It enforces the
// per-call deadline, bounds in-flight calls per host, counts crashes and
// timeouts against the circuit breaker, and maps transport failures to
// typed errors. The in-flight slot is held until the underlying carrier
// call returns even when the caller has already timed out, so an abandoned
// call cannot pile more work onto a struggling host.
func (h *Host) Call(ctx context.Context, req capability.Request) (capability.Response, error) {
	capName := req.Capability

	if !h.breaker.Allow() {
		return capability.Response{}, capability.NewCallError(
			capability.KindUnavailable, capName, h.PluginID, "circuit open")
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = h.rt.hosting.CallTimeout.Std()
	}

	// One timer covers queue wait plus the carrier call, so the caller's
	// deadline bounds total wall time.
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case h.sem <- struct{}{}:
	case <-ctx.Done():
		return capability.Response{}, ctx.Err()
	case <-timer.C:
		h.countFailure(capName, StateDegraded,
			audit.KindCallTimeout, "timed out queued behind in-flight calls after "+timeout.String())
		return capability.Response{}, capability.NewCallError(
			capability.KindTimeout, capName, h.PluginID, "queued behind in-flight calls for %s", timeout)
	}

	carrier, err := h.currentCarrier()
	if err != nil {
		<-h.sem
		return capability.Response{}, capability.NewCallError(
			capability.KindUnavailable, capName, h.PluginID, "host not running: %v", err)
	}

	type result struct {
		payload []byte
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() { <-h.sem }()
		payload, err := carrier.Invoke(capName, req.Payload, req.MaxResponseSize)
		ch <- result{payload: payload, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return capability.Response{}, h.mapCallError(capName, res.err)
		}
		if req.MaxResponseSize > 0 && len(res.payload) > req.MaxResponseSize {
			// inproc carriers are not bounded by the RPC client
			return capability.Response{}, capability.NewCallError(
				capability.KindSchemaInvalid, capName, h.PluginID,
				"response of %d bytes exceeds caller limit %d", len(res.payload), req.MaxResponseSize)
		}
		h.breaker.SetState(StateActive)
		return capability.Response{Payload: res.payload}, nil

	case <-ctx.Done():
		// Caller abandoned the call. The carrier goroutine keeps the
		// in-flight slot; a late transport failure still gets counted.
		go func() {
			if res := <-ch; res.err != nil {
				h.mapCallError(capName, res.err)
			}
		}()
		return capability.Response{}, ctx.Err()

	case <-timer.C:
		go func() { <-ch }()
		h.countFailure(capName, StateDegraded,
			audit.KindCallTimeout, "call timed out after "+timeout.String())
		return capability.Response{}, capability.NewCallError(
			capability.KindTimeout, capName, h.PluginID, "no response within %s", timeout)
	}
}

// mapCallError converts a carrier failure into a typed call error and does
// the breaker accounting for crash-class failures.
func (h *Host) mapCallError(capName string, err error) error {
	var ce *CarrierError
	if errors.As(err, &ce) {
		switch ce.Kind {
		case "schema_invalid":
			return capability.NewCallError(capability.KindSchemaInvalid, capName, h.PluginID, "%s", ce.Msg)
		default:
			return capability.NewCallError(capability.KindUnavailable, capName, h.PluginID, "%s", ce.Msg)
		}
	}

	// Anything else is a transport failure: the process died mid-call or
	// the rpc connection broke.
	h.countFailure(capName, StateCrashed, audit.KindHostCrashed, err.Error())
	h.stop()
	return capability.NewCallError(capability.KindCrashed, capName, h.PluginID, "%v", err)
}

func (h *Host) countFailure(capName string, to State, auditKind, detail string) {
	opened := h.breaker.RecordFailure(time.Now(), to)
	ev := audit.NewEvent(auditKind, h.PluginID, detail)
	ev.Capability = capName
	h.rt.rec.Record(ev)
	if opened {
		h.rt.log.Errorf("circuit opened for %s after repeated failures", h.PluginID)
		h.rt.rec.Record(audit.NewEvent(audit.KindCircuitOpened, h.PluginID, detail))
		h.stop()
	}
}

// Provider wraps the host as a capability provider for one entrypoint.
func (h *Host) Provider(capName string) capability.Provider {
	return capability.ProviderFunc(func(ctx context.Context, req capability.Request) (capability.Response, error) {
		req.Capability = capName
		return h.Call(ctx, req)
	})
}
