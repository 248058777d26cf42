package capability

import "fmt"

// Kind classifies a failed capability call. Callers branch on the kind, not
// on error strings.
type Kind string

const (
	KindTimeout          Kind = "timeout"
	KindCrashed          Kind = "crashed"
	KindPermissionDenied Kind = "permission_denied"
	KindSchemaInvalid    Kind = "schema_invalid"
	KindUnavailable      Kind = "unavailable"
)

// CallError is the typed failure of one capability call. Internal detail
// stays in Msg; surfaces beyond the kernel should show only Kind, Capability
// and PluginID.
type CallError struct {
	Kind       Kind
	Capability string
	PluginID   string
	Msg        string
}

func (e *CallError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %s (plugin %s)", e.Capability, e.Kind, e.PluginID)
	}
	return fmt.Sprintf("%s: %s (plugin %s): %s", e.Capability, e.Kind, e.PluginID, e.Msg)
}

// NewCallError builds a typed call failure.
func NewCallError(kind Kind, capability, pluginID, format string, args ...any) *CallError {
	return &CallError{
		Kind:       kind,
		Capability: capability,
		PluginID:   pluginID,
		Msg:        fmt.Sprintf(format, args...),
	}
}

// IsKind reports whether err is a CallError of the given kind.
func IsKind(err error, kind Kind) bool {
	ce, ok := err.(*CallError)
	return ok && ce.Kind == kind
}

// MissingError is returned by Get for a capability with no registered
// provider. It carries the requested name so callers can report it without
// string matching.
type MissingError struct {
	Name string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("no provider registered for capability %s", e.Name)
}
