// Package audit records every trust decision the kernel makes: admissions,
// hash-lock failures, host crashes, circuit transitions, and reloads.
// Events land in a local sqlite spool so a decision trail survives even
// when no journal plugin is admitted, and are forwarded to the
// journal.writer / ledger.writer capabilities once healthy providers exist.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Event kinds.
const (
	KindPluginAdmitted   = "plugin_admitted"
	KindPluginRejected   = "plugin_rejected"
	KindHashMismatch     = "hash_mismatch"
	KindHostStarted      = "host_started"
	KindHostCrashed      = "host_crashed"
	KindHostRestarted    = "host_restarted"
	KindCallTimeout      = "call_timeout"
	KindCircuitOpened    = "circuit_opened"
	KindIntegrityDrift   = "integrity_drift"
	KindReload           = "reload"
	KindBootSummary      = "boot_summary"
	KindPermissionDenied = "permission_denied"
)

// Event is one audited kernel decision. Detail is the structured reason;
// raw internal error text never goes further than Detail.
type Event struct {
	ID         string    `json:"id"`
	Time       time.Time `json:"time"`
	Kind       string    `json:"kind"`
	PluginID   string    `json:"plugin_id,omitempty"`
	Capability string    `json:"capability,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// NewEvent builds an event with a time-ordered UUIDv7 id.
func NewEvent(kind, pluginID, detail string) Event {
	return Event{
		ID:       uuid.Must(uuid.NewV7()).String(),
		Time:     time.Now().UTC(),
		Kind:     kind,
		PluginID: pluginID,
		Detail:   detail,
	}
}

// Recorder accepts audit events. Recording must never block a trust
// decision: implementations log-and-drop on persistent failure rather than
// propagating errors into admission paths.
type Recorder interface {
	Record(ev Event)
}

// Nop is a Recorder that discards everything. Used in tests.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(Event) {}
