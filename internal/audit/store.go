package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure Go sqlite driver, no CGO

	"github.com/memexd/memex/internal/audit/migrations"
	"github.com/memexd/memex/internal/capability"
	"github.com/memexd/memex/internal/logging"
)

// Journal capability names the trail forwards to when providers exist.
const (
	JournalCapability = "journal.writer"
	LedgerCapability  = "ledger.writer"
)

const forwardTimeout = 5 * time.Second

// Trail is the sqlite-backed audit recorder.
type Trail struct {
	db  *sql.DB
	log logging.Logger

	mu     sync.RWMutex
	system *capability.System // nil until boot hands one over
}

// Open creates (or opens) the audit spool at dir/audit.db.
func Open(dir string) (*Trail, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	path := filepath.Join(dir, "audit.db")

	// Single connection: sqlite does not handle concurrent writers well,
	// so all spool access serializes through it.
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping audit db: %w", err)
	}
	if err := migrations.Run(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}

	return &Trail{db: db, log: logging.Sub("audit")}, nil
}

// Close closes the spool.
func (t *Trail) Close() error {
	return t.db.Close()
}

// AttachSystem connects the trail to a booted capability registry so events
// can be forwarded to journal/ledger providers. Called after every boot or
// reload with the fresh System.
func (t *Trail) AttachSystem(s *capability.System) {
	t.mu.Lock()
	t.system = s
	t.mu.Unlock()
}

// Record implements Recorder. Spool failures are logged and dropped:
// auditing must never block or fail a trust decision.
func (t *Trail) Record(ev Event) {
	_, err := t.db.Exec(
		`INSERT INTO audit_events (id, time, kind, plugin_id, capability, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Time.Format(time.RFC3339Nano), ev.Kind, ev.PluginID, ev.Capability, ev.Detail,
	)
	if err != nil {
		t.log.Errorf("spool write failed: %v", err)
	}

	t.forward(ev)
}

// forward hands the event to journal.writer (and security-relevant kinds to
// ledger.writer) when healthy providers exist. Missing capabilities are
// normal during early boot and are not an error.
func (t *Trail) forward(ev Event) {
	t.mu.RLock()
	sys := t.system
	t.mu.RUnlock()
	if sys == nil {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}

	targets := []string{JournalCapability}
	switch ev.Kind {
	case KindHashMismatch, KindCircuitOpened, KindIntegrityDrift, KindPermissionDenied:
		targets = append(targets, LedgerCapability)
	}

	for _, name := range targets {
		p, err := sys.Get(name)
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
		_, err = p.Invoke(ctx, capability.Request{Capability: name, Payload: payload})
		cancel()
		if err != nil {
			t.log.Warnf("forward to %s failed: %v", name, err)
		}
	}
}

// Recent returns up to limit most recent events, newest first.
func (t *Trail) Recent(limit int) ([]Event, error) {
	rows, err := t.db.Query(
		`SELECT id, time, kind, plugin_id, capability, detail FROM audit_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var ts string
		if err := rows.Scan(&ev.ID, &ts, &ev.Kind, &ev.PluginID, &ev.Capability, &ev.Detail); err != nil {
			return nil, err
		}
		ev.Time, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}
