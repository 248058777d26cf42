package host

import (
	"context"
	"sync"
	"time"

	"github.com/memexd/memex/internal/audit"
	"github.com/memexd/memex/internal/config"
	"github.com/memexd/memex/internal/logging"
)

// Supervisor monitors subprocess hosts and restarts any that die. It runs a
// single background goroutine that ticks every interval (default 15s).
//
// Restart policy: exponential backoff between attempts, bounded by the
// breaker config. The circuit breaker, not the supervisor, decides when a
// host is beyond saving — once it opens, the supervisor stops touching the
// host and calls fail fast until the next reload.
type Supervisor struct {
	runtime  *Runtime
	interval time.Duration
	min      time.Duration
	max      time.Duration
	log      logging.Logger
	cancel   context.CancelFunc
	done     chan struct{}

	mu      sync.Mutex
	backoff map[string]*restartState
}

type restartState struct {
	attempts     int
	backoffUntil time.Time
}

// NewSupervisor creates a host supervisor.
func NewSupervisor(rt *Runtime, cfg config.BreakerConfig) *Supervisor {
	return &Supervisor{
		runtime:  rt,
		interval: 15 * time.Second,
		min:      cfg.MinBackoff.Std(),
		max:      cfg.MaxBackoff.Std(),
		log:      logging.Sub("host:supervisor"),
		backoff:  make(map[string]*restartState),
	}
}

// Start begins background monitoring.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
	s.log.Infof("started (interval: %s)", s.interval)
}

// Stop halts background monitoring and waits for the goroutine to exit.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.check()
		}
	}
}

func (s *Supervisor) check() {
	for _, h := range s.runtime.Hosts() {
		if h.Mode != capModeSubprocess {
			continue
		}
		switch h.State() {
		case StateCircuitOpen, StateStarting:
			continue
		}
		if !h.Exited() {
			s.clearBackoff(h.PluginID)
			continue
		}

		s.log.Warnf("host %s exited, scheduling restart", h.PluginID)
		opened := h.breaker.RecordFailure(time.Now(), StateCrashed)
		s.runtime.rec.Record(audit.NewEvent(audit.KindHostCrashed, h.PluginID, "process exited"))
		if opened {
			s.log.Errorf("circuit opened for %s, giving up until reload", h.PluginID)
			s.runtime.rec.Record(audit.NewEvent(audit.KindCircuitOpened, h.PluginID, "repeated crashes"))
			h.stop()
			continue
		}

		s.restart(h)
	}
}

func (s *Supervisor) restart(h *Host) {
	s.mu.Lock()
	st, ok := s.backoff[h.PluginID]
	if !ok {
		st = &restartState{}
		s.backoff[h.PluginID] = st
	}
	if time.Now().Before(st.backoffUntil) {
		s.mu.Unlock()
		return
	}
	st.attempts++

	// Exponential backoff: min, 2*min, 4*min ... capped at max.
	backoff := s.min
	for i := 1; i < st.attempts; i++ {
		backoff *= 2
		if backoff > s.max {
			backoff = s.max
			break
		}
	}
	st.backoffUntil = time.Now().Add(backoff)
	attempt := st.attempts
	s.mu.Unlock()

	s.log.Infof("restarting %s (attempt %d, next backoff %s)", h.PluginID, attempt, backoff)
	if err := h.restart(); err != nil {
		s.log.Errorf("restart of %s failed: %v", h.PluginID, err)
		return
	}
	s.log.Infof("host %s restarted", h.PluginID)
}

func (s *Supervisor) clearBackoff(pluginID string) {
	s.mu.Lock()
	delete(s.backoff, pluginID)
	s.mu.Unlock()
}
