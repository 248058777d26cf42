package host

import (
	"sync"
	"time"

	"github.com/memexd/memex/internal/config"
)

// State is a host lifecycle state.
type State int

const (
	StateStarting State = iota
	StateActive
	StateDegraded
	StateCrashed
	StateRestarting
	StateCircuitOpen
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateCrashed:
		return "crashed"
	case StateRestarting:
		return "restarting"
	case StateCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Breaker tracks a host's lifecycle state and its failures over a rolling
// window. Once failures inside the window reach the threshold the breaker
// opens and stays open for the process lifetime; only a full reload resets
// it. A crash and a timeout count the same.
type Breaker struct {
	threshold int
	window    time.Duration

	mu       sync.Mutex
	state    State
	failures []time.Time
	total    int
}

func NewBreaker(cfg config.BreakerConfig) *Breaker {
	return &Breaker{
		threshold: cfg.Threshold,
		window:    cfg.Window.Std(),
		state:     StateStarting,
	}
}

// State returns the current lifecycle state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether calls may be routed to the host.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state != StateCircuitOpen
}

// SetState moves the breaker to s. An open circuit is terminal: once open,
// no transition leaves it.
func (b *Breaker) SetState(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateCircuitOpen {
		return
	}
	b.state = s
}

// RecordFailure logs one crash or timeout at now, moves the host to the
// given state, and reports whether the circuit just opened.
func (b *Breaker) RecordFailure(now time.Time, to State) (opened bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateCircuitOpen {
		return false
	}

	b.total++
	b.failures = append(b.failures, now)
	b.prune(now)

	if len(b.failures) >= b.threshold {
		b.state = StateCircuitOpen
		return true
	}
	b.state = to
	return false
}

// WindowFailures returns the failure count inside the current window.
func (b *Breaker) WindowFailures(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(now)
	return len(b.failures)
}

// TotalFailures returns the failure count since the breaker was created.
// Capability ordering uses it to demote flappy providers.
func (b *Breaker) TotalFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

func (b *Breaker) prune(now time.Time) {
	cut := now.Add(-b.window)
	i := 0
	for i < len(b.failures) && b.failures[i].Before(cut) {
		i++
	}
	b.failures = b.failures[i:]
}
