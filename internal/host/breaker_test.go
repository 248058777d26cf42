package host

import (
	"testing"
	"time"

	"github.com/memexd/memex/internal/config"
)

func testBreakerConfig() config.BreakerConfig {
	return config.BreakerConfig{
		Threshold:  3,
		Window:     config.Duration(1 * time.Hour),
		MinBackoff: config.Duration(10 * time.Second),
		MaxBackoff: config.Duration(5 * time.Minute),
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := NewBreaker(testBreakerConfig())
	now := time.Now()

	if opened := b.RecordFailure(now, StateCrashed); opened {
		t.Fatal("opened after 1 failure, threshold is 3")
	}
	if b.State() != StateCrashed {
		t.Errorf("state = %s, want crashed", b.State())
	}

	if opened := b.RecordFailure(now.Add(time.Minute), StateDegraded); opened {
		t.Fatal("opened after 2 failures")
	}

	opened := b.RecordFailure(now.Add(2*time.Minute), StateCrashed)
	if !opened {
		t.Fatal("did not open at threshold")
	}
	if b.State() != StateCircuitOpen {
		t.Errorf("state = %s, want circuit_open", b.State())
	}
	if b.Allow() {
		t.Error("Allow() = true with open circuit")
	}
}

func TestBreakerWindowExpiry(t *testing.T) {
	b := NewBreaker(testBreakerConfig())
	now := time.Now()

	// Two old failures that fall out of the window before the third.
	b.RecordFailure(now.Add(-2*time.Hour), StateCrashed)
	b.RecordFailure(now.Add(-90*time.Minute), StateCrashed)

	if opened := b.RecordFailure(now, StateCrashed); opened {
		t.Fatal("opened on failures outside the rolling window")
	}
	if got := b.WindowFailures(now); got != 1 {
		t.Errorf("WindowFailures = %d, want 1", got)
	}
	if got := b.TotalFailures(); got != 3 {
		t.Errorf("TotalFailures = %d, want 3", got)
	}
}

func TestBreakerOpenIsTerminal(t *testing.T) {
	b := NewBreaker(testBreakerConfig())
	now := time.Now()
	for i := 0; i < 3; i++ {
		b.RecordFailure(now, StateCrashed)
	}
	if b.State() != StateCircuitOpen {
		t.Fatal("breaker should be open")
	}

	b.SetState(StateActive)
	if b.State() != StateCircuitOpen {
		t.Error("SetState escaped an open circuit")
	}
	if opened := b.RecordFailure(now, StateCrashed); opened {
		t.Error("RecordFailure reported reopening an already open circuit")
	}
}

func TestBreakerSetState(t *testing.T) {
	b := NewBreaker(testBreakerConfig())
	if b.State() != StateStarting {
		t.Errorf("initial state = %s, want starting", b.State())
	}
	b.SetState(StateActive)
	if b.State() != StateActive {
		t.Errorf("state = %s, want active", b.State())
	}
	if !b.Allow() {
		t.Error("Allow() = false for active host")
	}
}
