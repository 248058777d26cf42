package capability

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func nopProvider(tag string) Provider {
	return ProviderFunc(func(ctx context.Context, req Request) (Response, error) {
		return Response{Payload: []byte(tag)}, nil
	})
}

func tagOf(t *testing.T, p Provider) string {
	t.Helper()
	resp, err := p.Invoke(context.Background(), Request{})
	if err != nil {
		t.Fatal(err)
	}
	return string(resp.Payload)
}

type fakeHistory map[string]int

func (h fakeHistory) Failures(pluginID string) int { return h[pluginID] }

// ---------------------------------------------------------------------------
// Lookup
// ---------------------------------------------------------------------------

func TestGet_MissingCapabilityIsNamedError(t *testing.T) {
	s := NewSystem(nil)
	s.Seal()

	_, err := s.Get("storage.metadata")
	var missing *MissingError
	if !errors.As(err, &missing) {
		t.Fatalf("err = %v, want *MissingError", err)
	}
	if missing.Name != "storage.metadata" {
		t.Errorf("Name = %q, want the requested capability", missing.Name)
	}
}

func TestHasAndNames(t *testing.T) {
	s := NewSystem(nil)
	if err := s.Register("storage.metadata", nopProvider("a"), Info{PluginID: "mx.a"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Register("capture.screen", nopProvider("b"), Info{PluginID: "mx.b"}); err != nil {
		t.Fatal(err)
	}
	s.Seal()

	if !s.Has("storage.metadata") || s.Has("nope.capability") {
		t.Error("Has gave wrong answers")
	}
	names := s.Names()
	if len(names) != 2 || names[0] != "capture.screen" || names[1] != "storage.metadata" {
		t.Errorf("Names = %v", names)
	}
}

// ---------------------------------------------------------------------------
// Ordering
// ---------------------------------------------------------------------------

func TestOrdering_PriorityThenLexical(t *testing.T) {
	s := NewSystem(nil)
	// Registered out of order on purpose.
	s.Register("storage.metadata", nopProvider("low"), Info{PluginID: "mx.aaa", Priority: 1})
	s.Register("storage.metadata", nopProvider("high"), Info{PluginID: "mx.zzz", Priority: 5})
	s.Register("storage.metadata", nopProvider("mid"), Info{PluginID: "mx.bbb", Priority: 1})
	s.Seal()

	handles := s.Providers("storage.metadata")
	want := []string{"high", "low", "mid"}
	for i, w := range want {
		if got := tagOf(t, handles[i].Provider); got != w {
			t.Errorf("providers[%d] = %s, want %s", i, got, w)
		}
	}
}

func TestOrdering_FailureHistoryPenalty(t *testing.T) {
	history := fakeHistory{"mx.aaa": 4, "mx.bbb": 0}
	s := NewSystem(history)
	s.Register("storage.metadata", nopProvider("flaky"), Info{PluginID: "mx.aaa"})
	s.Register("storage.metadata", nopProvider("steady"), Info{PluginID: "mx.bbb"})
	s.Seal()

	p, err := s.Get("storage.metadata")
	if err != nil {
		t.Fatal(err)
	}
	if tagOf(t, p) != "steady" {
		t.Error("failure-history penalty did not demote the flaky provider")
	}
}

func TestOrdering_FailureHistoryNeverOverridesPriority(t *testing.T) {
	history := fakeHistory{"mx.primary": 1, "mx.backup": 0}
	s := NewSystem(history)
	s.Register("storage.metadata", nopProvider("primary"), Info{PluginID: "mx.primary", Priority: 5})
	s.Register("storage.metadata", nopProvider("backup"), Info{PluginID: "mx.backup", Priority: 0})
	s.Seal()

	p, err := s.Get("storage.metadata")
	if err != nil {
		t.Fatal(err)
	}
	if tagOf(t, p) != "primary" {
		t.Error("recorded failures demoted a provider below a lower-priority one")
	}
}

func TestHandle_ServingFollowsHostHealth(t *testing.T) {
	serving := true
	h := Handle{Info: Info{
		PluginID: "mx.a",
		Health:   func() (string, bool) { return "active", serving },
	}}
	if !h.Serving() {
		t.Error("healthy handle reported not serving")
	}
	serving = false
	if h.Serving() {
		t.Error("unhealthy handle reported serving")
	}
	if (Handle{}).Serving() {
		t.Error("handle without a backing host reported serving")
	}
}

func TestOrdering_IdenticalRegistrationIsIdempotent(t *testing.T) {
	build := func() *System {
		s := NewSystem(nil)
		s.Register("storage.metadata", nopProvider("a"), Info{PluginID: "mx.a", Priority: 2})
		s.Register("storage.metadata", nopProvider("b"), Info{PluginID: "mx.b", Priority: 2})
		s.Register("journal.writer", nopProvider("j"), Info{PluginID: "mx.j"})
		s.Seal()
		return s
	}

	first, second := build(), build()
	for _, name := range first.Names() {
		a, b := first.Providers(name), second.Providers(name)
		if len(a) != len(b) {
			t.Fatalf("%s: provider counts differ", name)
		}
		for i := range a {
			if a[i].Info.PluginID != b[i].Info.PluginID {
				t.Errorf("%s[%d]: %s vs %s", name, i, a[i].Info.PluginID, b[i].Info.PluginID)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Mutation rules
// ---------------------------------------------------------------------------

func TestRegister_AfterSealFails(t *testing.T) {
	s := NewSystem(nil)
	s.Seal()

	if err := s.Register("storage.metadata", nopProvider("x"), Info{PluginID: "mx.a"}); err == nil {
		t.Error("Register succeeded on a sealed registry")
	}
}

func TestReadPath_ConcurrentAccess(t *testing.T) {
	s := NewSystem(nil)
	s.Register("storage.metadata", nopProvider("a"), Info{PluginID: "mx.a"})
	s.Seal()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if _, err := s.Get("storage.metadata"); err != nil {
					t.Error(err)
					return
				}
				_ = s.Has("storage.metadata")
			}
		}()
	}
	wg.Wait()
}
