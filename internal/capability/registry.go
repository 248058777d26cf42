package capability

import (
	"fmt"
	"sort"
	"sync"
)

// FailureHistory reports recorded failures per plugin. When attached to a
// System, providers with fewer historical failures order first among equal
// priority and id rank.
type FailureHistory interface {
	Failures(pluginID string) int
}

// Handle is one registered provider with its tags.
type Handle struct {
	Provider Provider
	Info     Info
}

// Serving reports whether a live, callable host currently backs the
// provider. Placeholder registrations report false.
func (h Handle) Serving() bool {
	if h.Info.Health == nil {
		return false
	}
	_, ok := h.Info.Health()
	return ok
}

// System is the capability broker handed out by kernel boot: the sole means
// for CLI/API layers to reach plugin functionality. Registration is
// append-only during boot; Seal freezes the registry, after which the read
// path is safe for concurrent use. Post-boot changes happen only by booting
// a fresh System and swapping it in atomically.
type System struct {
	mu      sync.RWMutex
	sealed  bool
	records map[string][]Handle
	history FailureHistory
}

// NewSystem creates an empty broker. history may be nil to disable
// failure-history ordering.
func NewSystem(history FailureHistory) *System {
	return &System{
		records: make(map[string][]Handle),
		history: history,
	}
}

// Register appends a provider for the named capability. Capability names are
// not unique per provider: multiple plugins may offer the same capability.
// Registering on a sealed System is a programming error and fails loudly.
func (s *System) Register(name string, p Provider, info Info) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed {
		return fmt.Errorf("register %s: registry sealed after boot", name)
	}
	if name == "" || p == nil {
		return fmt.Errorf("register: empty capability name or nil provider")
	}
	s.records[name] = append(s.records[name], Handle{Provider: p, Info: info})
	return nil
}

// Seal freezes the registry and fixes the deterministic base ordering:
// declared priority descending, then plugin_id lexical. Failure-history
// penalties, when enabled, apply on top at read time as a stable re-sort.
func (s *System) Seal() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, handles := range s.records {
		sort.SliceStable(handles, func(i, j int) bool {
			if handles[i].Info.Priority != handles[j].Info.Priority {
				return handles[i].Info.Priority > handles[j].Info.Priority
			}
			return handles[i].Info.PluginID < handles[j].Info.PluginID
		})
		s.records[name] = handles
	}
	s.sealed = true
}

// Has reports whether at least one provider is registered for name.
func (s *System) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[name]) > 0
}

// Get returns the selected provider for name, or a *MissingError carrying
// the requested name.
func (s *System) Get(name string) (Provider, error) {
	handles, err := s.ordered(name)
	if err != nil {
		return nil, err
	}
	return handles[0].Provider, nil
}

// GetHandle is Get with the provider's tags included.
func (s *System) GetHandle(name string) (Handle, error) {
	handles, err := s.ordered(name)
	if err != nil {
		return Handle{}, err
	}
	return handles[0], nil
}

// Providers returns every provider handle for name in selection order.
func (s *System) Providers(name string) []Handle {
	handles, err := s.ordered(name)
	if err != nil {
		return nil
	}
	return handles
}

// Names returns every registered capability name, sorted.
func (s *System) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.records))
	for name := range s.records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *System) ordered(name string) ([]Handle, error) {
	s.mu.RLock()
	base := s.records[name]
	history := s.history
	s.mu.RUnlock()

	if len(base) == 0 {
		return nil, &MissingError{Name: name}
	}
	if history == nil || len(base) == 1 {
		return base, nil
	}

	// Failure history demotes only among providers of equal declared
	// priority; the stable sort keeps the sealed plugin_id order as the
	// final tiebreak.
	out := make([]Handle, len(base))
	copy(out, base)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Info.Priority != out[j].Info.Priority {
			return out[i].Info.Priority > out[j].Info.Priority
		}
		return history.Failures(out[i].Info.PluginID) < history.Failures(out[j].Info.PluginID)
	})
	return out, nil
}
