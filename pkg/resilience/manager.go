package resilience

import (
	"sort"
	"sync"
)

// Manager owns the named breakers of a process so their state can be
// reported together.
type Manager struct {
	mu       sync.Mutex
	defaults BreakerConfig
	opts     []BreakerOption
	breakers map[string]*Breaker
}

func NewManager(defaults BreakerConfig, opts ...BreakerOption) *Manager {
	return &Manager{
		defaults: defaults,
		opts:     opts,
		breakers: map[string]*Breaker{},
	}
}

// Breaker returns the named breaker, creating it with the manager defaults.
func (m *Manager) Breaker(name string) *Breaker {
	return m.Register(name, m.defaults)
}

// Register returns the named breaker, creating it with cfg when absent.
// An existing breaker keeps its original configuration.
func (m *Manager) Register(name string, cfg BreakerConfig) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, cfg, m.opts...)
	m.breakers[name] = b
	return b
}

func (m *Manager) States() []Snapshot {
	m.mu.Lock()
	list := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		list = append(list, b)
	}
	m.mu.Unlock()
	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
