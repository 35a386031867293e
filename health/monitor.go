package health

import (
	"maps"
	"slices"
	"strings"
	"sync"
)

// Monitor keeps the latest status per relay URL. Failures accumulate
// until the relay connects again.
type Monitor struct {
	mu     sync.RWMutex
	relays map[string]Status
}

func NewMonitor() *Monitor {
	return &Monitor{relays: make(map[string]Status)}
}

// Update replaces the status of name
func (m *Monitor) Update(name string, s Status) {
	s.Component = name
	m.mu.Lock()
	m.relays[name] = s
	m.mu.Unlock()
}

func (m *Monitor) MarkConnected(name string) {
	m.Update(name, NewHealthy(name, "connected"))
}

// MarkDisconnected records a failed dial or a dropped connection. The
// error text is redacted before it is kept.
func (m *Monitor) MarkDisconnected(name string, err error) {
	msg := "disconnected"
	if err != nil {
		msg = redact(err.Error())
	}
	s := NewUnhealthy(name, msg)

	m.mu.Lock()
	defer m.mu.Unlock()
	s.Failures = m.relays[name].Failures + 1
	m.relays[name] = s
}

func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.relays[name]
	return s, ok
}

// GetAll returns a copy keyed by relay URL
func (m *Monitor) GetAll() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.relays)
}

func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	delete(m.relays, name)
	m.mu.Unlock()
}

// AggregateHealth is Aggregate over every tracked relay, ordered by URL
func (m *Monitor) AggregateHealth(component string) Status {
	m.mu.RLock()
	relays := slices.Collect(maps.Values(m.relays))
	m.mu.RUnlock()

	slices.SortFunc(relays, func(a, b Status) int {
		return strings.Compare(a.Component, b.Component)
	})
	return Aggregate(component, relays)
}
