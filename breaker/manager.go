package breaker

import (
	"sync"
	"time"
)

// Manager owns one Breaker per plugin name, created lazily on first use.
// This is the collaborator the Supervisor consults.
type Manager struct {
	mu        sync.Mutex
	threshold int
	timeout   time.Duration
	breakers  map[string]*Breaker
}

// NewManager constructs a Manager whose breakers all share threshold and
// timeout. Pass zero values to use DefaultThreshold/DefaultTimeout.
func NewManager(threshold int, timeout time.Duration) *Manager {
	return &Manager{
		threshold: threshold,
		timeout:   timeout,
		breakers:  make(map[string]*Breaker),
	}
}

func (m *Manager) get(name string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[name]
	if !ok {
		b = New(m.threshold, m.timeout)
		m.breakers[name] = b
	}
	return b
}

// AllowRequest reports whether name's breaker currently allows a request.
func (m *Manager) AllowRequest(name string) bool {
	return m.get(name).AllowRequest()
}

// RecordSuccess reports a success for name's breaker.
func (m *Manager) RecordSuccess(name string) {
	m.get(name).RecordSuccess()
}

// RecordFailure reports a failure for name's breaker.
func (m *Manager) RecordFailure(name string) {
	m.get(name).RecordFailure()
}

// State reports name's breaker's current state.
func (m *Manager) State(name string) State {
	return m.get(name).State()
}

// Remove drops name's breaker entirely, for use when a plugin is unloaded.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, name)
}
