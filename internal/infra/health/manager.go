// Package health aggregates per-component liveness checks (feed listener,
// provider link, queue client, Redis) into one probe surface.
package health

import (
	"sync"

	"fxcore/internal/core"
)

// Manager implements core.IHealthMonitor over a registry of named checks.
type Manager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
}

func NewManager(logger core.ILogger) *Manager {
	m := &Manager{checks: make(map[string]func() error)}
	if logger != nil {
		m.logger = logger.WithField("component", "health_manager")
	}
	return m
}

// Register adds or replaces the check for a component.
func (m *Manager) Register(component string, check func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
	if m.logger != nil {
		m.logger.Debug("Health check registered", "check", component)
	}
}

// GetStatus runs every check and reports per-component state.
func (m *Manager) GetStatus() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]string, len(m.checks))
	for component, check := range m.checks {
		if err := check(); err != nil {
			status[component] = "Unhealthy: " + err.Error()
		} else {
			status[component] = "Healthy"
		}
	}
	return status
}

// IsHealthy reports whether every registered check passes. An empty
// registry is healthy: components register as they start.
func (m *Manager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for component, check := range m.checks {
		if err := check(); err != nil {
			if m.logger != nil {
				m.logger.Warn("Health check failing", "check", component, "error", err)
			}
			return false
		}
	}
	return true
}
