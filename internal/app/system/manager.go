package system

import (
	"context"
	"fmt"
	"sync"
)

// Manager starts registered services in registration order and stops them in
// reverse. It keeps startup deterministic: the bus before its consumers, the
// consumers before the scheduler that feeds them.
type Manager struct {
	mu       sync.Mutex
	services []Service
	started  int
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a service. Names must be unique; registration after Start is
// rejected.
func (m *Manager) Register(service Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started > 0 {
		return fmt.Errorf("cannot register %s: manager already started", service.Name())
	}
	for _, existing := range m.services {
		if existing.Name() == service.Name() {
			return fmt.Errorf("service %s already registered", service.Name())
		}
	}
	m.services = append(m.services, service)
	return nil
}

// Start starts each service in registration order. On failure it stops the
// services that did start, in reverse, and returns the original error.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, service := range m.services {
		if err := m.startLocked(ctx, service); err != nil {
			m.stopLocked(ctx)
			return err
		}
	}
	return nil
}

// Stop stops started services in reverse order. Services that never started
// are skipped. The first stop error is returned after every service has been
// given the chance to shut down.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(ctx)
}

func (m *Manager) startLocked(ctx context.Context, service Service) error {
	if err := service.Start(ctx); err != nil {
		return fmt.Errorf("start %s: %w", service.Name(), err)
	}
	m.started++
	return nil
}

func (m *Manager) stopLocked(ctx context.Context) error {
	var firstErr error
	for i := m.started - 1; i >= 0; i-- {
		if err := m.services[i].Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop %s: %w", m.services[i].Name(), err)
		}
	}
	m.started = 0
	return firstErr
}
