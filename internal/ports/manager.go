// Package ports hands out TCP listener ports for hook connections from a
// small fixed pool, one per actively hooked window.
package ports

import (
	"errors"
	"fmt"
	"sync"
)

var ErrNoFreePorts = errors.New("no free ports in hook pool")

type Manager struct {
	mu       sync.Mutex
	base     int
	count    int
	byWindow map[string]int
	byPort   map[int]string
}

func NewManager(base, count int) (*Manager, error) {
	if base < 1024 || base > 65535 {
		return nil, fmt.Errorf("port base out of range: %d", base)
	}
	if count < 1 || base+count > 65536 {
		return nil, fmt.Errorf("port pool out of range: base %d count %d", base, count)
	}
	return &Manager{
		base:     base,
		count:    count,
		byWindow: map[string]int{},
		byPort:   map[int]string{},
	}, nil
}

// Allocate assigns the lowest free port in the pool to windowID. A window
// that already holds a port gets the same port back.
func (m *Manager) Allocate(windowID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if port, ok := m.byWindow[windowID]; ok {
		return port, nil
	}
	for port := m.base; port < m.base+m.count; port++ {
		if _, taken := m.byPort[port]; taken {
			continue
		}
		m.byWindow[windowID] = port
		m.byPort[port] = windowID
		return port, nil
	}
	return 0, fmt.Errorf("%w: all %d ports from %d allocated", ErrNoFreePorts, m.count, m.base)
}

// Release returns windowID's port to the free set. Releasing a window with
// no allocation is a no-op.
func (m *Manager) Release(windowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	port, ok := m.byWindow[windowID]
	if !ok {
		return
	}
	delete(m.byWindow, windowID)
	delete(m.byPort, port)
}

// Lookup reports the port currently held by windowID, if any.
func (m *Manager) Lookup(windowID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	port, ok := m.byWindow[windowID]
	return port, ok
}

// InUse returns the number of allocated ports.
func (m *Manager) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byPort)
}
