// Package hook owns the injected-script transport: it triggers injection,
// listens for the script's dial-back, performs the ready handshake, runs
// commands, and ingests heartbeats.
package hook

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"warden/internal/config"
	"warden/internal/ports"
)

// HeartbeatFunc receives every heartbeat frame for a window.
type HeartbeatFunc func(windowID string, hb Heartbeat)

// DownFunc is invoked once when a window's connection goes down.
type DownFunc func(windowID string, reason error)

type Manager struct {
	cfg      config.Config
	ports    *ports.Manager
	injector Injector
	logger   *zap.Logger

	onHeartbeat HeartbeatFunc
	onDown      DownFunc

	mu        sync.Mutex
	conns     map[string]*Connection
	listeners map[string]net.Listener
	closed    bool
}

func NewManager(cfg config.Config, portMgr *ports.Manager, injector Injector, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:         cfg,
		ports:       portMgr,
		injector:    injector,
		logger:      logger,
		onHeartbeat: func(string, Heartbeat) {},
		onDown:      func(string, error) {},
		conns:       map[string]*Connection{},
		listeners:   map[string]net.Listener{},
	}
}

// SetObservers wires the heartbeat and disconnect sinks. Must be called
// before the first InjectHook.
func (m *Manager) SetObservers(onHeartbeat HeartbeatFunc, onDown DownFunc) {
	if onHeartbeat != nil {
		m.onHeartbeat = onHeartbeat
	}
	if onDown != nil {
		m.onDown = onDown
	}
}

// InjectHook installs the hook into the window's instance and blocks until
// the ready handshake completes or fails. A window that is already
// connected keeps its hook; the call returns the existing port.
func (m *Manager) InjectHook(ctx context.Context, pid int, windowID string) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrCancelled
	}
	if existing := m.conns[windowID]; existing != nil && existing.State() == StateConnected {
		port := existing.Port()
		m.mu.Unlock()
		return port, nil
	}
	m.mu.Unlock()

	port, err := m.ports.Allocate(windowID)
	if err != nil {
		return 0, fmt.Errorf("allocate hook port: %w", err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		if strings.Contains(err.Error(), "address already in use") {
			// A foreign process holds the port; give it back so the next
			// attempt draws a different one.
			m.ports.Release(windowID)
			return 0, fmt.Errorf("%w: %d", ErrPortInUse, port)
		}
		return 0, fmt.Errorf("hook listener: %w", err)
	}

	conn := newConnection(windowID, port, m.logger,
		func(hb Heartbeat) { m.onHeartbeat(windowID, hb) },
		func(reason error) {
			m.logger.Info("hook down", zap.String("window", windowID), zap.Error(reason))
			m.onDown(windowID, reason)
		},
	)

	m.mu.Lock()
	if old := m.conns[windowID]; old != nil {
		go old.closeWith(ErrCancelled)
	}
	if oldLn := m.listeners[windowID]; oldLn != nil {
		_ = oldLn.Close()
	}
	m.conns[windowID] = conn
	m.listeners[windowID] = listener
	m.mu.Unlock()

	go m.acceptOne(windowID, listener, conn)

	if err := m.injector.Inject(ctx, RenderScript(port), pid); err != nil {
		// The port stays allocated: re-injection for the same window
		// reuses it.
		m.drop(windowID, ErrCancelled)
		return 0, err
	}
	conn.markListening()

	select {
	case <-conn.ready:
		return port, nil
	case <-ctx.Done():
		m.drop(windowID, ErrCancelled)
		return 0, ctx.Err()
	case <-time.After(m.cfg.HandshakeTimeout):
		m.drop(windowID, ErrCancelled)
		return 0, fmt.Errorf("%w after %s", ErrHandshake, m.cfg.HandshakeTimeout)
	}
}

func (m *Manager) acceptOne(windowID string, listener net.Listener, conn *Connection) {
	sock, err := listener.Accept()
	// One live hook per window: stop listening once the script dialed in.
	_ = listener.Close()
	if err != nil {
		if !errors.Is(err, net.ErrClosed) {
			m.logger.Debug("hook accept failed", zap.String("window", windowID), zap.Error(err))
		}
		return
	}
	conn.adopt(sock)
}

// RunCommand evaluates source inside the window's instance and returns the
// result text. Exactly one command may be outstanding per connection.
func (m *Manager) RunCommand(ctx context.Context, windowID string, source string) (string, error) {
	m.mu.Lock()
	conn := m.conns[windowID]
	m.mu.Unlock()
	if conn == nil {
		return "", fmt.Errorf("%w: no hook for window %s", ErrNotConnected, windowID)
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.CommandTimeout)
	defer cancel()
	return conn.RunCommand(ctx, source)
}

// Connected reports whether the window currently has a live hook.
func (m *Manager) Connected(windowID string) bool {
	m.mu.Lock()
	conn := m.conns[windowID]
	m.mu.Unlock()
	return conn != nil && conn.State() == StateConnected
}

// Drop tears down the window's connection but keeps its port so a fresh
// injection can reuse it. Re-injection is caller-initiated, never automatic.
func (m *Manager) Drop(windowID string) {
	m.drop(windowID, ErrCancelled)
}

// ReleaseWindow tears down the connection and returns the port to the pool.
// Called when the window itself goes away.
func (m *Manager) ReleaseWindow(windowID string) {
	m.drop(windowID, ErrCancelled)
	m.ports.Release(windowID)
}

// Shutdown cancels every connection. Outstanding commands fail with the
// cancelled error rather than hanging.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	listeners := make([]net.Listener, 0, len(m.listeners))
	for _, ln := range m.listeners {
		listeners = append(listeners, ln)
	}
	m.conns = map[string]*Connection{}
	m.listeners = map[string]net.Listener{}
	m.mu.Unlock()

	for _, ln := range listeners {
		_ = ln.Close()
	}
	for _, c := range conns {
		c.closeWith(ErrCancelled)
	}
}

func (m *Manager) drop(windowID string, reason error) {
	m.mu.Lock()
	conn := m.conns[windowID]
	listener := m.listeners[windowID]
	delete(m.conns, windowID)
	delete(m.listeners, windowID)
	m.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
	if conn != nil {
		conn.closeWith(reason)
	}
}
