package hook

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
)

// ConnState is the per-window transport state machine.
type ConnState string

const (
	StateUninjected   ConnState = "uninjected"
	StateInjecting    ConnState = "injecting"
	StateListening    ConnState = "listening"
	StateHandshaking  ConnState = "handshaking"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateCancelled    ConnState = "cancelled"
)

const maxFrameBytes = 1 << 20

type commandResult struct {
	text string
	err  error
}

// Connection owns one window's hook socket. At most one command may be in
// flight: the pending slot is a single one-shot channel, so a second
// concurrent RunCommand fails fast instead of queueing silently.
type Connection struct {
	windowID string
	port     int
	logger   *zap.Logger

	onHeartbeat func(Heartbeat)
	onDown      func(reason error)

	ready chan struct{}

	mu      sync.Mutex
	state   ConnState
	conn    net.Conn
	pending chan commandResult
	closed  bool
}

func newConnection(windowID string, port int, logger *zap.Logger, onHeartbeat func(Heartbeat), onDown func(error)) *Connection {
	return &Connection{
		windowID:    windowID,
		port:        port,
		logger:      logger,
		onHeartbeat: onHeartbeat,
		onDown:      onDown,
		ready:       make(chan struct{}),
		state:       StateInjecting,
	}
}

func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) Port() int { return c.port }

// markListening records that injection was triggered and the listener is
// waiting for the script to dial back.
func (c *Connection) markListening() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateInjecting {
		c.state = StateListening
	}
}

// adopt takes ownership of the accepted socket and starts the read loop.
func (c *Connection) adopt(conn net.Conn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.state = StateHandshaking
	c.mu.Unlock()
	go c.readLoop(conn)
}

func (c *Connection) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		frame := ParseFrame(scanner.Text())
		switch frame.Kind {
		case FrameReady:
			c.markConnected()
		case FrameHeartbeat:
			c.onHeartbeat(frame.Heartbeat)
		case FrameResult:
			c.deliver(frame.Result)
		}
	}
	if err := scanner.Err(); err != nil {
		c.closeWith(fmt.Errorf("%w: %v", ErrConnectionLost, err))
		return
	}
	c.closeWith(ErrConnectionLost)
}

func (c *Connection) markConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnected {
		// The script re-sends ready when re-evaluated; harmless.
		c.logger.Debug("duplicate ready ignored", zap.String("window", c.windowID))
		return
	}
	if c.closed {
		return
	}
	c.state = StateConnected
	close(c.ready)
	c.logger.Info("hook connected", zap.String("window", c.windowID), zap.Int("port", c.port))
}

func (c *Connection) deliver(text string) {
	c.mu.Lock()
	slot := c.pending
	c.pending = nil
	c.mu.Unlock()
	if slot == nil {
		c.logger.Debug("result frame with no command pending",
			zap.String("window", c.windowID), zap.Int("bytes", len(text)))
		return
	}
	slot <- commandResult{text: text}
}

// RunCommand sends one command frame and blocks until the next result frame
// arrives, the context expires, or the connection goes down.
func (c *Connection) RunCommand(ctx context.Context, source string) (string, error) {
	c.mu.Lock()
	if c.closed || c.state != StateConnected {
		c.mu.Unlock()
		return "", fmt.Errorf("%w: window %s is %s", ErrNotConnected, c.windowID, c.state)
	}
	if c.pending != nil {
		c.mu.Unlock()
		return "", fmt.Errorf("%w: window %s", ErrCommandInFlight, c.windowID)
	}
	slot := make(chan commandResult, 1)
	c.pending = slot
	conn := c.conn
	c.mu.Unlock()

	if err := WriteCommand(conn, source); err != nil {
		c.clearPending(slot)
		c.closeWith(fmt.Errorf("%w: %v", ErrConnectionLost, err))
		return "", fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	select {
	case <-ctx.Done():
		c.clearPending(slot)
		return "", ctx.Err()
	case res := <-slot:
		return res.text, res.err
	}
}

func (c *Connection) clearPending(slot chan commandResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == slot {
		c.pending = nil
	}
}

// closeWith tears the connection down exactly once. An outstanding command
// is resolved with the teardown reason rather than left pending.
func (c *Connection) closeWith(reason error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if isCancelled(reason) {
		c.state = StateCancelled
	} else {
		c.state = StateDisconnected
	}
	if c.pending != nil {
		c.pending <- commandResult{err: reason}
		c.pending = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.onDown(reason)
}

func isCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
