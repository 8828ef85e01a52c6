package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const (
	stateConnecting int32 = iota
	stateOpen
	stateClosing
	stateClosed
)

const (
	defaultSendBuffer  = 64
	controlSendTimeout = 5 * time.Second
	// Close codes shared by both transports.
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
)

// writeFunc delivers one frame on the underlying transport.
type writeFunc func(ctx context.Context, frame *Frame) error

// closeFunc tears down the underlying transport.
type closeFunc func(code int, reason string)

// Connection is one realtime client. Its state moves one way through
// connecting, open, closing, closed. All transport writes happen on a single
// writer goroutine draining the send channel; callers never touch the socket.
type Connection struct {
	ID       string
	Identity *Identity

	ConnectedAt  time.Time
	lastActivity atomic.Int64
	alive        atomic.Bool
	state        atomic.Int32
	dropped      atomic.Uint64

	sendCh chan *Frame
	done   chan struct{}

	mu            sync.Mutex
	subscriptions map[string]struct{}

	write writeFunc
	close closeFunc
}

func newConnection(id string, identity *Identity, write writeFunc, close closeFunc) *Connection {
	c := &Connection{
		ID:            id,
		Identity:      identity,
		ConnectedAt:   time.Now(),
		sendCh:        make(chan *Frame, defaultSendBuffer),
		done:          make(chan struct{}),
		subscriptions: make(map[string]struct{}),
		write:         write,
		close:         close,
	}
	c.state.Store(stateConnecting)
	c.alive.Store(true)
	c.touch()
	return c
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
	c.alive.Store(true)
}

func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Open moves the connection into the open state. Subscribe and broadcast are
// only valid while open.
func (c *Connection) Open() {
	c.state.CompareAndSwap(stateConnecting, stateOpen)
}

func (c *Connection) IsOpen() bool {
	return c.state.Load() == stateOpen
}

// Dropped reports notification frames discarded under backpressure.
func (c *Connection) Dropped() uint64 {
	return c.dropped.Load()
}

// Send queues a notification frame. When the buffer is full the frame is
// dropped and counted; a slow widget must not stall the hub.
func (c *Connection) Send(frame *Frame) bool {
	if !c.IsOpen() {
		return false
	}
	select {
	case c.sendCh <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.dropped.Add(1)
		return false
	}
}

// SendControl queues a protocol frame. Control frames are always attempted,
// blocking up to the control timeout before giving up.
func (c *Connection) SendControl(frame *Frame) bool {
	if c.state.Load() >= stateClosing {
		return false
	}
	select {
	case c.sendCh <- frame:
		return true
	case <-c.done:
		return false
	case <-time.After(controlSendTimeout):
		c.dropped.Add(1)
		return false
	}
}

// writeLoop is the single writer goroutine. It exits when the connection
// closes or a transport write fails.
func (c *Connection) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case frame := <-c.sendCh:
			if err := c.write(ctx, frame); err != nil {
				return fmt.Errorf("write frame to %s: %w", c.ID, err)
			}
		}
	}
}

// Close transitions to closing then closed, tears down the transport, and
// releases the writer. Safe to call more than once.
func (c *Connection) Close(code int, reason string) {
	if !c.state.CompareAndSwap(stateOpen, stateClosing) &&
		!c.state.CompareAndSwap(stateConnecting, stateClosing) {
		return
	}
	close(c.done)
	if c.close != nil {
		c.close(code, reason)
	}
	c.state.Store(stateClosed)
}

func (c *Connection) addSubscription(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[channel] = struct{}{}
}

func (c *Connection) removeSubscription(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, channel)
}

// Subscriptions snapshots the connection's channel set.
func (c *Connection) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	channels := make([]string, 0, len(c.subscriptions))
	for channel := range c.subscriptions {
		channels = append(channels, channel)
	}
	return channels
}
