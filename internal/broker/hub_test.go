package broker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseproof/pulseproof/internal/logging"
)

type frameSink struct {
	mu     sync.Mutex
	frames []*Frame
	closed bool
	code   int
}

func (s *frameSink) write(_ context.Context, frame *Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}

func (s *frameSink) close(code int, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.code = code
}

func (s *frameSink) snapshot() []*Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Frame(nil), s.frames...)
}

func (s *frameSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.frames))
	for _, frame := range s.frames {
		types = append(types, frame.Type)
	}
	return types
}

func newTestConnection(id string, identity *Identity) (*Connection, *frameSink) {
	sink := &frameSink{}
	conn := newConnection(id, identity, sink.write, sink.close)
	conn.Open()
	return conn, sink
}

func waitForFrames(t *testing.T, sink *frameSink, n int) []*Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if frames := sink.snapshot(); len(frames) >= n {
			return frames
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d frames, got %d", n, len(sink.snapshot()))
	return nil
}

func TestConnection_SendDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	// No writer goroutine drains the channel, so the buffer fills up.
	conn, _ := newTestConnection("conn_1", testIdentityPtr())
	frame := NotificationFrame("site:site_1", json.RawMessage(`{}`))

	for i := 0; i < defaultSendBuffer; i++ {
		require.True(t, conn.Send(frame))
	}
	assert.False(t, conn.Send(frame))
	assert.False(t, conn.Send(frame))
	assert.Equal(t, uint64(2), conn.Dropped())
}

func TestConnection_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	conn, sink := newTestConnection("conn_1", testIdentityPtr())
	conn.Close(CloseGoingAway, "bye")
	conn.Close(ClosePolicyViolation, "again")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.True(t, sink.closed)
	assert.Equal(t, CloseGoingAway, sink.code)
	assert.False(t, conn.IsOpen())
	assert.False(t, conn.Send(&Frame{Type: FrameTypePing}))
}

func testIdentityPtr() *Identity {
	return &Identity{UserID: "user_1", SiteID: "site_1", OrgID: "org_1"}
}

func TestHub_SubscribeAuthorization(t *testing.T) {
	t.Parallel()

	hub := NewHub(logging.NewNop())
	conn, _ := newTestConnection("conn_1", testIdentityPtr())
	hub.Register(conn)

	assert.True(t, hub.Subscribe(conn, "site:site_1:orders"))
	assert.False(t, hub.Subscribe(conn, "site:site_2"), "foreign site channel")
	assert.Equal(t, 1, hub.ChannelSubscribers("site:site_1:orders"))
	assert.Equal(t, 0, hub.ChannelSubscribers("site:site_2"))

	closed, _ := newTestConnection("conn_2", testIdentityPtr())
	closed.Close(CloseGoingAway, "gone")
	assert.False(t, hub.Subscribe(closed, "site:site_1"), "closed connection cannot subscribe")
}

func TestHub_UnsubscribeLeavesNoState(t *testing.T) {
	t.Parallel()

	hub := NewHub(logging.NewNop())
	conn, _ := newTestConnection("conn_1", testIdentityPtr())
	hub.Register(conn)

	require.True(t, hub.Subscribe(conn, "site:site_1:orders"))
	hub.Unsubscribe(conn, "site:site_1:orders")
	assert.Equal(t, 0, hub.ChannelSubscribers("site:site_1:orders"))
	assert.Empty(t, conn.Subscriptions())

	// Repeated and never-subscribed unsubscribes are no-ops.
	hub.Unsubscribe(conn, "site:site_1:orders")
	hub.Unsubscribe(conn, "site:site_1:never")
}

func TestHub_BroadcastSite(t *testing.T) {
	t.Parallel()

	hub := NewHub(logging.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connA, sinkA := newTestConnection("conn_a", testIdentityPtr())
	connB, sinkB := newTestConnection("conn_b", testIdentityPtr())
	other, sinkOther := newTestConnection("conn_c", &Identity{SiteID: "site_2"})
	for _, conn := range []*Connection{connA, connB, other} {
		hub.Register(conn)
		go conn.writeLoop(ctx)
	}

	delivered := hub.BroadcastSite("site_1", NotificationFrame("", json.RawMessage(`{"id":"not_1"}`)))
	assert.Equal(t, 2, delivered)

	waitForFrames(t, sinkA, 1)
	waitForFrames(t, sinkB, 1)
	assert.Empty(t, sinkOther.snapshot())

	frame := sinkA.snapshot()[0]
	assert.Equal(t, FrameTypeNotification, frame.Type)
	assert.JSONEq(t, `{"id":"not_1"}`, string(frame.Data))
}

func TestHub_BroadcastChannelSkipsClosed(t *testing.T) {
	t.Parallel()

	hub := NewHub(logging.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, sink := newTestConnection("conn_1", testIdentityPtr())
	hub.Register(conn)
	go conn.writeLoop(ctx)
	require.True(t, hub.Subscribe(conn, "site:site_1:orders"))

	gone, _ := newTestConnection("conn_2", testIdentityPtr())
	hub.Register(gone)
	require.True(t, hub.Subscribe(gone, "site:site_1:orders"))
	gone.Close(CloseGoingAway, "gone")

	delivered := hub.BroadcastChannel("site:site_1:orders", NotificationFrame("site:site_1:orders", json.RawMessage(`{}`)))
	assert.Equal(t, 1, delivered)
	waitForFrames(t, sink, 1)
}

type listenerLog struct {
	mu     sync.Mutex
	events []string
}

func (l *listenerLog) SiteActive(siteID string)     { l.record("site_active:" + siteID) }
func (l *listenerLog) SiteIdle(siteID string)       { l.record("site_idle:" + siteID) }
func (l *listenerLog) ChannelActive(channel string) { l.record("channel_active:" + channel) }
func (l *listenerLog) ChannelIdle(channel string)   { l.record("channel_idle:" + channel) }

func (l *listenerLog) record(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *listenerLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func TestHub_ListenerLifecycle(t *testing.T) {
	t.Parallel()

	hub := NewHub(logging.NewNop())
	listener := &listenerLog{}
	hub.SetListener(listener)

	connA, _ := newTestConnection("conn_a", testIdentityPtr())
	connB, _ := newTestConnection("conn_b", testIdentityPtr())

	hub.Register(connA)
	hub.Register(connB)
	require.True(t, hub.Subscribe(connA, "site:site_1:orders"))
	require.True(t, hub.Subscribe(connB, "site:site_1:orders"))

	hub.Unregister(connB)
	hub.Unregister(connA)

	assert.Equal(t, []string{
		"site_active:site_1",
		"channel_active:site:site_1:orders",
		"site_idle:site_1",
		"channel_idle:site:site_1:orders",
	}, listener.snapshot())
}

func TestHub_HeartbeatDisconnectsStale(t *testing.T) {
	t.Parallel()

	hub := NewHub(logging.NewNop(), WithHeartbeatInterval(20*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, sink := newTestConnection("conn_1", testIdentityPtr())
	hub.Register(conn)
	go conn.writeLoop(ctx)
	go hub.RunHeartbeat(ctx)

	// First tick marks the connection unanswered and pings it. The client
	// never answers, so the next tick disconnects it.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && hub.Metrics().CurrentConnections > 0 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 0, hub.Metrics().CurrentConnections)
	assert.False(t, conn.IsOpen())
	assert.Contains(t, sink.types(), FrameTypePing)
}

func TestHub_HeartbeatKeepsResponsiveConnection(t *testing.T) {
	t.Parallel()

	hub := NewHub(logging.NewNop(), WithHeartbeatInterval(20*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, _ := newTestConnection("conn_1", testIdentityPtr())
	hub.Register(conn)
	go conn.writeLoop(ctx)
	go hub.RunHeartbeat(ctx)

	// Simulate a client answering every ping.
	stop := time.After(150 * time.Millisecond)
	for {
		select {
		case <-stop:
			assert.Equal(t, 1, hub.Metrics().CurrentConnections)
			assert.True(t, conn.IsOpen())
			return
		case <-time.After(5 * time.Millisecond):
			conn.touch()
		}
	}
}

func TestHub_HeartbeatNoConnections(t *testing.T) {
	t.Parallel()

	hub := NewHub(logging.NewNop(), WithHeartbeatInterval(10*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	err := hub.RunHeartbeat(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, hub.Metrics().CurrentConnections)
}

func TestHub_Metrics(t *testing.T) {
	t.Parallel()

	hub := NewHub(logging.NewNop())
	conn, _ := newTestConnection("conn_1", testIdentityPtr())
	hub.Register(conn)

	// No writer draining: fill the buffer, then overflow once.
	frame := NotificationFrame("", json.RawMessage(`{}`))
	for i := 0; i < defaultSendBuffer+1; i++ {
		hub.BroadcastSite("site_1", frame)
	}

	metrics := hub.Metrics()
	assert.Equal(t, 1, metrics.CurrentConnections)
	assert.Equal(t, uint64(1), metrics.TotalConnections)
	assert.Equal(t, uint64(defaultSendBuffer), metrics.FramesSent)
	// Counted once by the hub fan-out and once by the connection.
	assert.Equal(t, uint64(2), metrics.FramesDropped)

	hub.Unregister(conn)
	assert.Equal(t, uint64(1), hub.Metrics().Disconnects)
}
