package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pulseproof/pulseproof/internal/logging"
	"go.uber.org/zap"
)

const defaultHeartbeatInterval = 30 * time.Second

// Metrics is a point-in-time snapshot of hub counters.
type Metrics struct {
	CurrentConnections int    `json:"current_connections"`
	TotalConnections   uint64 `json:"total_connections"`
	FramesSent         uint64 `json:"frames_sent"`
	FramesDropped      uint64 `json:"frames_dropped"`
	Disconnects        uint64 `json:"disconnects"`
}

type HubOption func(*Hub)

func WithHeartbeatInterval(interval time.Duration) HubOption {
	return func(h *Hub) { h.heartbeat = interval }
}

// SiteListener is notified when a site gains its first connection or loses
// its last one. The bridge uses it to manage backend subscriptions.
type SiteListener interface {
	SiteActive(siteID string)
	SiteIdle(siteID string)
	ChannelActive(channel string)
	ChannelIdle(channel string)
}

// Hub owns every live connection on this broker instance and routes frames
// to them by site or by explicit channel subscription.
type Hub struct {
	logger    *logging.Logger
	heartbeat time.Duration

	mu        sync.RWMutex
	conns     map[string]*Connection
	bySite    map[string]map[string]*Connection
	byChannel map[string]map[string]*Connection
	listener  SiteListener

	totalConnections atomic.Uint64
	framesSent       atomic.Uint64
	framesDropped    atomic.Uint64
	disconnects      atomic.Uint64
}

func NewHub(logger *logging.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		logger:    logger,
		heartbeat: defaultHeartbeatInterval,
		conns:     make(map[string]*Connection),
		bySite:    make(map[string]map[string]*Connection),
		byChannel: make(map[string]map[string]*Connection),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetListener installs the site/channel lifecycle listener. Must be called
// before connections register.
func (h *Hub) SetListener(listener SiteListener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listener = listener
}

// Register adds an open connection to the routing tables.
func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	h.conns[conn.ID] = conn
	site := conn.Identity.SiteID
	firstForSite := len(h.bySite[site]) == 0
	if h.bySite[site] == nil {
		h.bySite[site] = make(map[string]*Connection)
	}
	h.bySite[site][conn.ID] = conn
	listener := h.listener
	h.mu.Unlock()

	h.totalConnections.Add(1)
	if firstForSite && listener != nil {
		listener.SiteActive(site)
	}
}

// Unregister removes a connection from every routing table.
func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	if _, ok := h.conns[conn.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, conn.ID)

	site := conn.Identity.SiteID
	delete(h.bySite[site], conn.ID)
	lastForSite := len(h.bySite[site]) == 0
	if lastForSite {
		delete(h.bySite, site)
	}

	var idleChannels []string
	for _, channel := range conn.Subscriptions() {
		delete(h.byChannel[channel], conn.ID)
		if len(h.byChannel[channel]) == 0 {
			delete(h.byChannel, channel)
			idleChannels = append(idleChannels, channel)
		}
	}
	listener := h.listener
	h.mu.Unlock()

	h.disconnects.Add(1)
	if listener != nil {
		if lastForSite {
			listener.SiteIdle(site)
		}
		for _, channel := range idleChannels {
			listener.ChannelIdle(channel)
		}
	}
}

// Subscribe registers the connection for a channel after authorization.
func (h *Hub) Subscribe(conn *Connection, channel string) bool {
	if !conn.IsOpen() || !CanSubscribe(conn.Identity, channel) {
		return false
	}
	h.mu.Lock()
	firstForChannel := len(h.byChannel[channel]) == 0
	if h.byChannel[channel] == nil {
		h.byChannel[channel] = make(map[string]*Connection)
	}
	h.byChannel[channel][conn.ID] = conn
	listener := h.listener
	h.mu.Unlock()

	conn.addSubscription(channel)
	if firstForChannel && listener != nil {
		listener.ChannelActive(channel)
	}
	return true
}

// Unsubscribe drops the connection's channel registration. Unsubscribing a
// channel that was never subscribed is a no-op.
func (h *Hub) Unsubscribe(conn *Connection, channel string) {
	h.mu.Lock()
	delete(h.byChannel[channel], conn.ID)
	lastForChannel := h.byChannel[channel] != nil && len(h.byChannel[channel]) == 0
	if lastForChannel {
		delete(h.byChannel, channel)
	}
	listener := h.listener
	h.mu.Unlock()

	conn.removeSubscription(channel)
	if lastForChannel && listener != nil {
		listener.ChannelIdle(channel)
	}
}

// ChannelSubscribers reports how many connections subscribe to a channel.
func (h *Hub) ChannelSubscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byChannel[channel])
}

// BroadcastSite sends a frame to every open connection of a site. Slow
// connections drop the frame; siblings are unaffected.
func (h *Hub) BroadcastSite(siteID string, frame *Frame) int {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.bySite[siteID]))
	for _, conn := range h.bySite[siteID] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()
	return h.fanOut(conns, frame)
}

// BroadcastChannel sends a frame to every subscriber of a channel.
func (h *Hub) BroadcastChannel(channel string, frame *Frame) int {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.byChannel[channel]))
	for _, conn := range h.byChannel[channel] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()
	return h.fanOut(conns, frame)
}

func (h *Hub) fanOut(conns []*Connection, frame *Frame) int {
	delivered := 0
	for _, conn := range conns {
		if conn.Send(frame) {
			delivered++
			h.framesSent.Add(1)
		} else {
			h.framesDropped.Add(1)
		}
	}
	return delivered
}

// RunHeartbeat pings every connection on the interval. A connection that has
// not answered since the previous ping is disconnected and cleaned up. With
// no connections a tick does nothing.
func (h *Hub) RunHeartbeat(ctx context.Context) error {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.CloseAll(CloseGoingAway, "server shutting down")
			return ctx.Err()
		case <-ticker.C:
		}

		h.mu.RLock()
		conns := make([]*Connection, 0, len(h.conns))
		for _, conn := range h.conns {
			conns = append(conns, conn)
		}
		h.mu.RUnlock()

		for _, conn := range conns {
			if !conn.alive.Load() {
				h.logger.Ctx(ctx).Info("disconnecting stale connection",
					zap.String("connection_id", conn.ID),
					zap.String("site_id", conn.Identity.SiteID),
					zap.Time("last_activity", conn.LastActivity()))
				conn.Close(CloseGoingAway, "heartbeat timeout")
				h.Unregister(conn)
				continue
			}
			conn.alive.Store(false)
			conn.SendControl(&Frame{Type: FrameTypePing, Timestamp: now()})
		}
	}
}

// CloseAll closes every connection, used on shutdown.
func (h *Hub) CloseAll(code int, reason string) {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()
	for _, conn := range conns {
		conn.Close(code, reason)
		h.Unregister(conn)
	}
}

// Metrics snapshots the hub counters, folding in per-connection drops.
func (h *Hub) Metrics() Metrics {
	h.mu.RLock()
	current := len(h.conns)
	var connDrops uint64
	for _, conn := range h.conns {
		connDrops += conn.Dropped()
	}
	h.mu.RUnlock()
	return Metrics{
		CurrentConnections: current,
		TotalConnections:   h.totalConnections.Load(),
		FramesSent:         h.framesSent.Load(),
		FramesDropped:      h.framesDropped.Load() + connDrops,
		Disconnects:        h.disconnects.Load(),
	}
}
