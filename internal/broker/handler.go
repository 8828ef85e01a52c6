package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/pulseproof/pulseproof/internal/idgen"
	"github.com/pulseproof/pulseproof/internal/logging"
	"go.uber.org/zap"
)

// Handler terminates SSE and WebSocket connections and speaks the widget
// frame protocol.
type Handler struct {
	auth    *Authenticator
	hub     *Hub
	limiter *RateLimiter
	logger  *logging.Logger
}

func NewHandler(auth *Authenticator, hub *Hub, limiter *RateLimiter, logger *logging.Logger) *Handler {
	return &Handler{
		auth:    auth,
		hub:     hub,
		limiter: limiter,
		logger:  logger,
	}
}

func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/ws", h.WebSocket)
	router.GET("/api/notifications/sse", h.SSE)
}

func rateLimitKey(identity *Identity) string {
	return identity.SiteID + ":" + identity.UserID
}

func (h *Handler) WebSocket(c *gin.Context) {
	identity, authErr := h.auth.Authenticate(TokenFromRequest(c.Request))

	ws, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Ctx(c.Request.Context()).Warn("websocket accept failed", zap.Error(err))
		return
	}

	if authErr != nil {
		ws.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}
	if !h.limiter.Allow(rateLimitKey(identity)) {
		ws.Close(websocket.StatusPolicyViolation, "connection rate limit exceeded")
		return
	}

	conn := newConnection(idgen.Connection(), identity,
		func(ctx context.Context, frame *Frame) error {
			payload, err := json.Marshal(frame)
			if err != nil {
				return err
			}
			return ws.Write(ctx, websocket.MessageText, payload)
		},
		func(code int, reason string) {
			ws.Close(websocket.StatusCode(code), reason)
		},
	)
	conn.Open()
	h.hub.Register(conn)
	defer func() {
		conn.Close(CloseGoingAway, "connection closed")
		h.hub.Unregister(conn)
	}()

	ctx := c.Request.Context()
	go func() {
		if err := conn.writeLoop(ctx); err != nil && ctx.Err() == nil {
			h.logger.Ctx(ctx).Debug("websocket writer stopped",
				zap.String("connection_id", conn.ID),
				zap.Error(err))
			conn.Close(CloseGoingAway, "write failure")
		}
	}()

	conn.SendControl(welcomeFrame(conn.ID))
	h.logger.Ctx(ctx).Info("websocket connected",
		zap.String("connection_id", conn.ID),
		zap.String("site_id", identity.SiteID),
		zap.String("user_id", identity.UserID))

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		conn.touch()
		h.handleClientFrame(conn, data)
	}
}

func (h *Handler) handleClientFrame(conn *Connection, data []byte) {
	frame := &Frame{}
	if err := json.Unmarshal(data, frame); err != nil {
		conn.SendControl(errorFrame("malformed frame"))
		return
	}

	switch frame.Type {
	case FrameTypeSubscribe:
		if frame.Channel == "" {
			conn.SendControl(errorFrame("subscribe requires a channel"))
			return
		}
		if !h.hub.Subscribe(conn, frame.Channel) {
			conn.SendControl(errorFrame(fmt.Sprintf("Access denied to channel %s", frame.Channel)))
			return
		}
		conn.SendControl(&Frame{Type: FrameTypeSubscribed, Channel: frame.Channel, Timestamp: now()})
	case FrameTypeUnsubscribe:
		h.hub.Unsubscribe(conn, frame.Channel)
		conn.SendControl(&Frame{Type: FrameTypeUnsubscribed, Channel: frame.Channel, Timestamp: now()})
	case FrameTypePing:
		conn.SendControl(pongFrame())
	default:
		conn.SendControl(errorFrame(fmt.Sprintf("unknown frame type %q", frame.Type)))
	}
}

func (h *Handler) SSE(c *gin.Context) {
	identity, err := h.auth.Authenticate(TokenFromRequest(c.Request))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"status":  http.StatusUnauthorized,
			"message": "authentication failed",
		})
		return
	}
	requestedSite := c.Query("shopDomain")
	if requestedSite == "" {
		requestedSite = c.Query("siteId")
	}
	if requestedSite != "" && requestedSite != identity.SiteID {
		c.JSON(http.StatusForbidden, gin.H{
			"status":  http.StatusForbidden,
			"message": "token does not match requested site",
		})
		return
	}
	if !h.limiter.Allow(rateLimitKey(identity)) {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"status":  http.StatusTooManyRequests,
			"message": "connection rate limit exceeded",
		})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.Status(http.StatusInternalServerError)
		return
	}

	var conn *Connection
	conn = newConnection(idgen.Connection(), identity,
		func(_ context.Context, frame *Frame) error {
			payload, err := json.Marshal(frame)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", payload); err != nil {
				return err
			}
			flusher.Flush()
			// SSE has no inbound pong; a successful write is the liveness
			// signal, so heartbeat pings keep the connection alive as long
			// as the transport accepts them.
			conn.touch()
			return nil
		},
		nil, // the transport closes when the handler returns
	)
	conn.Open()
	h.hub.Register(conn)
	defer func() {
		conn.Close(CloseGoingAway, "connection closed")
		h.hub.Unregister(conn)
	}()

	conn.SendControl(welcomeFrame(conn.ID))
	h.logger.Ctx(c.Request.Context()).Info("sse connected",
		zap.String("connection_id", conn.ID),
		zap.String("site_id", identity.SiteID))

	// SSE is write-only; the handler goroutine doubles as the writer.
	_ = conn.writeLoop(c.Request.Context())
}

// MetricsHandler exposes hub counters for the detailed health endpoint.
func (h *Handler) MetricsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, h.hub.Metrics())
}
