package broker_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseproof/pulseproof/internal/broker"
	"github.com/pulseproof/pulseproof/internal/logging"
)

type brokerFixture struct {
	auth   *broker.Authenticator
	hub    *broker.Hub
	server *httptest.Server
}

func newBrokerFixture(t *testing.T, connectionsPerMinute int) *brokerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	auth := broker.NewAuthenticator("test-secret")
	hub := broker.NewHub(logging.NewNop())
	limiter := broker.NewRateLimiter(connectionsPerMinute, time.Minute)
	handler := broker.NewHandler(auth, hub, limiter, logging.NewNop())

	router := gin.New()
	handler.RegisterRoutes(router)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &brokerFixture{auth: auth, hub: hub, server: server}
}

func (f *brokerFixture) token(t *testing.T, identity broker.Identity) string {
	t.Helper()
	token, err := f.auth.Issue(identity, time.Minute)
	require.NoError(t, err)
	return token
}

func widgetIdentity() broker.Identity {
	return broker.Identity{UserID: "user_1", SiteID: "site_1", OrgID: "org_1", Role: "widget"}
}

func readSSEFrame(t *testing.T, reader *bufio.Reader) *broker.Frame {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		frame := &broker.Frame{}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), frame))
		return frame
	}
}

func waitForConnections(t *testing.T, hub *broker.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.Metrics().CurrentConnections == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d connections, have %d", n, hub.Metrics().CurrentConnections)
}

func TestSSE_DeliversNotifications(t *testing.T) {
	fixture := newBrokerFixture(t, 10)
	token := fixture.token(t, widgetIdentity())

	resp, err := http.Get(fixture.server.URL + "/api/notifications/sse?token=" + token)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	reader := bufio.NewReader(resp.Body)
	welcome := readSSEFrame(t, reader)
	assert.Equal(t, broker.FrameTypeConnection, welcome.Type)
	assert.NotEmpty(t, welcome.ConnectionID)

	fixture.hub.BroadcastSite("site_1", broker.NotificationFrame("", json.RawMessage(`{"id":"not_1"}`)))

	frame := readSSEFrame(t, reader)
	assert.Equal(t, broker.FrameTypeNotification, frame.Type)
	assert.JSONEq(t, `{"id":"not_1"}`, string(frame.Data))
}

func TestSSE_SurvivesHeartbeat(t *testing.T) {
	gin.SetMode(gin.TestMode)

	auth := broker.NewAuthenticator("test-secret")
	hub := broker.NewHub(logging.NewNop(), broker.WithHeartbeatInterval(50*time.Millisecond))
	handler := broker.NewHandler(auth, hub, broker.NewRateLimiter(10, time.Minute), logging.NewNop())

	router := gin.New()
	handler.RegisterRoutes(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.RunHeartbeat(ctx)

	token, err := auth.Issue(widgetIdentity(), time.Minute)
	require.NoError(t, err)
	resp, err := http.Get(server.URL + "/api/notifications/sse?token=" + token)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	welcome := readSSEFrame(t, reader)
	require.Equal(t, broker.FrameTypeConnection, welcome.Type)

	// A write-only client cannot pong; successful ping writes must keep it
	// alive across several heartbeat sweeps.
	pings := 0
	for pings < 4 {
		if readSSEFrame(t, reader).Type == broker.FrameTypePing {
			pings++
		}
	}
	assert.Equal(t, 1, hub.Metrics().CurrentConnections)

	hub.BroadcastSite("site_1", broker.NotificationFrame("", json.RawMessage(`{"id":"not_1"}`)))
	for {
		frame := readSSEFrame(t, reader)
		if frame.Type == broker.FrameTypePing {
			continue
		}
		assert.Equal(t, broker.FrameTypeNotification, frame.Type)
		break
	}
	assert.EqualValues(t, 0, hub.Metrics().Disconnects)
}

func TestSSE_AcceptsShopDomainParam(t *testing.T) {
	fixture := newBrokerFixture(t, 10)
	token := fixture.token(t, widgetIdentity())

	resp, err := http.Get(fixture.server.URL + "/api/notifications/sse?token=" + token + "&shopDomain=site_1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, broker.FrameTypeConnection, readSSEFrame(t, bufio.NewReader(resp.Body)).Type)

	resp, err = http.Get(fixture.server.URL + "/api/notifications/sse?token=" + token + "&shopDomain=site_2")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSSE_Rejections(t *testing.T) {
	fixture := newBrokerFixture(t, 1)
	token := fixture.token(t, widgetIdentity())

	resp, err := http.Get(fixture.server.URL + "/api/notifications/sse")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(fixture.server.URL + "/api/notifications/sse?token=" + token + "&siteId=site_2")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// First connection consumes the budget; the second is throttled.
	first, err := http.Get(fixture.server.URL + "/api/notifications/sse?token=" + token)
	require.NoError(t, err)
	defer first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)

	resp, err = http.Get(fixture.server.URL + "/api/notifications/sse?token=" + token)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func dialWS(t *testing.T, fixture *brokerFixture, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := fixture.server.URL + "/ws"
	if token != "" {
		url += "?token=" + token
	}
	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func readWSFrame(t *testing.T, ws *websocket.Conn) *broker.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := ws.Read(ctx)
	require.NoError(t, err)
	frame := &broker.Frame{}
	require.NoError(t, json.Unmarshal(data, frame))
	return frame
}

func writeWS(t *testing.T, ws *websocket.Conn, payload string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte(payload)))
}

func TestWebSocket_Protocol(t *testing.T) {
	fixture := newBrokerFixture(t, 10)
	ws := dialWS(t, fixture, fixture.token(t, widgetIdentity()))

	welcome := readWSFrame(t, ws)
	assert.Equal(t, broker.FrameTypeConnection, welcome.Type)
	assert.NotEmpty(t, welcome.ConnectionID)

	writeWS(t, ws, `{"type":"subscribe","channel":"site:site_1:orders"}`)
	subscribed := readWSFrame(t, ws)
	assert.Equal(t, broker.FrameTypeSubscribed, subscribed.Type)
	assert.Equal(t, "site:site_1:orders", subscribed.Channel)

	fixture.hub.BroadcastChannel("site:site_1:orders",
		broker.NotificationFrame("site:site_1:orders", json.RawMessage(`{"id":"not_1"}`)))
	notification := readWSFrame(t, ws)
	assert.Equal(t, broker.FrameTypeNotification, notification.Type)
	assert.JSONEq(t, `{"id":"not_1"}`, string(notification.Data))

	writeWS(t, ws, `{"type":"unsubscribe","channel":"site:site_1:orders"}`)
	unsubscribed := readWSFrame(t, ws)
	assert.Equal(t, broker.FrameTypeUnsubscribed, unsubscribed.Type)
	assert.Equal(t, 0, fixture.hub.ChannelSubscribers("site:site_1:orders"))

	writeWS(t, ws, `{"type":"ping"}`)
	assert.Equal(t, broker.FrameTypePong, readWSFrame(t, ws).Type)
}

func TestWebSocket_ErrorFrames(t *testing.T) {
	fixture := newBrokerFixture(t, 10)
	ws := dialWS(t, fixture, fixture.token(t, widgetIdentity()))
	readWSFrame(t, ws) // welcome

	writeWS(t, ws, `{"type":"subscribe","channel":"site:site_2"}`)
	denied := readWSFrame(t, ws)
	assert.Equal(t, broker.FrameTypeError, denied.Type)
	assert.Contains(t, denied.Message, "Access denied to channel")

	writeWS(t, ws, `not json`)
	malformed := readWSFrame(t, ws)
	assert.Equal(t, broker.FrameTypeError, malformed.Type)
	assert.Contains(t, malformed.Message, "malformed")

	writeWS(t, ws, `{"type":"shout"}`)
	unknown := readWSFrame(t, ws)
	assert.Equal(t, broker.FrameTypeError, unknown.Type)
	assert.Contains(t, unknown.Message, "unknown frame type")
}

func TestWebSocket_RejectsBadToken(t *testing.T) {
	fixture := newBrokerFixture(t, 10)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, fixture.server.URL+"/ws?token=garbage", nil)
	require.NoError(t, err, "handshake completes before the auth close")
	defer ws.Close(websocket.StatusNormalClosure, "")

	_, _, err = ws.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestWebSocket_DisconnectUnregisters(t *testing.T) {
	fixture := newBrokerFixture(t, 10)
	ws := dialWS(t, fixture, fixture.token(t, widgetIdentity()))
	readWSFrame(t, ws) // welcome
	waitForConnections(t, fixture.hub, 1)

	require.NoError(t, ws.Close(websocket.StatusNormalClosure, "done"))
	waitForConnections(t, fixture.hub, 0)
}
