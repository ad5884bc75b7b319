package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adred-codev/careline/internal/auth"
	"github.com/adred-codev/careline/internal/broker"
	"github.com/adred-codev/careline/internal/channels"
	"github.com/adred-codev/careline/internal/limits"
	"github.com/adred-codev/careline/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type testServer struct {
	server *Server
	broker *broker.Broker
	authn  *auth.JWTAuthenticator
	http   *httptest.Server
}

type options struct {
	broker      func(*broker.Config)
	connLimiter *limits.ConnectionRateLimiter
	msgLimiter  *limits.MessageLimiter
}

func newTestServer(t *testing.T, opts options) *testServer {
	t.Helper()

	cfg := broker.DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.SendTimeout = time.Second
	cfg.HeartbeatInterval = time.Hour
	cfg.IdleSweepInterval = time.Hour
	cfg.RecoveryInterval = time.Hour
	if opts.broker != nil {
		opts.broker(&cfg)
	}

	authn := auth.NewJWTAuthenticator(testSecret, "careline-test")
	b := broker.New(cfg, broker.Deps{Authenticator: authn, Logger: zerolog.Nop()})
	logger := zerolog.Nop()

	routers := []*channels.Router{
		channels.NewRouter(b, channels.NewHealthHandler(b, channels.NewMemoryHealthStore(), logger), logger),
		channels.NewRouter(b, channels.NewChatHandler(b, channels.NewMemoryChatStore(), nil, logger), logger),
		channels.NewRouter(b, channels.NewNotificationsHandler(b, channels.NewMemoryNotificationStore(), logger), logger),
	}

	s := NewServer(Config{PingInterval: time.Hour, WriteTimeout: time.Second}, Deps{
		Broker:        b,
		Routers:       routers,
		Authenticator: authn,
		ConnLimiter:   opts.connLimiter,
		MsgLimiter:    opts.msgLimiter,
		Logger:        logger,
	})

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})

	return &testServer{server: s, broker: b, authn: authn, http: ts}
}

func (ts *testServer) token(t *testing.T, userID, role string, ttl time.Duration) string {
	t.Helper()
	tok, err := ts.authn.Issue(auth.Principal{UserID: userID, Email: userID + "@example.com", Role: role}, ttl)
	require.NoError(t, err)
	return tok
}

func (ts *testServer) dial(t *testing.T, channel string) (*websocket.Conn, string) {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws/" + channel
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	welcome := readType(t, conn, protocol.TypeConnectionEstablished)
	id, _ := welcome["connection_id"].(string)
	require.NotEmpty(t, id)
	return conn, id
}

func (ts *testServer) dialStatus(channel string) int {
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws/" + channel
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		conn.Close()
		return http.StatusSwitchingProtocols
	}
	if resp == nil {
		return 0
	}
	defer resp.Body.Close()
	return resp.StatusCode
}

func (ts *testServer) login(t *testing.T, channel, userID, role string) (*websocket.Conn, string) {
	t.Helper()
	conn, id := ts.dial(t, channel)
	send(t, conn, map[string]any{"type": "authentication", "token": ts.token(t, userID, role, time.Hour)})
	readType(t, conn, protocol.TypeAuthenticationSuccess)
	readType(t, conn, protocol.TypeSubscriptionSuccess)
	return conn, id
}

func (ts *testServer) request(t *testing.T, method, path, token string) (*http.Response, map[string]any) {
	t.Helper()

	req, err := http.NewRequest(method, ts.http.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp, body
}

func send(t *testing.T, conn *websocket.Conn, msg map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

// readType reads frames until one of msgType arrives.
func readType(t *testing.T, conn *websocket.Conn, msgType string) map[string]any {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var m map[string]any
		require.NoError(t, conn.ReadJSON(&m), "waiting for %q", msgType)
		if m["type"] == msgType {
			return m
		}
	}
}

func waitState(t *testing.T, b *broker.Broker, id string, want broker.State) {
	t.Helper()
	assert.Eventually(t, func() bool {
		info, ok := b.Connection(id)
		return ok && info.State == want
	}, time.Second, 5*time.Millisecond)
}

func TestAuthenticateSubscribeAndSendToUser(t *testing.T) {
	ts := newTestServer(t, options{})
	conn, id := ts.dial(t, "chat")

	send(t, conn, map[string]any{"type": "authentication", "token": ts.token(t, "7", auth.RolePatient, time.Hour)})
	success := readType(t, conn, protocol.TypeAuthenticationSuccess)
	assert.Equal(t, "7", success["user_id"])
	assert.NotEmpty(t, success["timestamp"])
	readType(t, conn, protocol.TypeSubscriptionSuccess)

	send(t, conn, map[string]any{"type": "subscribe", "subscription": "chat:user:7"})
	sub := readType(t, conn, protocol.TypeSubscriptionSuccess)
	assert.Equal(t, "chat:user:7", sub["subscription"])
	assert.Contains(t, ts.broker.TopicMembers("chat:user:7"), id)

	d := ts.broker.SendToUser(context.Background(), "7", protocol.NewMessage(protocol.TypeChatMessage, map[string]any{
		"message": map[string]any{"content": "your results are in"},
	}))
	assert.Equal(t, 1, d.Delivered)

	msg := readType(t, conn, protocol.TypeChatMessage)
	assert.Equal(t, "your results are in", msg["message"].(map[string]any)["content"])
}

func TestExpiredTokenLeftConnectedThenIdleEvicted(t *testing.T) {
	ts := newTestServer(t, options{broker: func(c *broker.Config) {
		c.IdleTimeout = 50 * time.Millisecond
	}})
	conn, id := ts.dial(t, "health")

	send(t, conn, map[string]any{"type": "authentication", "token": ts.token(t, "7", auth.RolePatient, -time.Minute)})
	failed := readType(t, conn, protocol.TypeAuthenticationFailed)
	assert.Equal(t, "AUTH_ERROR", failed["code"])
	waitState(t, ts.broker, id, broker.StateConnected)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{id}, ts.broker.SweepIdle())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestClientCloseEvicts(t *testing.T) {
	ts := newTestServer(t, options{})
	conn, id := ts.login(t, "notifications", "7", auth.RolePatient)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	assert.Eventually(t, func() bool {
		_, ok := ts.broker.Connection(id)
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, ts.broker.TopicMembers("notifications:all:7"))
}

func TestMessageRateLimit(t *testing.T) {
	ts := newTestServer(t, options{msgLimiter: limits.NewMessageLimiter(0.001, 2)})
	conn, id := ts.dial(t, "chat")

	for i := 0; i < 3; i++ {
		send(t, conn, map[string]any{"type": "ping"})
	}
	readType(t, conn, protocol.TypePong)
	readType(t, conn, protocol.TypePong)
	limited := readType(t, conn, protocol.TypeError)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", limited["code"])

	// dropped, not disconnected
	info, ok := ts.broker.Connection(id)
	require.True(t, ok)
	assert.Equal(t, broker.StateConnected, info.State)
}

func TestConnectionRateLimit(t *testing.T) {
	crl := limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
		IPBurst:     1,
		IPRate:      0.001,
		GlobalBurst: 100,
		GlobalRate:  100,
		Logger:      zerolog.Nop(),
	})
	ts := newTestServer(t, options{connLimiter: crl})

	ts.dial(t, "chat")
	assert.Equal(t, http.StatusTooManyRequests, ts.dialStatus("chat"))
}

func TestGlobalCapRejectsUpgrade(t *testing.T) {
	ts := newTestServer(t, options{broker: func(c *broker.Config) {
		c.MaxConnections = 1
		c.MaxConnectionsPerUser = 1
	}})

	ts.dial(t, "chat")
	assert.Equal(t, http.StatusServiceUnavailable, ts.dialStatus("chat"))
}

func TestUnknownChannelPath(t *testing.T) {
	ts := newTestServer(t, options{})
	assert.Equal(t, http.StatusNotFound, ts.dialStatus("billing"))
}

func TestAdminEndpoints(t *testing.T) {
	ts := newTestServer(t, options{})
	conn, id := ts.login(t, "chat", "7", auth.RolePatient)
	admin := ts.token(t, "1", auth.RoleAdmin, time.Hour)
	owner := ts.token(t, "7", auth.RolePatient, time.Hour)
	stranger := ts.token(t, "8", auth.RolePatient, time.Hour)

	t.Run("status requires a token", func(t *testing.T) {
		resp, body := ts.request(t, http.MethodGet, "/ws/status", "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "AUTH_ERROR", body["code"])
	})

	t.Run("status", func(t *testing.T) {
		resp, body := ts.request(t, http.MethodGet, "/ws/status", admin)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		stats := body["stats"].(map[string]any)
		assert.EqualValues(t, 1, stats["connections"])
		assert.EqualValues(t, 1, stats["authenticated"])
		assert.Len(t, body["connections"], 1)

		_, body = ts.request(t, http.MethodGet, "/ws/status", stranger)
		assert.NotContains(t, body, "connections")
	})

	t.Run("connection health", func(t *testing.T) {
		resp, body := ts.request(t, http.MethodGet, "/ws/connection/"+id+"/health", owner)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, true, body["healthy"])
		assert.Equal(t, "authenticated", body["connection"].(map[string]any)["state"])

		resp, _ = ts.request(t, http.MethodGet, "/ws/connection/"+id+"/health", stranger)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("reconnect", func(t *testing.T) {
		ts.broker.MarkError(id, broker.ErrSendFailure)

		resp, _ := ts.request(t, http.MethodPost, "/ws/user/7/reconnect", stranger)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		resp, body := ts.request(t, http.MethodPost, "/ws/user/7/reconnect", owner)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.EqualValues(t, 1, body["report"].(map[string]any)["recovered"])
		waitState(t, ts.broker, id, broker.StateAuthenticated)
	})

	t.Run("disconnect", func(t *testing.T) {
		resp, _ := ts.request(t, http.MethodDelete, "/ws/connection/"+id, stranger)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		resp, body := ts.request(t, http.MethodDelete, "/ws/connection/"+id, admin)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, true, body["disconnected"])

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				var closeErr *websocket.CloseError
				require.ErrorAs(t, err, &closeErr)
				assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
				break
			}
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, options{})
	resp, body := ts.request(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])

	resp, _ = ts.request(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
