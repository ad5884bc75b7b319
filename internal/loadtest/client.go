package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/careline/internal/protocol"
	"github.com/gorilla/websocket"
)

const (
	readTimeout  = 90 * time.Second // three missed server pings
	writeTimeout = 5 * time.Second
)

type handshakeError struct {
	code int
	err  error
}

func (e *handshakeError) Error() string {
	return fmt.Sprintf("handshake rejected with HTTP %d: %v", e.code, e.err)
}

func (e *handshakeError) Unwrap() error { return e.err }

// client behaves like a browser tab: authenticate once, then read.
type client struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closing   atomic.Bool
	closeOnce sync.Once
}

func dial(ctx context.Context, cfg Config, token string) (*client, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.DialTimeout,
		NetDialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	conn, resp, err := dialer.DialContext(ctx, cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, &handshakeError{code: resp.StatusCode, err: err}
		}
		return nil, err
	}

	c := &client{conn: conn}
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})

	if err := c.send(map[string]string{"type": string(protocol.KindAuthentication), "token": token}); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *client) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *client) read(st *stats) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closing.Load() {
				st.dropped.Add(1)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))

		var frame struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			st.record("undecodable")
			continue
		}
		st.record(frame.Type)

		switch frame.Type {
		case protocol.TypeAuthenticationSuccess:
			st.authenticated.Add(1)
		case protocol.TypeAuthenticationFailed:
			st.authFailed.Add(1)
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "load test complete"),
			time.Now().Add(writeTimeout))
		c.writeMu.Unlock()
		c.conn.Close()
	})
}
