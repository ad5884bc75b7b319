package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/adred-codev/careline/internal/broker"
)

// wsConn is the broker.Transport for one socket. Send only enqueues; the
// write pump owns the socket.
type wsConn struct {
	id          string
	conn        net.Conn
	remoteAddr  string
	connectedAt time.Time

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	reason string
}

func newWSConn(remoteAddr string, buffer int) *wsConn {
	return &wsConn{
		remoteAddr:  remoteAddr,
		connectedAt: time.Now(),
		send:        make(chan []byte, buffer),
		closed:      make(chan struct{}),
	}
}

// Send queues data for the write pump. It waits for buffer space until ctx
// is done and fails with broker.ErrConnectionClosed once the socket is closed.
func (c *wsConn) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return broker.ErrConnectionClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return broker.ErrConnectionClosed
	case <-ctx.Done():
		return fmt.Errorf("send buffer full (%d queued): %w", len(c.send), ctx.Err())
	}
}

// Close asks the write pump to flush, send a close frame and drop the socket.
func (c *wsConn) Close(reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *wsConn) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}
