package transport

import (
	"bufio"
	"time"

	"github.com/adred-codev/careline/internal/broker"
	"github.com/adred-codev/careline/internal/monitoring"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// writePump batches queued messages onto the socket and sends periodic pings.
// It is the only goroutine that writes to c.conn.
func (s *Server) writePump(c *wsConn) {
	defer monitoring.RecoverPanic(s.logger, "writePump", map[string]any{
		"connection_id": c.id,
	})
	defer s.wg.Done()

	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))

			if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
				s.writeFailed(c, err)
				return
			}
			// Batch whatever else is already queued.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := wsutil.WriteServerMessage(writer, ws.OpText, <-c.send); err != nil {
					s.writeFailed(c, err)
					return
				}
			}
			if err := writer.Flush(); err != nil {
				s.writeFailed(c, err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				s.writeFailed(c, err)
				return
			}

		case <-c.closed:
			s.writeClose(c, writer)
			return
		}
	}
}

// writeClose flushes queued messages and sends a close frame. Best effort:
// the peer may already be gone.
func (s *Server) writeClose(c *wsConn, writer *bufio.Writer) {
	c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))

	for n := len(c.send); n > 0; n-- {
		if err := wsutil.WriteServerMessage(writer, ws.OpText, <-c.send); err != nil {
			return
		}
	}
	if err := writer.Flush(); err != nil {
		return
	}

	reason := c.closeReason()
	body := ws.NewCloseFrameBody(closeCode(reason), reason)
	_ = wsutil.WriteServerMessage(c.conn, ws.OpClose, body)
}

func (s *Server) writeFailed(c *wsConn, err error) {
	s.logger.Debug().
		Str("connection_id", c.id).
		Err(err).
		Msg("Failed to write message")
	s.broker.Evict(c.id, broker.ReasonWriteError)
}

func closeCode(reason string) ws.StatusCode {
	switch reason {
	case broker.ReasonShutdown:
		return ws.StatusGoingAway
	case broker.ReasonConnectionTimeout, broker.ReasonRecoveryExhausted:
		return ws.StatusPolicyViolation
	case broker.ReasonWriteError, broker.ReasonHandshakeFailed:
		return ws.StatusInternalServerError
	default:
		return ws.StatusNormalClosure
	}
}
