package transport

import (
	"context"
	"errors"
	"io"

	"github.com/adred-codev/careline/internal/audit"
	"github.com/adred-codev/careline/internal/broker"
	"github.com/adred-codev/careline/internal/channels"
	"github.com/adred-codev/careline/internal/monitoring"
	"github.com/adred-codev/careline/internal/protocol"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// readPump is the connection's single reader. Frames are dispatched
// synchronously so a client's messages are handled in order. It evicts the
// connection when the socket goes away.
func (s *Server) readPump(c *wsConn, router *channels.Router) {
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{
		"connection_id": c.id,
	})
	defer s.wg.Done()

	reason := broker.ReasonReadError
	defer func() {
		if s.msgLimiter != nil {
			s.msgLimiter.Remove(c.id)
		}
		s.broker.Evict(c.id, reason)
	}()

	ctx := context.Background()
	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			var closed wsutil.ClosedError
			if errors.As(err, &closed) || errors.Is(err, io.EOF) {
				reason = broker.ReasonClientDisconnect
			}
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}

		s.broker.Touch(c.id)

		if s.msgLimiter != nil && !s.msgLimiter.CheckLimit(c.id) {
			s.rateLimited(ctx, c)
			continue
		}

		router.Dispatch(ctx, c.id, msg)
	}
}

// rateLimited drops the frame and tells the client why. The connection is kept.
func (s *Server) rateLimited(ctx context.Context, c *wsConn) {
	monitoring.IncrementRateLimitedMessages()

	var userID string
	if info, ok := s.broker.Connection(c.id); ok {
		userID = info.UserID
	}
	s.logger.Warn().
		Str("connection_id", c.id).
		Str("user_id", userID).
		Msg("Client rate limited")
	s.audit.Record(audit.EventClientRateLimited, userID, map[string]any{
		"connection_id": c.id,
	})

	_ = s.broker.SendTo(ctx, c.id, protocol.ErrorMessage("RATE_LIMIT_EXCEEDED", "Too many messages, please slow down"))
}
