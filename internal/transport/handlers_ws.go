package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/adred-codev/careline/internal/broker"
	"github.com/adred-codev/careline/internal/channels"
	"github.com/adred-codev/careline/internal/monitoring"
	"github.com/gobwas/ws"
)

// handleWebSocket upgrades a request on one channel endpoint.
//
// Order matters: rate limit and global cap are checked before the upgrade so a
// rejected client gets a plain HTTP status instead of an open socket.
func (s *Server) handleWebSocket(router *channels.Router) http.HandlerFunc {
	channel := router.Handler().Name()

	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		clientIP := getClientIP(r)

		if s.shuttingDown.Load() {
			http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
			return
		}

		if s.connLimiter != nil && !s.connLimiter.CheckConnectionAllowed(clientIP) {
			s.logger.Warn().
				Str("client_ip", clientIP).
				Str("channel", channel).
				Msg("Connection rejected: rate limit exceeded")
			monitoring.RecordConnectionRejected("rate_limit")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		c := newWSConn(clientIP, s.cfg.SendBuffer)
		id, err := s.broker.Register(c, broker.ConnMeta{RemoteAddr: clientIP, Channel: channel})
		if err != nil {
			status := http.StatusServiceUnavailable
			if !errors.Is(err, broker.ErrCapacityExceeded) {
				status = http.StatusInternalServerError
			}
			s.logger.Warn().
				Str("client_ip", clientIP).
				Err(err).
				Msg("Connection rejected by admission")
			http.Error(w, err.Error(), status)
			return
		}
		c.id = id

		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("client_ip", clientIP).
				Str("connection_id", id).
				Msg("WebSocket upgrade failed")
			s.broker.Evict(id, broker.ReasonHandshakeFailed)
			return
		}
		// deadlines set by http.Server survive the hijack
		_ = conn.SetDeadline(time.Time{})
		c.conn = conn

		s.wg.Add(2)
		go s.writePump(c)

		if err := s.broker.Accept(context.Background(), id); err != nil {
			s.logger.Warn().
				Err(err).
				Str("connection_id", id).
				Msg("Welcome message failed")
			s.broker.Evict(id, broker.ReasonHandshakeFailed)
			s.wg.Done()
			return
		}

		s.logger.Info().
			Str("client_ip", clientIP).
			Str("connection_id", id).
			Str("channel", channel).
			Dur("setup_time", time.Since(startTime)).
			Msg("Client connected")

		go s.readPump(c, router)
	}
}

// getClientIP prefers the first X-Forwarded-For hop, then RemoteAddr.
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
