package transport

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/adred-codev/careline/internal/auth"
	"github.com/adred-codev/careline/internal/broker"
)

// requirePrincipal verifies the bearer token of an admin request.
func (s *Server) requirePrincipal(next func(http.ResponseWriter, *http.Request, auth.Principal)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ExtractTokenFromHeader(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "AUTH_ERROR", err.Error())
			return
		}
		p, err := s.authn.Verify(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "AUTH_ERROR", err.Error())
			return
		}
		next(w, r, p)
	}
}

// canManage reports whether p may act on resources owned by userID.
func canManage(p auth.Principal, userID string) bool {
	return p.Role == auth.RoleAdmin || (userID != "" && p.UserID == userID)
}

// handleStatus serves GET /ws/status. Admins also get the connection list.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request, p auth.Principal) {
	cfg := s.broker.Config()
	resp := map[string]any{
		"stats": s.broker.Stats(),
		"limits": map[string]any{
			"max_connections":          cfg.MaxConnections,
			"max_connections_per_user": cfg.MaxConnectionsPerUser,
			"max_recovery_attempts":    cfg.MaxRecoveryAttempts,
		},
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
		"timestamp":      time.Now().UTC(),
	}
	if s.system != nil {
		resp["system"] = s.system.Latest()
	}
	if s.connLimiter != nil {
		resp["connection_rate_limiter"] = s.connLimiter.Stats()
	}
	if p.Role == auth.RoleAdmin {
		resp["connections"] = s.broker.Connections()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleConnectionHealth serves GET /ws/connection/{id}/health.
func (s *Server) handleConnectionHealth(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	info, ok := s.broker.Connection(r.PathValue("id"))
	if !ok || !canManage(p, info.UserID) {
		// foreign connections are reported as missing
		writeError(w, http.StatusNotFound, "NOT_FOUND", broker.ErrConnectionNotFound.Error())
		return
	}

	now := time.Now()
	writeJSON(w, http.StatusOK, map[string]any{
		"connection":        info,
		"healthy":           info.State == broker.StateAuthenticated || info.State == broker.StateConnected,
		"idle_seconds":      now.Sub(info.LastActivity).Seconds(),
		"connected_seconds": now.Sub(info.ConnectedAt).Seconds(),
	})
}

// handleDisconnect serves DELETE /ws/connection/{id}.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	id := r.PathValue("id")
	info, ok := s.broker.Connection(id)
	if !ok || !canManage(p, info.UserID) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", broker.ErrConnectionNotFound.Error())
		return
	}

	evicted := s.broker.Evict(id, broker.ReasonAdmin)
	s.logger.Info().
		Str("connection_id", id).
		Str("requested_by", p.UserID).
		Bool("evicted", evicted).
		Msg("Connection closed by request")
	writeJSON(w, http.StatusOK, map[string]any{
		"connection_id": id,
		"disconnected":  evicted,
	})
}

// handleReconnect serves POST /ws/user/{id}/reconnect.
func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	userID := r.PathValue("id")
	if !canManage(p, userID) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "not allowed to reconnect another user's connections")
		return
	}

	report := s.broker.ReconnectUser(r.Context(), userID)
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"report":  report,
	})
}

// handleHealth is the process liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status, code := "healthy", http.StatusOK
	if s.shuttingDown.Load() {
		status, code = "shutting_down", http.StatusServiceUnavailable
	}
	stats := s.broker.Stats()
	writeJSON(w, code, map[string]any{
		"status":         status,
		"connections":    stats.Connections,
		"authenticated":  stats.Authenticated,
		"goroutines":     runtime.NumGoroutine(),
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
