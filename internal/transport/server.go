// Package transport exposes the broker over WebSocket (gobwas/ws) and serves
// the admin HTTP surface.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/careline/internal/audit"
	"github.com/adred-codev/careline/internal/auth"
	"github.com/adred-codev/careline/internal/broker"
	"github.com/adred-codev/careline/internal/channels"
	"github.com/adred-codev/careline/internal/limits"
	"github.com/adred-codev/careline/internal/monitoring"
	"github.com/rs/zerolog"
)

type Config struct {
	Addr         string
	SendBuffer   int
	PingInterval time.Duration
	WriteTimeout time.Duration

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Addr:             ":3002",
		SendBuffer:       256,
		PingInterval:     30 * time.Second,
		WriteTimeout:     5 * time.Second,
		HTTPReadTimeout:  15 * time.Second,
		HTTPWriteTimeout: 15 * time.Second,
		HTTPIdleTimeout:  60 * time.Second,
	}
}

// Deps are the collaborators of a Server. ConnLimiter, MsgLimiter and System
// are optional.
type Deps struct {
	Broker        *broker.Broker
	Routers       []*channels.Router
	Authenticator auth.Authenticator
	ConnLimiter   *limits.ConnectionRateLimiter
	MsgLimiter    *limits.MessageLimiter
	System        *monitoring.SystemMonitor
	Audit         audit.Log
	Logger        zerolog.Logger
}

type Server struct {
	cfg         Config
	broker      *broker.Broker
	routers     []*channels.Router
	authn       auth.Authenticator
	connLimiter *limits.ConnectionRateLimiter
	msgLimiter  *limits.MessageLimiter
	system      *monitoring.SystemMonitor
	audit       audit.Log
	logger      zerolog.Logger
	startedAt   time.Time

	httpServer   *http.Server
	listener     net.Listener
	shuttingDown atomic.Bool
	wg           sync.WaitGroup // pumps
}

func NewServer(cfg Config, deps Deps) *Server {
	def := DefaultConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if deps.Audit == nil {
		deps.Audit = audit.Discard{}
	}

	return &Server{
		cfg:         cfg,
		broker:      deps.Broker,
		routers:     deps.Routers,
		authn:       deps.Authenticator,
		connLimiter: deps.ConnLimiter,
		msgLimiter:  deps.MsgLimiter,
		system:      deps.System,
		audit:       deps.Audit,
		logger:      deps.Logger.With().Str("component", "transport").Logger(),
		startedAt:   time.Now(),
	}
}

// Handler returns the HTTP routes: one socket endpoint per channel router,
// the admin surface, /health and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	for _, r := range s.routers {
		mux.HandleFunc("GET /ws/"+r.Handler().Name(), s.handleWebSocket(r))
	}
	mux.HandleFunc("GET /ws/status", s.requirePrincipal(s.handleStatus))
	mux.HandleFunc("GET /ws/connection/{id}/health", s.requirePrincipal(s.handleConnectionHealth))
	mux.HandleFunc("DELETE /ws/connection/{id}", s.requirePrincipal(s.handleDisconnect))
	mux.HandleFunc("POST /ws/user/{id}/reconnect", s.requirePrincipal(s.handleReconnect))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", monitoring.HandleMetrics())
	return mux
}

// Start listens on cfg.Addr and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:        s.Handler(),
		ReadTimeout:    s.cfg.HTTPReadTimeout,
		WriteTimeout:   s.cfg.HTTPWriteTimeout,
		IdleTimeout:    s.cfg.HTTPIdleTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		defer monitoring.RecoverPanic(s.logger, "httpServe", nil)
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().
				Err(err).
				Msg("Server accept loop error")
		}
	}()

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Int("channels", len(s.routers)).
		Msg("Server listening")
	return nil
}

// Addr is the bound listen address once Start has returned.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown rejects new sockets, closes every connection through the broker
// and waits for the pumps to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	s.shuttingDown.Store(true)

	var errs []error
	if s.httpServer != nil {
		// hijacked sockets are not tracked by http.Server
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if err := s.broker.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("broker shutdown: %w", err))
	}
	if s.connLimiter != nil {
		s.connLimiter.Stop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("Graceful shutdown completed")
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for connections: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}
