package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/adred-codev/careline/internal/monitoring"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

type NATSConfig struct {
	URL           string
	Subject       string
	MaxReconnects int
	ReconnectWait time.Duration
}

// NATSSource consumes backend events from a NATS subject.
type NATSSource struct {
	cfg    NATSConfig
	router *Router
	logger zerolog.Logger

	conn *nats.Conn
	sub  *nats.Subscription
}

func NewNATSSource(cfg NATSConfig, router *Router, logger zerolog.Logger) *NATSSource {
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	return &NATSSource{
		cfg:    cfg,
		router: router,
		logger: logger.With().Str("component", "nats_source").Logger(),
	}
}

func (n *NATSSource) Name() string { return "nats" }

// Start connects and subscribes. Reconnects are handled by the client.
func (n *NATSSource) Start() error {
	conn, err := nats.Connect(n.cfg.URL,
		nats.Name("careline-ws"),
		nats.MaxReconnects(n.cfg.MaxReconnects),
		nats.ReconnectWait(n.cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				n.logger.Warn().Err(err).Msg("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			n.logger.Info().Str("url", c.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			monitoring.LogError(n.logger, err, "NATS error", nil)
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	sub, err := conn.Subscribe(n.cfg.Subject, n.handleMsg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", n.cfg.Subject, err)
	}

	n.conn = conn
	n.sub = sub
	n.logger.Info().
		Str("url", conn.ConnectedUrl()).
		Str("subject", n.cfg.Subject).
		Msg("Subscribed to NATS subject")
	return nil
}

// Stop drains the subscription so in-flight messages are delivered.
func (n *NATSSource) Stop() error {
	if n.conn == nil {
		return nil
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	n.logger.Info().Msg("NATS consumer stopped")
	return nil
}

func (n *NATSSource) handleMsg(msg *nats.Msg) {
	defer monitoring.RecoverPanic(n.logger, "natsHandler", map[string]any{
		"subject": msg.Subject,
	})
	n.router.handle(context.Background(), n.Name(), msg.Data)
}
