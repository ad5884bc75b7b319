package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/adred-codev/careline/internal/audit"
	"github.com/adred-codev/careline/internal/auth"
	"github.com/adred-codev/careline/internal/broker"
	"github.com/adred-codev/careline/internal/channels"
	"github.com/adred-codev/careline/internal/config"
	"github.com/adred-codev/careline/internal/ingest"
	"github.com/adred-codev/careline/internal/limits"
	"github.com/adred-codev/careline/internal/monitoring"
	"github.com/adred-codev/careline/internal/transport"
	"github.com/avast/retry-go/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"
)

const service = "careline-ws"

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	// Startup logger until the configured one exists
	boot := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json", Service: service})
	boot.Info().
		Int("gomaxprocs", runtime.GOMAXPROCS(0)).
		Msg("GOMAXPROCS set via automaxprocs")

	cfg, err := config.Load(&boot)
	if err != nil {
		boot.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: service,
	})
	cfg.LogConfig(logger)

	auditLog, redisClient, err := newAuditLog(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create audit sink")
	}

	authn := auth.NewCachingAuthenticator(
		auth.NewJWTAuthenticator(cfg.JWTSecret, cfg.JWTIssuer),
		cfg.AuthCacheSize,
		cfg.AuthCacheTTL,
	)

	b := broker.New(cfg.BrokerConfig(), broker.Deps{
		Authenticator: authn,
		Authorizer:    auth.DefaultPermissions(),
		Audit:         auditLog,
		Logger:        logger,
	})

	health := channels.NewHealthHandler(b, channels.NewMemoryHealthStore(), logger)
	chat := channels.NewChatHandler(b, channels.NewMemoryChatStore(), nil, logger)
	notifications := channels.NewNotificationsHandler(b, channels.NewMemoryNotificationStore(), logger)

	system := monitoring.NewSystemMonitor(logger)
	system.Start(cfg.MetricsInterval)

	server := transport.NewServer(cfg.TransportConfig(), transport.Deps{
		Broker: b,
		Routers: []*channels.Router{
			channels.NewRouter(b, health, logger),
			channels.NewRouter(b, chat, logger),
			channels.NewRouter(b, notifications, logger),
		},
		Authenticator: authn,
		ConnLimiter: limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
			IPBurst:     cfg.ConnBurstPerIP,
			IPRate:      cfg.ConnRatePerIP,
			GlobalBurst: cfg.ConnBurstGlobal,
			GlobalRate:  cfg.ConnRateGlobal,
			Logger:      logger,
		}),
		MsgLimiter: limits.NewMessageLimiter(cfg.MessageRate, cfg.MessageBurst),
		System:     system,
		Audit:      auditLog,
		Logger:     logger,
	})

	source, err := ingest.NewSource(cfg.IngestConfig(), &ingest.Router{
		Publisher:     b,
		Health:        health,
		Notifications: notifications,
		Chat:          chat,
		Logger:        logger,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create ingest source")
	}

	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	if source != nil {
		err := retry.Do(
			source.Start,
			retry.Attempts(5),
			retry.Delay(time.Second),
			retry.DelayType(retry.BackOffDelay),
			retry.OnRetry(func(n uint, err error) {
				logger.Warn().
					Err(err).
					Uint("attempt", n+1).
					Str("source", source.Name()).
					Msg("Ingest source start failed, retrying")
			}),
		)
		if err != nil {
			logger.Fatal().Err(err).Str("source", source.Name()).Msg("Failed to start ingest source")
		}
	}

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info().Str("signal", sig.String()).Msg("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if source != nil {
		if err := source.Stop(); err != nil {
			logger.Error().Err(err).Str("source", source.Name()).Msg("Ingest source stop failed")
		}
	}
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
	chat.Wait()
	system.Stop()
	auditLog.Close(ctx)
	if redisClient != nil {
		_ = redisClient.Close()
	}

	logger.Info().Msg("Server stopped")
}

// newAuditLog builds the audit pipeline for AUDIT_SINK. The redis client is
// returned so shutdown can close it after the queue drains.
func newAuditLog(cfg *config.Config, logger zerolog.Logger) (*audit.Logger, *redis.Client, error) {
	if cfg.AuditSink != "redis" {
		return audit.New(audit.NewLogSink(logger), logger, cfg.AuditQueueSize), nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	sink := audit.NewRedisSink(client, cfg.RedisAuditStream, cfg.RedisAuditMaxLen)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := retry.Do(
		func() error { return sink.Ping(ctx) },
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
	)
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis audit sink %s: %w", cfg.RedisAddr, err)
	}

	logger.Info().
		Str("addr", cfg.RedisAddr).
		Str("stream", cfg.RedisAuditStream).
		Msg("Audit events streaming to redis")
	return audit.New(sink, logger, cfg.AuditQueueSize), client, nil
}
