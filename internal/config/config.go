package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/adred-codev/careline/internal/broker"
	"github.com/adred-codev/careline/internal/ingest"
	"github.com/adred-codev/careline/internal/transport"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
//	required: Must be provided (no default)
type Config struct {
	// Server basics
	Addr            string        `env:"WS_ADDR" envDefault:":3002"`
	PingInterval    time.Duration `env:"WS_PING_INTERVAL" envDefault:"30s"`
	WriteTimeout    time.Duration `env:"WS_WRITE_TIMEOUT" envDefault:"5s"`
	ShutdownTimeout time.Duration `env:"WS_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Admission
	MaxConnections        int `env:"WS_MAX_CONNECTIONS" envDefault:"1000"`
	MaxConnectionsPerUser int `env:"WS_MAX_CONNECTIONS_PER_USER" envDefault:"5"`

	// Delivery
	MaxRetries           int           `env:"WS_MAX_RETRIES" envDefault:"3"`
	RetryDelay           time.Duration `env:"WS_RETRY_DELAY" envDefault:"100ms"`
	SendTimeout          time.Duration `env:"WS_SEND_TIMEOUT" envDefault:"5s"`
	BroadcastTimeout     time.Duration `env:"WS_BROADCAST_TIMEOUT" envDefault:"1s"`
	SendBuffer           int           `env:"WS_SEND_BUFFER" envDefault:"256"`
	BroadcastConcurrency int           `env:"WS_BROADCAST_CONCURRENCY" envDefault:"64"`
	ReplayBufferSize     int           `env:"WS_REPLAY_BUFFER_SIZE" envDefault:"100"`
	ReplayTopics         int           `env:"WS_REPLAY_TOPICS" envDefault:"10000"`

	// Liveness and recovery
	HeartbeatInterval   time.Duration `env:"WS_HEARTBEAT_INTERVAL" envDefault:"30s"`
	IdleSweepInterval   time.Duration `env:"WS_IDLE_SWEEP_INTERVAL" envDefault:"5m"`
	IdleTimeout         time.Duration `env:"WS_IDLE_TIMEOUT" envDefault:"1h"`
	RecoveryInterval    time.Duration `env:"WS_RECOVERY_INTERVAL" envDefault:"60s"`
	MaxRecoveryAttempts int           `env:"WS_MAX_RECOVERY_ATTEMPTS" envDefault:"5"`

	// Rate limiting
	MessageRate     float64 `env:"WS_MSG_RATE" envDefault:"10"`
	MessageBurst    int     `env:"WS_MSG_BURST" envDefault:"100"`
	ConnRatePerIP   float64 `env:"WS_CONN_RATE_IP" envDefault:"1.0"`
	ConnBurstPerIP  int     `env:"WS_CONN_BURST_IP" envDefault:"10"`
	ConnRateGlobal  float64 `env:"WS_CONN_RATE_GLOBAL" envDefault:"50.0"`
	ConnBurstGlobal int     `env:"WS_CONN_BURST_GLOBAL" envDefault:"300"`

	// Authentication
	JWTSecret     string        `env:"JWT_SECRET,required"`
	JWTIssuer     string        `env:"JWT_ISSUER" envDefault:"careline-api"`
	AuthCacheSize int           `env:"AUTH_CACHE_SIZE" envDefault:"4096"`
	AuthCacheTTL  time.Duration `env:"AUTH_CACHE_TTL" envDefault:"5m"`

	// Audit
	AuditSink        string `env:"AUDIT_SINK" envDefault:"log"` // log or redis
	AuditQueueSize   int    `env:"AUDIT_QUEUE_SIZE" envDefault:"1024"`
	RedisAddr        string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword    string `env:"REDIS_PASSWORD"`
	RedisAuditStream string `env:"REDIS_AUDIT_STREAM" envDefault:"careline:audit"`
	RedisAuditMaxLen int64  `env:"REDIS_AUDIT_MAXLEN" envDefault:"100000"`

	// Backend event ingress
	IngestSource  string   `env:"INGEST_SOURCE" envDefault:"none"` // none, kafka or nats
	KafkaBrokers  []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:19092"`
	ConsumerGroup string   `env:"KAFKA_CONSUMER_GROUP" envDefault:"careline-ws-group"`
	KafkaTopics   []string `env:"KAFKA_TOPICS" envSeparator:"," envDefault:"careline.events"`
	NATSURL       string   `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	NATSSubject   string   `env:"NATS_SUBJECT" envDefault:"careline.events.>"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is optional; containers pass plain environment variables
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("WS_ADDR is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	// Range checks
	if c.MaxConnections < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.MaxConnectionsPerUser < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS_PER_USER must be > 0, got %d", c.MaxConnectionsPerUser)
	}
	if c.MaxConnectionsPerUser > c.MaxConnections {
		return fmt.Errorf("WS_MAX_CONNECTIONS_PER_USER (%d) must be <= WS_MAX_CONNECTIONS (%d)",
			c.MaxConnectionsPerUser, c.MaxConnections)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("WS_MAX_RETRIES must be >= 0, got %d", c.MaxRetries)
	}
	if c.MaxRecoveryAttempts < 1 {
		return fmt.Errorf("WS_MAX_RECOVERY_ATTEMPTS must be > 0, got %d", c.MaxRecoveryAttempts)
	}
	if c.SendBuffer < 1 {
		return fmt.Errorf("WS_SEND_BUFFER must be > 0, got %d", c.SendBuffer)
	}
	if c.BroadcastConcurrency < 1 {
		return fmt.Errorf("WS_BROADCAST_CONCURRENCY must be > 0, got %d", c.BroadcastConcurrency)
	}
	if c.ReplayBufferSize < 0 {
		return fmt.Errorf("WS_REPLAY_BUFFER_SIZE must be >= 0, got %d", c.ReplayBufferSize)
	}

	durations := map[string]time.Duration{
		"WS_PING_INTERVAL":       c.PingInterval,
		"WS_WRITE_TIMEOUT":       c.WriteTimeout,
		"WS_SHUTDOWN_TIMEOUT":    c.ShutdownTimeout,
		"WS_SEND_TIMEOUT":        c.SendTimeout,
		"WS_BROADCAST_TIMEOUT":   c.BroadcastTimeout,
		"WS_HEARTBEAT_INTERVAL":  c.HeartbeatInterval,
		"WS_IDLE_SWEEP_INTERVAL": c.IdleSweepInterval,
		"WS_IDLE_TIMEOUT":        c.IdleTimeout,
		"WS_RECOVERY_INTERVAL":   c.RecoveryInterval,
		"METRICS_INTERVAL":       c.MetricsInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0, got %s", name, d)
		}
	}

	// Enum checks
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}

	validSinks := map[string]bool{"log": true, "redis": true}
	if !validSinks[c.AuditSink] {
		return fmt.Errorf("AUDIT_SINK must be one of: log, redis (got: %s)", c.AuditSink)
	}

	switch c.IngestSource {
	case "none":
	case "kafka":
		if len(c.KafkaBrokers) == 0 || len(c.KafkaTopics) == 0 {
			return fmt.Errorf("INGEST_SOURCE=kafka requires KAFKA_BROKERS and KAFKA_TOPICS")
		}
	case "nats":
		if c.NATSURL == "" || c.NATSSubject == "" {
			return fmt.Errorf("INGEST_SOURCE=nats requires NATS_URL and NATS_SUBJECT")
		}
	default:
		return fmt.Errorf("INGEST_SOURCE must be one of: none, kafka, nats (got: %s)", c.IngestSource)
	}

	return nil
}

// BrokerConfig maps the environment-level settings onto the broker's injected config.
func (c *Config) BrokerConfig() broker.Config {
	return broker.Config{
		MaxConnections:        c.MaxConnections,
		MaxConnectionsPerUser: c.MaxConnectionsPerUser,
		MaxRetries:            c.MaxRetries,
		RetryDelay:            c.RetryDelay,
		SendTimeout:           c.SendTimeout,
		BroadcastTimeout:      c.BroadcastTimeout,
		BroadcastConcurrency:  c.BroadcastConcurrency,
		HeartbeatInterval:     c.HeartbeatInterval,
		IdleSweepInterval:     c.IdleSweepInterval,
		IdleTimeout:           c.IdleTimeout,
		RecoveryInterval:      c.RecoveryInterval,
		MaxRecoveryAttempts:   c.MaxRecoveryAttempts,
		ReplayBufferSize:      c.ReplayBufferSize,
		ReplayTopics:          c.ReplayTopics,
	}
}

// TransportConfig maps socket and HTTP settings onto the transport server.
func (c *Config) TransportConfig() transport.Config {
	tc := transport.DefaultConfig()
	tc.Addr = c.Addr
	tc.SendBuffer = c.SendBuffer
	tc.PingInterval = c.PingInterval
	tc.WriteTimeout = c.WriteTimeout
	return tc
}

// IngestConfig selects the backend event source.
func (c *Config) IngestConfig() ingest.SourceConfig {
	return ingest.SourceConfig{
		Kind: c.IngestSource,
		Kafka: ingest.KafkaConfig{
			Brokers:       c.KafkaBrokers,
			ConsumerGroup: c.ConsumerGroup,
			Topics:        c.KafkaTopics,
		},
		NATS: ingest.NATSConfig{
			URL:     c.NATSURL,
			Subject: c.NATSSubject,
		},
	}
}

// LogConfig logs configuration using structured logging (Loki-compatible)
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("max_connections", c.MaxConnections).
		Int("max_connections_per_user", c.MaxConnectionsPerUser).
		Int("max_retries", c.MaxRetries).
		Dur("retry_delay", c.RetryDelay).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("idle_timeout", c.IdleTimeout).
		Dur("recovery_interval", c.RecoveryInterval).
		Int("max_recovery_attempts", c.MaxRecoveryAttempts).
		Int("replay_buffer_size", c.ReplayBufferSize).
		Str("audit_sink", c.AuditSink).
		Str("ingest_source", c.IngestSource).
		Str("kafka_brokers", strings.Join(c.KafkaBrokers, ",")).
		Str("nats_subject", c.NATSSubject).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
