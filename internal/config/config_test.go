package config

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseWithEnv(t *testing.T, vars map[string]string) (*Config, error) {
	t.Helper()
	for k, v := range vars {
		t.Setenv(k, v)
	}
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func TestDefaults(t *testing.T) {
	cfg, err := parseWithEnv(t, map[string]string{"JWT_SECRET": "secret"})
	require.NoError(t, err)

	assert.Equal(t, ":3002", cfg.Addr)
	assert.Equal(t, 1000, cfg.MaxConnections)
	assert.Equal(t, 5, cfg.MaxConnectionsPerUser)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 5*time.Minute, cfg.IdleSweepInterval)
	assert.Equal(t, time.Hour, cfg.IdleTimeout)
	assert.Equal(t, 60*time.Second, cfg.RecoveryInterval)
	assert.Equal(t, 5, cfg.MaxRecoveryAttempts)
	assert.Equal(t, 100, cfg.ReplayBufferSize)
	assert.Equal(t, []string{"localhost:19092"}, cfg.KafkaBrokers)
}

func TestJWTSecretRequired(t *testing.T) {
	cfg := &Config{}
	err := env.Parse(cfg)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
		want string
	}{
		{"zero max connections", map[string]string{"WS_MAX_CONNECTIONS": "0"}, "WS_MAX_CONNECTIONS"},
		{"per user above global", map[string]string{"WS_MAX_CONNECTIONS": "2", "WS_MAX_CONNECTIONS_PER_USER": "3"}, "WS_MAX_CONNECTIONS_PER_USER"},
		{"zero recovery attempts", map[string]string{"WS_MAX_RECOVERY_ATTEMPTS": "0"}, "WS_MAX_RECOVERY_ATTEMPTS"},
		{"bad log level", map[string]string{"LOG_LEVEL": "trace"}, "LOG_LEVEL"},
		{"bad audit sink", map[string]string{"AUDIT_SINK": "s3"}, "AUDIT_SINK"},
		{"bad ingest source", map[string]string{"INGEST_SOURCE": "sqs"}, "INGEST_SOURCE"},
		{"zero heartbeat", map[string]string{"WS_HEARTBEAT_INTERVAL": "0s"}, "WS_HEARTBEAT_INTERVAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vars := map[string]string{"JWT_SECRET": "secret"}
			for k, v := range tt.vars {
				vars[k] = v
			}
			_, err := parseWithEnv(t, vars)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestBrokerConfig(t *testing.T) {
	cfg, err := parseWithEnv(t, map[string]string{
		"JWT_SECRET":                  "secret",
		"WS_MAX_CONNECTIONS_PER_USER": "2",
		"WS_RETRY_DELAY":              "250ms",
		"WS_BROADCAST_TIMEOUT":        "300ms",
	})
	require.NoError(t, err)

	bc := cfg.BrokerConfig()
	assert.Equal(t, 2, bc.MaxConnectionsPerUser)
	assert.Equal(t, 250*time.Millisecond, bc.RetryDelay)
	assert.Equal(t, 300*time.Millisecond, bc.BroadcastTimeout)
	assert.Equal(t, cfg.IdleTimeout, bc.IdleTimeout)
}

func TestTransportAndIngestConfig(t *testing.T) {
	cfg, err := parseWithEnv(t, map[string]string{
		"JWT_SECRET":       "secret",
		"WS_ADDR":          ":9000",
		"WS_PING_INTERVAL": "10s",
		"INGEST_SOURCE":    "kafka",
		"KAFKA_BROKERS":    "k1:9092,k2:9092",
		"KAFKA_TOPICS":     "vitals,alerts",
	})
	require.NoError(t, err)

	tc := cfg.TransportConfig()
	assert.Equal(t, ":9000", tc.Addr)
	assert.Equal(t, 10*time.Second, tc.PingInterval)
	assert.Equal(t, 5*time.Second, tc.WriteTimeout)
	assert.Equal(t, 256, tc.SendBuffer)
	assert.Positive(t, tc.HTTPIdleTimeout)

	ic := cfg.IngestConfig()
	assert.Equal(t, "kafka", ic.Kind)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, ic.Kafka.Brokers)
	assert.Equal(t, []string{"vitals", "alerts"}, ic.Kafka.Topics)
	assert.Equal(t, "careline-ws-group", ic.Kafka.ConsumerGroup)
	assert.Equal(t, "careline.events.>", ic.NATS.Subject)
}
