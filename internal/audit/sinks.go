package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// LogSink writes audit events as structured log lines.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("stream", "audit").Logger()}
}

func (s *LogSink) Write(_ context.Context, e Event) error {
	var ev *zerolog.Event
	switch e.Level {
	case DEBUG:
		ev = s.logger.Debug()
	case WARNING:
		ev = s.logger.Warn()
	case ERROR, CRITICAL:
		ev = s.logger.Error()
	default:
		ev = s.logger.Info()
	}

	ev.Str("audit_level", string(e.Level)).
		Str("event", e.Type).
		Time("event_time", e.Timestamp)
	if e.UserID != "" {
		ev.Str("user_id", e.UserID)
	}
	if len(e.Details) > 0 {
		ev.Interface("details", e.Details)
	}
	ev.Msg("audit")
	return nil
}

// RedisSink appends audit events to a capped Redis stream.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisSink(client *redis.Client, stream string, maxLen int64) *RedisSink {
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisSink) Write(ctx context.Context, e Event) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}

	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"event":     e.Type,
			"level":     string(e.Level),
			"user_id":   e.UserID,
			"timestamp": e.Timestamp.Format(time.RFC3339Nano),
			"details":   string(details),
		},
	}).Err()
}

// Ping verifies the Redis connection at startup.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
