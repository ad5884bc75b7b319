package ingest

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Source is a running backend event consumer.
type Source interface {
	Name() string
	Start() error
	Stop() error
}

// SourceConfig selects and configures the event source.
type SourceConfig struct {
	Kind  string // none, kafka or nats
	Kafka KafkaConfig
	NATS  NATSConfig
}

// NewSource builds the configured source. It returns nil for kind "none".
func NewSource(cfg SourceConfig, router *Router, logger zerolog.Logger) (Source, error) {
	switch cfg.Kind {
	case "", "none":
		return nil, nil
	case "kafka":
		k, err := NewKafkaSource(cfg.Kafka, router, logger)
		if err != nil {
			return nil, err
		}
		return k, nil
	case "nats":
		return NewNATSSource(cfg.NATS, router, logger), nil
	}
	return nil, fmt.Errorf("unknown ingest source %q", cfg.Kind)
}
