package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adred-codev/careline/internal/monitoring"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaConfig holds consumer configuration
type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        []string
}

// KafkaSource consumes backend events from Kafka (or Redpanda) with a
// consumer group.
type KafkaSource struct {
	client *kgo.Client
	router *Router
	logger zerolog.Logger
	topics []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewKafkaSource(cfg KafkaConfig, router *Router, logger zerolog.Logger) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, errors.New("consumer group is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("at least one topic is required")
	}

	logger = logger.With().Str("component", "kafka_source").Logger()
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.SessionTimeout(30*time.Second),
		kgo.RebalanceTimeout(60*time.Second),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info().
				Interface("partitions", assigned).
				Msg("Partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info().
				Interface("partitions", revoked).
				Msg("Partitions revoked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaSource{
		client: client,
		router: router,
		logger: logger,
		topics: cfg.Topics,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (k *KafkaSource) Name() string { return "kafka" }

func (k *KafkaSource) Start() error {
	k.logger.Info().
		Strs("topics", k.topics).
		Msg("Starting Kafka consumer")

	k.wg.Add(1)
	go k.consumeLoop()
	return nil
}

func (k *KafkaSource) Stop() error {
	k.cancel()
	k.wg.Wait()
	k.client.Close()
	k.logger.Info().Msg("Kafka consumer stopped")
	return nil
}

func (k *KafkaSource) consumeLoop() {
	defer monitoring.RecoverPanic(k.logger, "kafkaConsumeLoop", map[string]any{
		"topics": k.topics,
	})
	defer k.wg.Done()

	for {
		fetches := k.client.PollFetches(k.ctx)
		if fetches.IsClientClosed() || k.ctx.Err() != nil {
			return
		}

		for _, fe := range fetches.Errors() {
			if errors.Is(fe.Err, context.Canceled) {
				continue
			}
			k.logger.Error().
				Err(fe.Err).
				Str("topic", fe.Topic).
				Int32("partition", fe.Partition).
				Msg("Fetch error")
		}

		fetches.EachRecord(k.handleRecord)
	}
}

func (k *KafkaSource) handleRecord(record *kgo.Record) {
	k.router.handle(k.ctx, k.Name(), record.Value)
}
