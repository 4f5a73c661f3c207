package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/tokex-api/internal/metrics"
)

// KafkaPublisher sends enveloped events to <prefix>.<event type> topics
type KafkaPublisher struct {
	producer sarama.SyncProducer
	prefix   string
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

func NewKafkaPublisher(brokers []string, prefix string, m *metrics.Metrics) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_6_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewKafkaPublisherWithProducer(producer, prefix, m), nil
}

func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, prefix string, m *metrics.Metrics) *KafkaPublisher {
	return &KafkaPublisher{
		producer: producer,
		prefix:   prefix,
		metrics:  m,
		logger:   log.With().Str("service", "events_kafka").Logger(),
	}
}

// Topic returns the topic events of eventType are written to
func (p *KafkaPublisher) Topic(eventType string) string {
	if p.prefix == "" {
		return eventType
	}
	return p.prefix + "." + eventType
}

func (p *KafkaPublisher) Publish(ctx context.Context, eventType string, payload any) {
	if err := p.send(ctx, eventType, payload); err != nil {
		p.logger.Error().Err(err).Str("event_type", eventType).Msg("failed to publish event")
	}
}

func (p *KafkaPublisher) send(ctx context.Context, eventType string, payload any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	env := NewEnvelope(ctx, eventType, payload)
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	key := env.CorrelationID
	if key == "" {
		key = partitionKey(payload)
	}
	if key == "" {
		key = env.EventID
	}
	msg := &sarama.ProducerMessage{
		Topic: p.Topic(eventType),
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}

	_, _, err = p.producer.SendMessage(msg)
	p.metrics.ObserveEvent(eventType, err)
	if err != nil {
		return fmt.Errorf("send to %s: %w", msg.Topic, err)
	}
	return nil
}

// Keyed payloads name the entity they describe so every event for one
// entity lands on the same partition in publish order
type Keyed interface {
	EventKey() string
}

func partitionKey(payload any) string {
	if k, ok := payload.(Keyed); ok {
		return k.EventKey()
	}
	return ""
}

func (p *KafkaPublisher) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}
