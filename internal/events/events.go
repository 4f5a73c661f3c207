// Package events carries state-change notifications out of the trading core.
// Delivery is at-most-once: sinks log their own failures and never report
// them to the publisher's caller.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	OrderUpdated          = "order.updated"
	TradeExecuted         = "trade.executed"
	TradeFailed           = "trade.failed"
	TradeConfirmed        = "trade.confirmed"
	TradeSettlementFailed = "trade.settlement_failed"
	BalanceUpdated        = "balance.updated"
	TransactionUpdated    = "transaction.updated"
)

const envelopeVersion = 1

// Publisher is the narrow sink the trading core depends on
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload any)
}

type Envelope struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	EventVersion  int       `json:"event_version"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Payload       any       `json:"payload"`
}

type correlationKey struct{}

// WithCorrelationID tags every event published under ctx with id
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func NewEnvelope(ctx context.Context, eventType string, payload any) Envelope {
	env := Envelope{
		EventID:      uuid.NewString(),
		EventType:    eventType,
		EventVersion: envelopeVersion,
		Timestamp:    time.Now().UTC(),
		Payload:      payload,
	}
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		env.CorrelationID = id
	}
	return env
}

// LogPublisher writes every event to the structured log
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: log.With().Str("service", "events").Logger()}
}

func (p *LogPublisher) Publish(ctx context.Context, eventType string, payload any) {
	env := NewEnvelope(ctx, eventType, payload)
	p.logger.Info().
		Str("event_id", env.EventID).
		Str("event_type", env.EventType).
		Str("correlation_id", env.CorrelationID).
		Interface("payload", env.Payload).
		Msg("event published")
}

// Fanout delivers each event to every sink in order
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, eventType string, payload any) {
	for _, p := range f {
		if p != nil {
			p.Publish(ctx, eventType, payload)
		}
	}
}

type Nop struct{}

func (Nop) Publish(context.Context, string, any) {}
