package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/tokex-api/internal/metrics"
)

func TestNewEnvelope_CorrelationID(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "ord-1")
	env := NewEnvelope(ctx, OrderUpdated, map[string]string{"order_id": "ord-1"})

	assert.NotEmpty(t, env.EventID)
	assert.Equal(t, OrderUpdated, env.EventType)
	assert.Equal(t, 1, env.EventVersion)
	assert.Equal(t, "ord-1", env.CorrelationID)
}

func TestFanout_DeliversToEverySink(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	f := Fanout{a, nil, b}

	f.Publish(context.Background(), TradeExecuted, "t-1")

	assert.Equal(t, 1, a.Count(TradeExecuted))
	assert.Equal(t, 1, b.Count(TradeExecuted))
}

func TestKafkaPublisher_SendsEnvelope(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var env Envelope
		if err := json.Unmarshal(val, &env); err != nil {
			return err
		}
		if env.EventType != BalanceUpdated {
			return errors.New("unexpected event type " + env.EventType)
		}
		return nil
	})

	m := metrics.NewMetrics(prometheus.NewRegistry())
	p := NewKafkaPublisherWithProducer(producer, "tokex", m)
	p.Publish(context.Background(), BalanceUpdated, map[string]string{"user_id": "alice"})

	require.NoError(t, p.Close())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues(BalanceUpdated, "success")))
}

func TestKafkaPublisher_SwallowsSendFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	m := metrics.NewMetrics(prometheus.NewRegistry())
	p := NewKafkaPublisherWithProducer(producer, "tokex", m)

	assert.NotPanics(t, func() {
		p.Publish(context.Background(), TradeFailed, "t-1")
	})
	require.NoError(t, p.Close())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues(TradeFailed, "error")))
}

func TestKafkaPublisher_Topic(t *testing.T) {
	assert.Equal(t, "tokex.trade.executed", (&KafkaPublisher{prefix: "tokex"}).Topic(TradeExecuted))
	assert.Equal(t, "trade.executed", (&KafkaPublisher{}).Topic(TradeExecuted))
}

type orderPayload struct{ id string }

func (o orderPayload) EventKey() string { return o.id }

func TestKafkaPublisher_KeysByEntity(t *testing.T) {
	keyIs := func(want string) func(*sarama.ProducerMessage) error {
		return func(msg *sarama.ProducerMessage) error {
			key, err := msg.Key.Encode()
			if err != nil {
				return err
			}
			if string(key) != want {
				return errors.New("unexpected key " + string(key))
			}
			return nil
		}
	}

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(keyIs("ord-7"))
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(keyIs("ord-7"))
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(keyIs("corr-1"))

	p := NewKafkaPublisherWithProducer(producer, "tokex", nil)
	p.Publish(context.Background(), OrderUpdated, orderPayload{id: "ord-7"})
	p.Publish(context.Background(), OrderUpdated, &orderPayload{id: "ord-7"})
	p.Publish(WithCorrelationID(context.Background(), "corr-1"), OrderUpdated, orderPayload{id: "ord-7"})

	require.NoError(t, p.Close())
}
