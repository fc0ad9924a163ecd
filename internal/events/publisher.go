package events

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Publisher ships envelopes to the bus. The writer dials lazily: a broker
// handshake failure on the first publish after startup is returned to the
// caller (who logs it) and the next publish retries the connection.
type Publisher struct {
	w   *kafka.Writer
	log zerolog.Logger
}

func NewPublisher(brokers []string, clientID string, log zerolog.Logger) *Publisher {
	return &Publisher{
		w: &kafka.Writer{
			Addr: kafka.TCP(brokers...),
			// Hash balancer: all messages for one key land on one partition,
			// which is what gives per-trace ordered delivery.
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
			WriteTimeout:           5 * time.Second,
			Transport:              &kafka.Transport{ClientID: clientID},
		},
		log: log.With().Str("component", "publisher").Logger(),
	}
}

// Publish wraps payload in an envelope keyed by traceID and writes it to
// topic.
func (p *Publisher) Publish(ctx context.Context, topic, traceID string, payload any) error {
	env, err := NewEnvelope(topic, traceID, payload)
	if err != nil {
		return err
	}
	value, err := env.Encode()
	if err != nil {
		return err
	}

	err = p.w.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(traceID),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("events: publish %s: %w", topic, err)
	}

	p.log.Debug().Str("topic", topic).Str("trace_id", traceID).
		Str("event_id", env.EventID.String()).Msg("published")
	return nil
}

func (p *Publisher) Close() error { return p.w.Close() }
