// consumer runs the event-consumer worker: one group subscription per
// payment topic, dispatching to the audit handler. Duplicate deliveries are
// dropped in-process by event ID; a failing message is logged and skipped,
// never re-queued forever.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"payments-core/internal/config"
	"payments-core/internal/events"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", "payments-consumer").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	topics := []string{
		events.TopicPaymentInitiated,
		events.TopicPaymentCompleted,
		events.TopicPaymentFailed,
		events.TopicPaymentFraudBlocked,
	}

	audit := func(ctx context.Context, env events.Envelope) error {
		var data map[string]any
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return err
		}
		log.Info().
			Str("event_id", env.EventID.String()).
			Str("event_type", env.EventType).
			Str("trace_id", env.TraceID).
			Interface("data", data).
			Msg("payment event")
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, topic := range topics {
		topic := topic
		g.Go(func() error {
			reader := events.NewReader(cfg.KafkaBrokers, cfg.ConsumerGroup, topic)
			defer reader.Close()
			c := events.NewConsumer(reader, audit, log)
			log.Info().Str("topic", topic).Str("group", cfg.ConsumerGroup).Msg("subscribed")
			return c.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("consumer stopped")
	}
	log.Info().Msg("shutdown complete")
}
