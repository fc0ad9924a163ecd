package events

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Handler processes one envelope. Returning an error does not stop the
// consumer: the message is logged and its offset committed. Durable dedup
// across processes is the handler's job via the idempotency cache.
type Handler func(ctx context.Context, env Envelope) error

// Fetcher is the slice of kafka.Reader the consumer uses. Fetch/commit are
// split so a handler failure can still commit (poison-pill isolation).
type Fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewReader builds the per-topic group reader. One reader processes one
// message at a time, preserving partition order.
func NewReader(brokers []string, group, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		GroupID: group,
		Topic:   topic,
	})
}

// dedupSet remembers recently seen event IDs. Bounded: at capacity the set
// is cleared wholesale, which is acceptable because rebalance redelivery is
// short-range and durable dedup lives with the handlers.
type dedupSet struct {
	mu   sync.Mutex
	max  int
	seen map[uuid.UUID]struct{}
}

func newDedupSet(max int) *dedupSet {
	if max <= 0 {
		max = 1024
	}
	return &dedupSet{max: max, seen: make(map[uuid.UUID]struct{}, max)}
}

// remember returns true when id was already present.
func (d *dedupSet) remember(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return true
	}
	if len(d.seen) >= d.max {
		d.seen = make(map[uuid.UUID]struct{}, d.max)
	}
	d.seen[id] = struct{}{}
	return false
}

// Consumer runs one topic subscription under a consumer group.
type Consumer struct {
	fetcher Fetcher
	handler Handler
	seen    *dedupSet
	log     zerolog.Logger
}

type ConsumerOption func(*Consumer)

func WithDedupSize(n int) ConsumerOption {
	return func(c *Consumer) { c.seen = newDedupSet(n) }
}

func NewConsumer(fetcher Fetcher, handler Handler, log zerolog.Logger, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		fetcher: fetcher,
		handler: handler,
		seen:    newDedupSet(1024),
		log:     log.With().Str("component", "consumer").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run fetches and dispatches until ctx is canceled. Every fetched message
// gets its offset committed exactly once, whether it parsed, deduped,
// succeeded or failed.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.fetcher.FetchMessage(ctx)
		if err != nil {
			// Cancellation and reader shutdown both end the loop; the caller
			// decides whether that is graceful.
			return err
		}

		c.process(ctx, msg)

		if err := c.fetcher.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error().Err(err).Str("topic", msg.Topic).
				Int64("offset", msg.Offset).Msg("commit failed")
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) {
	env, err := ParseEnvelope(msg.Value)
	if err != nil {
		c.log.Error().Err(err).Str("topic", msg.Topic).
			Int64("offset", msg.Offset).Msg("unparseable message, skipping")
		return
	}

	if c.seen.remember(env.EventID) {
		c.log.Debug().Str("event_id", env.EventID.String()).
			Str("topic", msg.Topic).Msg("duplicate event, skipping")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).
				Str("event_id", env.EventID.String()).
				Str("event_type", env.EventType).
				Str("trace_id", env.TraceID).
				Msg("handler panicked, committing offset")
		}
	}()

	if err := c.handler(ctx, env); err != nil {
		c.log.Error().Err(err).
			Str("event_id", env.EventID.String()).
			Str("event_type", env.EventType).
			Str("trace_id", env.TraceID).
			Int64("offset", msg.Offset).
			Msg("handler failed, committing offset")
	}
}
