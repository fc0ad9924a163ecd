package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(TopicPaymentCompleted, "trace-1", map[string]any{"transfer_id": "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if env.EventID == uuid.Nil {
		t.Fatal("missing event id")
	}
	if env.Version != SchemaVersion {
		t.Fatalf("version = %q", env.Version)
	}

	b, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}

	got, err := ParseEnvelope(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.EventID != env.EventID || got.EventType != TopicPaymentCompleted || got.TraceID != "trace-1" {
		t.Fatalf("parsed envelope differs: %+v", got)
	}

	var data map[string]string
	if err := json.Unmarshal(got.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data["transfer_id"] != "t1" {
		t.Fatalf("payload = %v", data)
	}
}

func TestEncodeIsCanonical(t *testing.T) {
	env, err := NewEnvelope(TopicPaymentFailed, "trace-2", map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatal(err)
	}
	b1, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}
	b2, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b1, b2) {
		t.Fatal("encoding is not deterministic")
	}
}

func TestParseEnvelopeRejectsGarbage(t *testing.T) {
	if _, err := ParseEnvelope([]byte("{not json")); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := ParseEnvelope([]byte(`{"eventType":""}`)); err == nil {
		t.Fatal("expected validation error")
	}
}

// fakeFetcher feeds a fixed message list to the consumer and records
// commits.
type fakeFetcher struct {
	mu       sync.Mutex
	msgs     []kafka.Message
	commits  []int64
	released chan struct{}
}

func newFakeFetcher(msgs ...kafka.Message) *fakeFetcher {
	return &fakeFetcher{msgs: msgs, released: make(chan struct{})}
}

func (f *fakeFetcher) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.msgs) == 0 {
		close(f.released)
		return kafka.Message{}, context.Canceled
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeFetcher) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.commits = append(f.commits, m.Offset)
	}
	return nil
}

func (f *fakeFetcher) Close() error { return nil }

func mustMessage(t *testing.T, env Envelope, offset int64) kafka.Message {
	t.Helper()
	b, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}
	return kafka.Message{Topic: env.EventType, Offset: offset, Key: []byte(env.TraceID), Value: b}
}

func TestConsumerDedupSkipsRepeatedEventID(t *testing.T) {
	env, err := NewEnvelope(TopicPaymentCompleted, "trace-3", map[string]string{"k": "v"})
	if err != nil {
		t.Fatal(err)
	}

	f := newFakeFetcher(
		mustMessage(t, env, 1),
		mustMessage(t, env, 2), // redelivery of the same event
	)

	var handled int
	c := NewConsumer(f, func(ctx context.Context, e Envelope) error {
		handled++
		return nil
	}, zerolog.Nop())

	if err := c.Run(context.Background()); !errors.Is(err, context.Canceled) {
		t.Fatalf("run: %v", err)
	}
	if handled != 1 {
		t.Fatalf("handled %d times, want 1", handled)
	}
	if len(f.commits) != 2 {
		t.Fatalf("commits = %v, want both offsets committed", f.commits)
	}
}

func TestConsumerCommitsPoisonPill(t *testing.T) {
	good, _ := NewEnvelope(TopicPaymentCompleted, "trace-4", map[string]string{"k": "v"})
	poison, _ := NewEnvelope(TopicPaymentCompleted, "trace-5", map[string]string{"k": "v"})

	f := newFakeFetcher(
		mustMessage(t, poison, 1),
		kafka.Message{Topic: TopicPaymentCompleted, Offset: 2, Value: []byte("garbage")},
		mustMessage(t, good, 3),
	)

	var handledGood bool
	c := NewConsumer(f, func(ctx context.Context, e Envelope) error {
		if e.EventID == poison.EventID {
			panic("handler exploded")
		}
		handledGood = true
		return nil
	}, zerolog.Nop())

	if err := c.Run(context.Background()); !errors.Is(err, context.Canceled) {
		t.Fatalf("run: %v", err)
	}
	if !handledGood {
		t.Fatal("good message was not processed after the poison pill")
	}
	if len(f.commits) != 3 {
		t.Fatalf("commits = %v, want all three offsets committed", f.commits)
	}
}

func TestConsumerCommitsOnHandlerError(t *testing.T) {
	env, _ := NewEnvelope(TopicPaymentFailed, "trace-6", map[string]string{"k": "v"})
	f := newFakeFetcher(mustMessage(t, env, 7))

	c := NewConsumer(f, func(ctx context.Context, e Envelope) error {
		return errors.New("downstream unavailable")
	}, zerolog.Nop())

	if err := c.Run(context.Background()); !errors.Is(err, context.Canceled) {
		t.Fatalf("run: %v", err)
	}
	if len(f.commits) != 1 || f.commits[0] != 7 {
		t.Fatalf("commits = %v", f.commits)
	}
}

func TestDedupSetClearsAtCapacity(t *testing.T) {
	d := newDedupSet(2)
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	if d.remember(a) || d.remember(b) {
		t.Fatal("fresh ids reported as seen")
	}
	// Third insert overflows and clears the set; a is forgotten.
	if d.remember(c) {
		t.Fatal("fresh id reported as seen")
	}
	if d.remember(a) {
		t.Fatal("cleared id still remembered")
	}
}
