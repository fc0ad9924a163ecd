// Package events carries every bus message in a common envelope and owns
// both ends of the pipe: the publisher that keys messages by trace ID for
// partition ordering, and the consumer framework with in-process dedup and
// poison-pill isolation.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// Topic names. The event type inside the envelope equals the topic.
const (
	TopicPaymentInitiated     = "payment.initiated"
	TopicPaymentCompleted     = "payment.completed"
	TopicPaymentFailed        = "payment.failed"
	TopicPaymentFraudBlocked  = "payment.fraud_blocked"
	TopicFraudCheckRequested  = "fraud.check.requested"
	TopicFraudCheckResult     = "fraud.check.result"
	TopicWebhookDeliveryFailed = "webhook.delivery.failed"
)

// SchemaVersion is stamped into every envelope.
const SchemaVersion = "1.0"

// Envelope wraps every message on the bus. Consumers deduplicate on
// EventID; the trace ID keys the partition so one user action stays
// ordered.
type Envelope struct {
	EventID   uuid.UUID       `json:"eventId"`
	EventType string          `json:"eventType"`
	Timestamp time.Time       `json:"timestamp"`
	Version   string          `json:"version"`
	TraceID   string          `json:"traceId"`
	Data      json.RawMessage `json:"data"`
}

// NewEnvelope wraps payload for the given topic.
func NewEnvelope(eventType, traceID string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: marshal payload: %w", err)
	}
	return Envelope{
		EventID:   uuid.New(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Version:   SchemaVersion,
		TraceID:   traceID,
		Data:      data,
	}, nil
}

// Encode serializes the envelope as canonical JSON so identical envelopes
// produce identical bytes regardless of which process built them.
func (e Envelope) Encode() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("events: marshal envelope: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("events: canonicalize envelope: %w", err)
	}
	return canon, nil
}

// ParseEnvelope reads a bus message back into an envelope.
func ParseEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("events: parse envelope: %w", err)
	}
	if e.EventID == uuid.Nil || e.EventType == "" {
		return Envelope{}, fmt.Errorf("events: envelope missing event id or type")
	}
	return e, nil
}
