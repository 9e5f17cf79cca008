// Package eventlog is the typed publish/subscribe client over the
// partitioned event log. Records are keyed by correlation id, so the log
// delivers them in publication order per key to one consumer in a group.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Event is the envelope every record carries.
type Event struct {
	Type          string          `json:"type"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlationId"`
	Payload       json.RawMessage `json:"payload"`
}

// New builds an event envelope, marshalling payload to JSON.
func New(eventType, correlationID string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		Type:          eventType,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Payload:       data,
	}, nil
}

// Decode unmarshals the payload into out.
func (e Event) Decode(out any) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Publisher sends events to the log. Publish is at-least-once: a success
// means the record is durable on the leader.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Handler processes a consumed event. Returning an error leaves the
// record's offset uncommitted, so the log redelivers it; handlers must be
// idempotent against replay.
type Handler func(ctx context.Context, event Event) error

// Consumer delivers events to registered handlers within a consumer
// group. Events whose type has no handler are counted and discarded.
type Consumer interface {
	// Handle registers a handler for an event type. Must be called
	// before Run.
	Handle(eventType string, h Handler)

	// Run consumes until ctx is cancelled.
	Run(ctx context.Context) error

	Close() error
}
