package eventlog

import (
	"context"
	"sync"
)

// MemoryLog is an in-process event log used by tests and by single-node
// development runs. Publish dispatches synchronously to handlers in
// publication order, which matches the per-key ordering guarantee of the
// real log for a single instance.
type MemoryLog struct {
	mu        sync.Mutex
	handlers  map[string][]Handler
	published []Event
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{handlers: make(map[string][]Handler)}
}

func (m *MemoryLog) Publish(ctx context.Context, event Event) error {
	m.mu.Lock()
	m.published = append(m.published, event)
	handlers := append([]Handler(nil), m.handlers[event.Type]...)
	m.mu.Unlock()

	for _, h := range handlers {
		// Redelivery semantics are not modelled; tests assert handler
		// idempotence separately.
		_ = h(ctx, event)
	}
	return nil
}

func (m *MemoryLog) Handle(eventType string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[eventType] = append(m.handlers[eventType], h)
}

func (m *MemoryLog) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (m *MemoryLog) Close() error { return nil }

// Published returns a copy of every event published so far.
func (m *MemoryLog) Published() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.published...)
}

// PublishedOfType filters Published by event type.
func (m *MemoryLog) PublishedOfType(eventType string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.published {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
