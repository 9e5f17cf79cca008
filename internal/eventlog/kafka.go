package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/porterly/backend/internal/events"
)

const (
	headerEventType     = "event-type"
	headerCorrelationID = "correlation-id"
)

// KafkaPublisher publishes events to Kafka, one topic per event family.
type KafkaPublisher struct {
	client *kgo.Client
	logger *slog.Logger
}

// NewKafkaPublisher connects a producer to the given seed brokers.
func NewKafkaPublisher(brokers []string, clientID string, logger *slog.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("eventlog: no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.RequestRetries(10),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("eventlog: producer client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{client: client, logger: logger}, nil
}

// Publish produces the event synchronously. The record key is the
// correlation id so per-operation ordering survives partitioning.
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("eventlog: marshal envelope: %w", err)
	}

	record := &kgo.Record{
		Topic: events.TopicFor(event.Type),
		Key:   []byte(event.CorrelationID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: headerEventType, Value: []byte(event.Type)},
			{Key: headerCorrelationID, Value: []byte(event.CorrelationID)},
		},
	}

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("eventlog: produce %s: %w", event.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	p.client.Close()
	return nil
}

// KafkaConsumer consumes topics within a consumer group and dispatches to
// registered handlers. Offsets are committed only after the handler
// returns nil, giving at-least-once semantics.
type KafkaConsumer struct {
	client   *kgo.Client
	logger   *slog.Logger
	mu       sync.RWMutex
	handlers map[string]Handler
	unknown  func(eventType string)
}

// NewKafkaConsumer joins group and consumes the given topics.
func NewKafkaConsumer(brokers []string, clientID, group string, topics []string, logger *slog.Logger) (*KafkaConsumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("eventlog: no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("eventlog: consumer client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaConsumer{
		client:   client,
		logger:   logger,
		handlers: make(map[string]Handler),
	}, nil
}

// Handle registers a handler for an event type.
func (c *KafkaConsumer) Handle(eventType string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[eventType] = h
}

// OnUnknown registers a callback invoked for events with no handler,
// used to feed the discarded-events counter.
func (c *KafkaConsumer) OnUnknown(fn func(eventType string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unknown = fn
}

// Run polls until ctx is cancelled. Records are processed in order per
// partition; a handler error stops that partition at the failed record,
// so its offset is never committed past and the next poll redelivers it.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Warn("event log fetch error",
				"topic", topic, "partition", partition, "error", err)
		})

		committable, retry := c.splitAtFailure(ctx, fetches)
		if len(committable) > 0 {
			if err := c.client.CommitRecords(ctx, committable...); err != nil {
				c.logger.Warn("event log offset commit failed", "error", err)
			}
		}

		// Rewind each blocked partition to its failed record; the next
		// poll refetches it and everything behind it, in order.
		if len(retry) > 0 {
			offsets := make(map[string]map[int32]kgo.EpochOffset)
			for _, record := range retry {
				if offsets[record.Topic] == nil {
					offsets[record.Topic] = make(map[int32]kgo.EpochOffset)
				}
				offsets[record.Topic][record.Partition] = kgo.EpochOffset{
					Epoch:  record.LeaderEpoch,
					Offset: record.Offset,
				}
			}
			c.client.SetOffsets(offsets)
		}
	}
}

// splitAtFailure dispatches each partition's records in order, stopping
// the partition at its first handler failure. Committing any record after
// a failed one would commit the failure's offset past, because commits
// carry only the highest offset per partition.
func (c *KafkaConsumer) splitAtFailure(ctx context.Context, fetches kgo.Fetches) (committable, retry []*kgo.Record) {
	fetches.EachPartition(func(p kgo.FetchTopicPartition) {
		for _, record := range p.Records {
			if !c.process(ctx, record) {
				retry = append(retry, record)
				return
			}
			committable = append(committable, record)
		}
	})
	return committable, retry
}

// process returns true when the record's offset may be committed.
func (c *KafkaConsumer) process(ctx context.Context, record *kgo.Record) bool {
	var event Event
	if err := json.Unmarshal(record.Value, &event); err != nil {
		// Poison record: committing is the only way past it.
		c.logger.Warn("event log record undecodable, discarding",
			"topic", record.Topic, "offset", record.Offset, "error", err)
		return true
	}

	c.mu.RLock()
	handler, ok := c.handlers[event.Type]
	unknown := c.unknown
	c.mu.RUnlock()

	if !ok {
		if unknown != nil {
			unknown(event.Type)
		}
		return true
	}

	if err := handler(ctx, event); err != nil {
		c.logger.Warn("event handler failed, offset held for redelivery",
			"type", event.Type, "correlation_id", event.CorrelationID, "error", err)
		return false
	}
	return true
}

func (c *KafkaConsumer) Close() error {
	c.client.Close()
	return nil
}
