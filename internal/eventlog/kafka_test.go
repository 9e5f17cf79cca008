package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

func fetchRecord(t *testing.T, eventType, corrID string, partition int32, offset int64) *kgo.Record {
	t.Helper()
	ev, err := New(eventType, corrID, map[string]string{"id": corrID})
	require.NoError(t, err)
	value, err := json.Marshal(ev)
	require.NoError(t, err)
	return &kgo.Record{Topic: "orders", Partition: partition, Offset: offset, Value: value}
}

func fetchesOf(partitions ...kgo.FetchPartition) kgo.Fetches {
	return kgo.Fetches{{
		Topics: []kgo.FetchTopic{{Topic: "orders", Partitions: partitions}},
	}}
}

func offsets(records []*kgo.Record) []int64 {
	out := make([]int64, 0, len(records))
	for _, r := range records {
		out = append(out, r.Offset)
	}
	return out
}

func TestConsumerHoldsPartitionAtFirstFailure(t *testing.T) {
	var handled []string
	c := &KafkaConsumer{
		logger: slog.Default(),
		handlers: map[string]Handler{
			"OrderCreated": func(_ context.Context, ev Event) error {
				handled = append(handled, ev.CorrelationID)
				if ev.CorrelationID == "corr-bad" {
					return errors.New("downstream unavailable")
				}
				return nil
			},
		},
	}

	fetches := fetchesOf(
		kgo.FetchPartition{Partition: 0, Records: []*kgo.Record{
			fetchRecord(t, "OrderCreated", "corr-1", 0, 10),
			fetchRecord(t, "OrderCreated", "corr-bad", 0, 11),
			fetchRecord(t, "OrderCreated", "corr-3", 0, 12),
		}},
		kgo.FetchPartition{Partition: 1, Records: []*kgo.Record{
			fetchRecord(t, "OrderCreated", "corr-4", 1, 5),
		}},
	)

	committable, retry := c.splitAtFailure(context.Background(), fetches)

	// Only the prefix before the failure commits; committing offset 12
	// would carry the failed offset 11 with it.
	assert.Equal(t, []int64{10, 5}, offsets(committable))
	require.Len(t, retry, 1)
	assert.Equal(t, int64(11), retry[0].Offset)

	// The record behind the failure was not dispatched at all; it is
	// refetched after the rewind so per-key ordering holds.
	assert.Equal(t, []string{"corr-1", "corr-bad", "corr-4"}, handled)
}

func TestConsumerCommitsPastPoisonAndUnknown(t *testing.T) {
	var discarded []string
	c := &KafkaConsumer{
		logger:   slog.Default(),
		handlers: map[string]Handler{},
		unknown:  func(eventType string) { discarded = append(discarded, eventType) },
	}

	poison := &kgo.Record{Topic: "orders", Partition: 0, Offset: 7, Value: []byte("not json")}
	fetches := fetchesOf(kgo.FetchPartition{Partition: 0, Records: []*kgo.Record{
		poison,
		fetchRecord(t, "SomethingNew", "corr-1", 0, 8),
	}})

	committable, retry := c.splitAtFailure(context.Background(), fetches)

	// Undecodable and unhandled records commit; holding them would wedge
	// the partition forever.
	assert.Equal(t, []int64{7, 8}, offsets(committable))
	assert.Empty(t, retry)
	assert.Equal(t, []string{"SomethingNew"}, discarded)
}
