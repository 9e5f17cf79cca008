// Package store is the ephemeral-store client shared by both services:
// key/value with TTL, sets, sorted sets, hashes with compare-and-set,
// distributed locks, and pub/sub channels for cross-instance fan-out.
//
// The interface is the minimal surface the components need; the Redis
// implementation is the production backend and MemoryClient backs tests.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

// Client is the ephemeral store surface.
type Client interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes the key only if absent. Returns true when written.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)

	// Sorted sets back deadline queues: score is a unix timestamp.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZRem(ctx context.Context, key string, members ...string) error

	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// CompareAndDel deletes the key only if its value equals expected.
	// Single round trip; the safe-release half of the lock primitive.
	CompareAndDel(ctx context.Context, key, expected string) (bool, error)

	// HSetIfFieldEquals atomically sets fields on a hash only when
	// key[field] == expected. Returns true when the write happened.
	HSetIfFieldEquals(ctx context.Context, key, field, expected string, fields map[string]string) (bool, error)

	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe registers a handler for a channel and returns an
	// unsubscribe function.
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error)

	Close() error
}
