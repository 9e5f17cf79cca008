package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua scripts for the atomic primitives. Both run in a single round trip.
var (
	compareAndDelScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	hashCASScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], ARGV[1]) ~= ARGV[2] then
	return 0
end
for i = 3, #ARGV, 2 do
	redis.call("HSET", KEYS[1], ARGV[i], ARGV[i + 1])
end
return 1`)
)

// RedisClient implements Client on go-redis v9. All keys and channels are
// namespaced under the configured prefix.
type RedisClient struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisClient connects and pings the Redis at url
// (redis://[:password@]host:port/db).
func NewRedisClient(url, keyPrefix string) (*RedisClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.PoolSize = 20

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("store: redis ping failed (%s): %w", opts.Addr, err)
	}

	slog.Info("redis connected", "addr", opts.Addr, "db", opts.DB)
	return &RedisClient{rdb: rdb, prefix: keyPrefix}, nil
}

func (c *RedisClient) key(k string) string { return c.prefix + k }

func (c *RedisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, c.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

func (c *RedisClient) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, c.key(key), value, ttl).Err()
}

func (c *RedisClient) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, c.key(key), value, ttl).Result()
}

func (c *RedisClient) Del(ctx context.Context, keys ...string) error {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = c.key(k)
	}
	return c.rdb.Del(ctx, prefixed...).Err()
}

func (c *RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, c.key(key), ttl).Err()
}

func (c *RedisClient) SAdd(ctx context.Context, key string, members ...string) error {
	return c.rdb.SAdd(ctx, c.key(key), toAny(members)...).Err()
}

func (c *RedisClient) SRem(ctx context.Context, key string, members ...string) error {
	return c.rdb.SRem(ctx, c.key(key), toAny(members)...).Err()
}

func (c *RedisClient) SMembers(ctx context.Context, key string) ([]string, error) {
	return c.rdb.SMembers(ctx, c.key(key)).Result()
}

func (c *RedisClient) SCard(ctx context.Context, key string) (int64, error) {
	return c.rdb.SCard(ctx, c.key(key)).Result()
}

func (c *RedisClient) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.rdb.ZAdd(ctx, c.key(key), redis.Z{Score: score, Member: member}).Err()
}

func (c *RedisClient) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	return c.rdb.ZRangeByScore(ctx, c.key(key), &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", min),
		Max: fmt.Sprintf("%f", max),
	}).Result()
}

func (c *RedisClient) ZRem(ctx context.Context, key string, members ...string) error {
	return c.rdb.ZRem(ctx, c.key(key), toAny(members)...).Err()
}

func (c *RedisClient) HSet(ctx context.Context, key string, fields map[string]string) error {
	args := make([]any, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	return c.rdb.HSet(ctx, c.key(key), args...).Err()
}

func (c *RedisClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, c.key(key)).Result()
}

func (c *RedisClient) CompareAndDel(ctx context.Context, key, expected string) (bool, error) {
	n, err := compareAndDelScript.Run(ctx, c.rdb, []string{c.key(key)}, expected).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *RedisClient) HSetIfFieldEquals(ctx context.Context, key, field, expected string, fields map[string]string) (bool, error) {
	args := make([]any, 0, 2+len(fields)*2)
	args = append(args, field, expected)
	for f, v := range fields {
		args = append(args, f, v)
	}
	n, err := hashCASScript.Run(ctx, c.rdb, []string{c.key(key)}, args...).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *RedisClient) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.rdb.Publish(ctx, c.key(channel), payload).Err()
}

// Subscribe confirms the subscription before returning, then pumps
// messages to the handler from a dedicated goroutine.
func (c *RedisClient) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := c.rdb.Subscribe(ctx, c.key(channel))

	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("store: subscribe %s: %w", channel, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}

// Ping checks the connection for readiness probes.
func (c *RedisClient) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *RedisClient) Close() error {
	return c.rdb.Close()
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
