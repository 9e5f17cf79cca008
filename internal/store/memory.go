package store

import (
	"context"
	"sync"
	"time"
)

// MemoryClient is an in-process Client used by tests and local
// single-instance runs. TTLs are enforced lazily on read.
type MemoryClient struct {
	mu      sync.Mutex
	values  map[string]memoryValue
	sets    map[string]map[string]struct{}
	zsets   map[string]map[string]float64
	hashes  map[string]map[string]string
	subs    map[string][]*memorySub
	nextSub int
}

type memoryValue struct {
	data      string
	expiresAt time.Time // zero means no expiry
}

type memorySub struct {
	id      int
	handler func([]byte)
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		values: make(map[string]memoryValue),
		sets:   make(map[string]map[string]struct{}),
		zsets:  make(map[string]map[string]float64),
		hashes: make(map[string]map[string]string),
		subs:   make(map[string][]*memorySub),
	}
}

func (m *MemoryClient) getLocked(key string) (string, bool) {
	v, ok := m.values[key]
	if !ok {
		return "", false
	}
	if !v.expiresAt.IsZero() && time.Now().After(v.expiresAt) {
		delete(m.values, key)
		return "", false
	}
	return v.data, true
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (m *MemoryClient) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.getLocked(key)
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryClient) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = memoryValue{data: value, expiresAt: expiry(ttl)}
	return nil
}

func (m *MemoryClient) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.getLocked(key); exists {
		return false, nil
	}
	m.values[key] = memoryValue{data: value, expiresAt: expiry(ttl)}
	return true, nil
}

func (m *MemoryClient) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
		delete(m.sets, k)
		delete(m.zsets, k)
		delete(m.hashes, k)
	}
	return nil
}

func (m *MemoryClient) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.values[key]; ok {
		v.expiresAt = expiry(ttl)
		m.values[key] = v
	}
	return nil
}

func (m *MemoryClient) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, mem := range members {
		set[mem] = struct{}{}
	}
	return nil
}

func (m *MemoryClient) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[key]
	for _, mem := range members {
		delete(set, mem)
	}
	return nil
}

func (m *MemoryClient) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sets[key]))
	for mem := range m.sets[key] {
		out = append(out, mem)
	}
	return out, nil
}

func (m *MemoryClient) SCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.sets[key])), nil
}

func (m *MemoryClient) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	zset, ok := m.zsets[key]
	if !ok {
		zset = make(map[string]float64)
		m.zsets[key] = zset
	}
	zset[member] = score
	return nil
}

func (m *MemoryClient) ZRangeByScore(_ context.Context, key string, min, max float64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for member, score := range m.zsets[key] {
		if score >= min && score <= max {
			out = append(out, member)
		}
	}
	return out, nil
}

func (m *MemoryClient) ZRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	zset := m.zsets[key]
	for _, mem := range members {
		delete(zset, mem)
	}
	return nil
}

func (m *MemoryClient) HSet(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash, ok := m.hashes[key]
	if !ok {
		hash = make(map[string]string)
		m.hashes[key] = hash
	}
	for f, v := range fields {
		hash[f] = v
	}
	return nil
}

func (m *MemoryClient) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.hashes[key]))
	for f, v := range m.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (m *MemoryClient) CompareAndDel(_ context.Context, key, expected string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.getLocked(key)
	if !ok || v != expected {
		return false, nil
	}
	delete(m.values, key)
	return true, nil
}

func (m *MemoryClient) HSetIfFieldEquals(_ context.Context, key, field, expected string, fields map[string]string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash := m.hashes[key]
	if hash == nil || hash[field] != expected {
		return false, nil
	}
	for f, v := range fields {
		hash[f] = v
	}
	return true, nil
}

func (m *MemoryClient) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	subs := append([]*memorySub(nil), m.subs[channel]...)
	m.mu.Unlock()

	for _, s := range subs {
		s.handler(payload)
	}
	return nil
}

func (m *MemoryClient) Subscribe(_ context.Context, channel string, handler func([]byte)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSub++
	sub := &memorySub{id: m.nextSub, handler: handler}
	m.subs[channel] = append(m.subs[channel], sub)

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subs[channel]
		for i, s := range subs {
			if s.id == sub.id {
				m.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}, nil
}

func (m *MemoryClient) Close() error { return nil }
