package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hemostat/internal/schema"
)

// Memory is an in-process Broker used by tests and by the single-binary dev
// mode. Keyed-value TTLs are honored lazily on read; the TTL passed to
// PushBounded is not tracked, so lists never expire. Dispatch is synchronous: Publish
// invokes every matching handler before returning, which keeps test
// assertions free of sleeps.
type Memory struct {
	mu       sync.Mutex
	values   map[string]memoryEntry
	lists    map[string][]string
	handlers map[string][]Handler

	// Now is overridable so TTL behavior is testable.
	Now func() time.Time
}

type memoryEntry struct {
	raw       string
	expiresAt time.Time
}

func NewMemory() *Memory {
	return &Memory{
		values:   make(map[string]memoryEntry),
		lists:    make(map[string][]string),
		handlers: make(map[string][]Handler),
		Now:      time.Now,
	}
}

func (m *Memory) expired(e memoryEntry) bool {
	return !e.expiresAt.IsZero() && m.Now().After(e.expiresAt)
}

func (m *Memory) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.Now().Add(ttl)
}

func (m *Memory) Publish(ctx context.Context, channel string, env schema.Envelope) error {
	m.mu.Lock()
	hs := append([]Handler(nil), m.handlers[channel]...)
	m.mu.Unlock()
	for _, h := range hs {
		h(ctx, env)
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channel string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[channel] = append(m.handlers[channel], h)
	return nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	m.mu.Lock()
	e, ok := m.values[key]
	if ok && m.expired(e) {
		delete(m.values, key)
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal([]byte(e.raw), dest); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (m *Memory) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	m.mu.Lock()
	m.values[key] = memoryEntry{raw: string(raw), expiresAt: m.deadline(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	for _, k := range keys {
		delete(m.values, k)
		delete(m.lists, k)
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) PushBounded(ctx context.Context, key string, v any, max int64, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	m.mu.Lock()
	list := append([]string{string(raw)}, m.lists[key]...)
	if int64(len(list)) > max {
		list = list[:max]
	}
	m.lists[key] = list
	m.mu.Unlock()
	return nil
}

func (m *Memory) Range(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

func (m *Memory) SetNX(ctx context.Context, key, val string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.values[key]; ok && !m.expired(e) {
		return false, nil
	}
	m.values[key] = memoryEntry{raw: val, expiresAt: m.deadline(ttl)}
	return true, nil
}

func (m *Memory) ReleaseLock(ctx context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.values[key]; ok && !m.expired(e) && e.raw == token {
		delete(m.values, key)
	}
	return nil
}

func (m *Memory) Keys(ctx context.Context, pattern string) ([]string, error) {
	prefix := strings.TrimSuffix(pattern, "*")
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k, e := range m.values {
		if m.expired(e) {
			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	for k := range m.lists {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Pipeline applies buffered operations on commit. Memory offers no real
// atomicity; ordering matches the redis pipeline.
func (m *Memory) Pipeline(ctx context.Context, fn func(Pipe) error) error {
	mp := &memoryPipe{}
	if err := fn(mp); err != nil {
		return err
	}
	for _, op := range mp.ops {
		if err := op(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

type memoryPipe struct {
	ops []func(context.Context, *Memory) error
}

func (p *memoryPipe) SetJSON(key string, v any, ttl time.Duration) {
	p.ops = append(p.ops, func(ctx context.Context, m *Memory) error {
		return m.SetJSON(ctx, key, v, ttl)
	})
}

func (p *memoryPipe) PushBounded(key string, v any, max int64, ttl time.Duration) {
	p.ops = append(p.ops, func(ctx context.Context, m *Memory) error {
		return m.PushBounded(ctx, key, v, max, ttl)
	})
}

func (p *memoryPipe) Delete(keys ...string) {
	p.ops = append(p.ops, func(ctx context.Context, m *Memory) error {
		return m.Delete(ctx, keys...)
	})
}

func (p *memoryPipe) Publish(channel string, env schema.Envelope) {
	p.ops = append(p.ops, func(ctx context.Context, m *Memory) error {
		return m.Publish(ctx, channel, env)
	})
}

var _ Broker = (*Memory)(nil)
