package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type entry struct {
	v       int64
	expires time.Time // zero = no expiry
}

// Memory is an in-process Cache. Expiry is evaluated lazily against clock.
type Memory struct {
	mu    sync.Mutex
	clock clockwork.Clock
	items map[string]entry
}

// NewMemory returns an empty Memory cache. A nil clock uses the real clock.
func NewMemory(clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{clock: clock, items: make(map[string]entry)}
}

func (m *Memory) lookup(key string) (entry, bool) {
	e, ok := m.items[key]
	if !ok {
		return entry{}, false
	}
	if !e.expires.IsZero() && !m.clock.Now().Before(e.expires) {
		delete(m.items, key)
		return entry{}, false
	}
	return e, true
}

func (m *Memory) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.clock.Now().Add(ttl)
}

func (m *Memory) GetInt(_ context.Context, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	return e.v, ok, nil
}

func (m *Memory) SetInt(_ context.Context, key string, v int64, ttl time.Duration) error {
	if v < 0 {
		v = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = entry{v: v, expires: m.deadline(ttl)}
	return nil
}

func (m *Memory) IncrBy(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, _ := m.lookup(key)
	v := e.v + delta
	if v < 0 {
		v = 0
	}
	exp := e.expires
	if ttl > 0 {
		exp = m.deadline(ttl)
	}
	m.items[key] = entry{v: v, expires: exp}
	return v, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}
