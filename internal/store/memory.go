package store

import (
	"context"
	"sync"
	"time"
)

type counter struct {
	n       int64
	expires time.Time
}

// Memory is an in-process CounterStore. Counts are not shared between
// instances, use it for tests and single-node development only.
type Memory struct {
	mu       sync.Mutex
	counters map[string]*counter
	now      func() time.Time
	sweep    time.Duration
}

type MemoryOption func(*Memory)

// WithClock replaces time.Now, used by tests to expire counters deterministically.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// WithSweepInterval controls how often the janitor drops expired counters.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.sweep = d
		}
	}
}

// NewMemory creates the store and starts a janitor goroutine that stops with ctx.
func NewMemory(ctx context.Context, opts ...MemoryOption) *Memory {
	m := &Memory{
		counters: make(map[string]*counter),
		now:      time.Now,
		sweep:    time.Minute,
	}
	for _, o := range opts {
		o(m)
	}
	go m.janitor(ctx)
	return m
}

// live returns the counter for key, or nil if missing or expired.
// Caller holds m.mu.
func (m *Memory) live(key string, now time.Time) *counter {
	c, ok := m.counters[key]
	if !ok {
		return nil
	}
	if !now.Before(c.expires) {
		delete(m.counters, key)
		return nil
	}
	return c
}

func (m *Memory) incr(key string, ttl time.Duration, now time.Time) int64 {
	c := m.live(key, now)
	if c == nil {
		c = &counter{expires: now.Add(ttl)}
		m.counters[key] = c
	}
	c.n++
	return c.n
}

func (m *Memory) IncrementAndGet(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("incr", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incr(key, ttl, m.now()), nil
}

func (m *Memory) Get(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("get", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.live(key, m.now()); c != nil {
		return c.n, nil
	}
	return 0, nil
}

func (m *Memory) IncrementWindow(ctx context.Context, current, previous string, ttl time.Duration) (int64, int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, unavailable("window", current, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	cur := m.incr(current, ttl, now)
	var prev int64
	if c := m.live(previous, now); c != nil {
		prev = c.n
	}
	return cur, prev, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

// Len reports the number of live counters.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.counters)
}

func (m *Memory) janitor(ctx context.Context) {
	ticker := time.NewTicker(m.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			now := m.now()
			for k, c := range m.counters {
				if !now.Before(c.expires) {
					delete(m.counters, k)
				}
			}
			m.mu.Unlock()
		}
	}
}
