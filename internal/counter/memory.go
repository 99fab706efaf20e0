package counter

import (
	"context"
	"sync"
)

// Memory is an in-process [Store].
type Memory struct {
	mu       sync.RWMutex
	counters map[string]Counter // keyed by HashKey
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{counters: make(map[string]Counter)}
}

// Put registers c under apiKey.
func (m *Memory) Put(_ context.Context, apiKey string, c Counter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[HashKey(apiKey)] = c
	return nil
}

// Authenticate implements [Store].
func (m *Memory) Authenticate(_ context.Context, apiKey string) (Counter, error) {
	if apiKey == "" {
		return Counter{}, ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.counters[HashKey(apiKey)]
	if !ok || c.Disabled {
		return Counter{}, ErrNotFound
	}
	return c, nil
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close() error { return nil }

var (
	_ Store  = (*Memory)(nil)
	_ Writer = (*Memory)(nil)
)
