// Package cache provides the in-process TTL cache behind token and key
// caching. The API mirrors a memcached-style add-if-absent store so a
// networked implementation can drop in behind the same contract.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// DefaultMaxKeyBytes matches the common memcached key budget. Oversized
// keys are rejected rather than hashed so cache behavior stays inspectable.
const DefaultMaxKeyBytes = 250

type entry struct {
	value     string
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !e.expiresAt.After(now)
}

// Memory is a mutex-guarded TTL cache. Expired entries are dropped lazily
// on read and in bulk by Prune.
type Memory struct {
	mu          sync.Mutex
	entries     map[string]entry
	maxKeyBytes int
	nowFn       func() time.Time
}

type Option func(*Memory)

func WithMaxKeyBytes(n int) Option {
	return func(m *Memory) {
		if n > 0 {
			m.maxKeyBytes = n
		}
	}
}

func WithClock(nowFn func() time.Time) Option {
	return func(m *Memory) {
		if nowFn != nil {
			m.nowFn = nowFn
		}
	}
}

func New(options ...Option) *Memory {
	m := &Memory{
		entries:     map[string]entry{},
		maxKeyBytes: DefaultMaxKeyBytes,
		nowFn:       time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(m)
		}
	}
	return m
}

// Add stores value under (namespace, key) unless a live entry already
// exists. A zero or negative ttl stores the entry without expiry. Returns
// false when the entry exists or the composite key is over budget.
func (m *Memory) Add(_ context.Context, namespace, key, value string, ttl time.Duration) bool {
	composite, ok := m.compositeKey(namespace, key)
	if !ok {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	if existing, exists := m.entries[composite]; exists && !existing.expired(now) {
		return false
	}

	stored := entry{value: value}
	if ttl > 0 {
		stored.expiresAt = now.Add(ttl)
	}
	m.entries[composite] = stored
	return true
}

func (m *Memory) Get(_ context.Context, namespace, key string) (string, bool) {
	composite, ok := m.compositeKey(namespace, key)
	if !ok {
		return "", false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, exists := m.entries[composite]
	if !exists {
		return "", false
	}
	if stored.expired(m.nowFn()) {
		delete(m.entries, composite)
		return "", false
	}
	return stored.value, true
}

func (m *Memory) Delete(_ context.Context, namespace, key string) {
	composite, ok := m.compositeKey(namespace, key)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, composite)
}

func (m *Memory) MaxKeyBytes() int {
	return m.maxKeyBytes
}

// Prune removes every expired entry and reports how many were dropped.
func (m *Memory) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	removed := 0
	for key, stored := range m.entries {
		if stored.expired(now) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

func (m *Memory) compositeKey(namespace, key string) (string, bool) {
	composite := strings.TrimSpace(namespace) + "::" + key
	if key == "" || len(composite) > m.maxKeyBytes {
		return "", false
	}
	return composite, true
}
