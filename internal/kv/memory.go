package kv

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Memory is an in-process Store used by tests. Expiry is evaluated
// lazily against the injected clock, so tests can advance a fake clock
// instead of sleeping.
type Memory struct {
	clock clockwork.Clock

	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemory constructs a Memory store against the given clock.
func NewMemory(clock clockwork.Clock) *Memory {
	return &Memory{
		clock:   clock,
		entries: make(map[string]memoryEntry),
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.lookup(key)
	if !ok {
		return "", false, nil
	}
	return entry.value, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = memoryEntry{value: value, expiresAt: m.deadline(ttl)}
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.entries[key] = memoryEntry{value: value, expiresAt: m.deadline(ttl)}
	return true, nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.entries, key)
	}
	return nil
}

func (m *Memory) Incr(_ context.Context, key string) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.lookup(key)
	count := int64(0)
	if ok {
		count, _ = strconv.ParseInt(entry.value, 10, 64)
	}
	count++

	next := memoryEntry{value: strconv.FormatInt(count, 10)}
	remaining := NoTTL
	if ok && !entry.expiresAt.IsZero() {
		next.expiresAt = entry.expiresAt
		remaining = entry.expiresAt.Sub(m.clock.Now())
	}
	m.entries[key] = next
	return count, remaining, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.lookup(key)
	if !ok {
		return nil
	}
	entry.expiresAt = m.deadline(ttl)
	m.entries[key] = entry
	return nil
}

// lookup returns a live entry, dropping it if the clock has passed its
// expiry. Callers must hold mu.
func (m *Memory) lookup(key string) (memoryEntry, bool) {
	entry, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if entry.expired(m.clock.Now()) {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

func (m *Memory) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.clock.Now().Add(ttl)
}

var _ Store = (*Memory)(nil)
