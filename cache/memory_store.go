package cache

import (
	"context"
	"sync"
	"time"

	"github.com/relaymesh/relay/core"
)

// MemoryStore is an in-memory core.KVStore with TTL support.
// It is the default store for single-process deployments and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	store  map[string]memoryEntry
	clock  core.Clock
	logger core.Logger
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(clock core.Clock, logger core.Logger) *MemoryStore {
	if clock == nil {
		clock = core.RealClock{}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &MemoryStore{
		store:  make(map[string]memoryEntry),
		clock:  clock,
		logger: logger,
	}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	entry, exists := m.store[key]
	m.mu.RUnlock()

	if !exists {
		return "", false, nil
	}
	if !entry.expiresAt.IsZero() && m.clock.Now().After(entry.expiresAt) {
		m.mu.Lock()
		// Re-check under write lock; another writer may have refreshed it.
		if cur, ok := m.store[key]; ok && !cur.expiresAt.IsZero() && m.clock.Now().After(cur.expiresAt) {
			delete(m.store, key)
		}
		m.mu.Unlock()
		return "", false, nil
	}
	return entry.value, true, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[key] = memoryEntry{value: value, expiresAt: m.expiry(ttl)}
	return nil
}

func (m *MemoryStore) SetIfAbsent(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, exists := m.store[key]; exists {
		if entry.expiresAt.IsZero() || m.clock.Now().Before(entry.expiresAt) {
			return false, nil
		}
	}
	m.store[key] = memoryEntry{value: value, expiresAt: m.expiry(ttl)}
	return true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.store, key)
	return nil
}

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.clock.Now().Add(ttl)
}

// Len returns the number of live entries, counting expired ones that
// have not been swept yet.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.store)
}
