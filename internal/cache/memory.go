// Package cache implements the API key validity cache backends.
//
// Entries map a derived cache key to a verification verdict. A secondary
// index maps a key prefix to the cache key of the last verdict written for
// it, so a record mutation can drop the cached verdict without knowing the
// plaintext key. Invalidating a prefix also advances its generation, which
// rejects verdicts decided before the invalidation.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/xenking/apikeys/internal/domain/apikey"
)

var _ apikey.Cache = (*Memory)(nil)

type memoryEntry struct {
	valid     bool
	prefix    string
	expiresAt time.Time
}

// Memory is a process-local cache. It is only coherent within a single
// replica; use Redis when several replicas share a key store.
//
// generations only grows; a prefix never invalidated is at zero.
type Memory struct {
	mu          sync.RWMutex
	entries     map[string]memoryEntry
	byPrefix    map[string]string
	generations map[string]uint64
	now         func() time.Time
}

// NewMemory creates an empty Memory cache.
func NewMemory() *Memory {
	return &Memory{
		entries:     make(map[string]memoryEntry),
		byPrefix:    make(map[string]string),
		generations: make(map[string]uint64),
		now:         time.Now,
	}
}

// Get returns the cached verdict for key. Expired entries are misses.
func (m *Memory) Get(_ context.Context, key string) (valid, ok bool, err error) {
	m.mu.RLock()
	e, found := m.entries[key]
	m.mu.RUnlock()

	if !found || !m.now().Before(e.expiresAt) {
		return false, false, nil
	}
	return e.valid, true, nil
}

// Generation returns the invalidation generation of prefix.
func (m *Memory) Generation(_ context.Context, prefix string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generations[prefix], nil
}

// Set stores a verdict for key and points the prefix index at it. It is a
// no-op when prefix was invalidated after gen was read.
func (m *Memory) Set(_ context.Context, key, prefix string, valid bool, ttl time.Duration, gen uint64) error {
	if ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.generations[prefix] != gen {
		return nil
	}

	m.entries[key] = memoryEntry{
		valid:     valid,
		prefix:    prefix,
		expiresAt: m.now().Add(ttl),
	}
	m.byPrefix[prefix] = key
	return nil
}

// Invalidate drops the entry for key.
func (m *Memory) Invalidate(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[key]; ok {
		delete(m.entries, key)
		if m.byPrefix[e.prefix] == key {
			delete(m.byPrefix, e.prefix)
		}
	}
	return nil
}

// InvalidateByPrefix advances the prefix generation and drops the entry the
// prefix index points at.
func (m *Memory) InvalidateByPrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.generations[prefix]++

	if key, ok := m.byPrefix[prefix]; ok {
		delete(m.entries, key)
		delete(m.byPrefix, prefix)
	}
	return nil
}

// Len returns the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Run removes expired entries every interval until ctx is cancelled.
func (m *Memory) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

func (m *Memory) cleanup() {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, e := range m.entries {
		if now.Before(e.expiresAt) {
			continue
		}
		delete(m.entries, key)
		if m.byPrefix[e.prefix] == key {
			delete(m.byPrefix, e.prefix)
		}
	}
}
