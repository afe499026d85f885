package apikey

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// --- Mock implementations ---

type mockRepo struct {
	mu   sync.Mutex
	keys map[string]*Key

	// usable overrides GetUsableByPrefix results when set.
	usable     []Key
	getErr     error
	createErrs []error
	casErr     error
	casCalls   int
	creates    int
}

func newMockRepo(keys ...*Key) *mockRepo {
	r := &mockRepo{keys: make(map[string]*Key)}
	for _, k := range keys {
		r.keys[k.Prefix] = k.Clone()
	}
	return r
}

func (m *mockRepo) Create(_ context.Context, k *Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	if len(m.createErrs) > 0 {
		err := m.createErrs[0]
		m.createErrs = m.createErrs[1:]
		if err != nil {
			return err
		}
	}
	if _, ok := m.keys[k.Prefix]; ok {
		return ErrDuplicatePrefix
	}
	m.keys[k.Prefix] = k.Clone()
	return nil
}

func (m *mockRepo) GetByPrefix(_ context.Context, prefix string) (*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	k, ok := m.keys[prefix]
	if !ok {
		return nil, ErrNotFound
	}
	return k.Clone(), nil
}

func (m *mockRepo) GetUsableByPrefix(_ context.Context, prefix string) ([]Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	if m.usable != nil {
		return m.usable, nil
	}
	k, ok := m.keys[prefix]
	if !ok || k.Revoked {
		return nil, nil
	}
	return []Key{*k.Clone()}, nil
}

func (m *mockRepo) FilterUsable(_ context.Context) ([]Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Key
	for _, k := range m.keys {
		if !k.Revoked {
			out = append(out, *k.Clone())
		}
	}
	return out, nil
}

func (m *mockRepo) Update(_ context.Context, k *Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.keys[k.Prefix]
	if !ok {
		return ErrNotFound
	}
	if prev.Revoked && !k.Revoked {
		return ErrRevokeIrreversible
	}
	m.keys[k.Prefix] = k.Clone()
	return nil
}

func (m *mockRepo) UpdateHashedKey(_ context.Context, id, oldHash, newHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.casCalls++
	if m.casErr != nil {
		return false, m.casErr
	}
	for _, k := range m.keys {
		if k.ID == id && k.HashedKey == oldHash {
			k.HashedKey = newHash
			return true, nil
		}
	}
	return false, nil
}

func (m *mockRepo) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p, k := range m.keys {
		if k.ID == id {
			delete(m.keys, p)
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockRepo) stored(prefix string) *Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys[prefix].Clone()
}

type cacheEntry struct {
	valid  bool
	prefix string
	ttl    time.Duration
}

type mockCache struct {
	mu          sync.Mutex
	entries     map[string]cacheEntry
	byPrefix    map[string]string
	generations map[string]uint64
	getErr      error
	genErr      error
}

func newMockCache() *mockCache {
	return &mockCache{
		entries:     make(map[string]cacheEntry),
		byPrefix:    make(map[string]string),
		generations: make(map[string]uint64),
	}
}

func (c *mockCache) Get(_ context.Context, key string) (bool, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return false, false, c.getErr
	}
	e, ok := c.entries[key]
	return e.valid, ok, nil
}

func (c *mockCache) Generation(_ context.Context, prefix string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.genErr != nil {
		return 0, c.genErr
	}
	return c.generations[prefix], nil
}

func (c *mockCache) Set(_ context.Context, key, prefix string, valid bool, ttl time.Duration, gen uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[prefix] != gen {
		return nil
	}
	c.entries[key] = cacheEntry{valid: valid, prefix: prefix, ttl: ttl}
	c.byPrefix[prefix] = key
	return nil
}

func (c *mockCache) Invalidate(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *mockCache) InvalidateByPrefix(_ context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[prefix]++
	if key, ok := c.byPrefix[prefix]; ok {
		delete(c.entries, key)
		delete(c.byPrefix, prefix)
	}
	return nil
}

func (c *mockCache) entry(key string) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e, ok
}

// --- Helpers ---

func mustHashers(t *testing.T, cfg HashingConfig) *Hashers {
	t.Helper()
	h, err := NewHashers(cfg)
	require.NoError(t, err)
	return h
}

// issue stores a key hashed with hasher and returns the plaintext.
func issue(t *testing.T, repo *mockRepo, hasher Hasher, name string) (string, *Key) {
	t.Helper()
	prefix, err := randomString(rand.Reader, PrefixLength)
	require.NoError(t, err)
	secret, err := randomString(rand.Reader, SecretLength)
	require.NoError(t, err)

	plaintext := Concatenate(prefix, secret)
	hashed, err := hasher.Hash(plaintext)
	require.NoError(t, err)

	k := &Key{
		ID:        Concatenate(prefix, hashed),
		Prefix:    prefix,
		HashedKey: hashed,
		Name:      name,
		Created:   time.Now().UTC(),
	}
	repo.mu.Lock()
	repo.keys[prefix] = k.Clone()
	repo.mu.Unlock()
	return plaintext, k
}
