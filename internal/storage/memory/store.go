// Package memory provides an in-process key store for tests and
// single-process deployments.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/xenking/apikeys/internal/domain/apikey"
)

var _ apikey.Repository = (*Store)(nil)

// Store keeps key records in a map indexed by prefix.
type Store struct {
	mu       sync.RWMutex
	byPrefix map[string]*apikey.Key
}

// New creates an empty Store.
func New() *Store {
	return &Store{byPrefix: make(map[string]*apikey.Key)}
}

func (s *Store) Create(_ context.Context, k *apikey.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byPrefix[k.Prefix]; ok {
		return apikey.ErrDuplicatePrefix
	}
	s.byPrefix[k.Prefix] = k.Clone()
	return nil
}

func (s *Store) GetByPrefix(_ context.Context, prefix string) (*apikey.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.byPrefix[prefix]
	if !ok {
		return nil, apikey.ErrNotFound
	}
	return k.Clone(), nil
}

func (s *Store) GetUsableByPrefix(_ context.Context, prefix string) ([]apikey.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.byPrefix[prefix]
	if !ok || k.Revoked {
		return nil, nil
	}
	return []apikey.Key{*k.Clone()}, nil
}

// FilterUsable returns non-revoked records ordered by creation time.
func (s *Store) FilterUsable(_ context.Context) ([]apikey.Key, error) {
	s.mu.RLock()
	out := make([]apikey.Key, 0, len(s.byPrefix))
	for _, k := range s.byPrefix {
		if !k.Revoked {
			out = append(out, *k.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].Prefix < out[j].Prefix
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out, nil
}

// Update replaces name, revoked flag, expiry and scopes. Identity and hash
// fields of the stored record are kept.
func (s *Store) Update(_ context.Context, k *apikey.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.byPrefix[k.Prefix]
	if !ok {
		return apikey.ErrNotFound
	}
	if prev.Revoked && !k.Revoked {
		return apikey.ErrRevokeIrreversible
	}

	next := k.Clone()
	next.ID = prev.ID
	next.HashedKey = prev.HashedKey
	next.Created = prev.Created
	s.byPrefix[k.Prefix] = next
	return nil
}

func (s *Store) UpdateHashedKey(_ context.Context, id, oldHash, newHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.byPrefix {
		if k.ID != id {
			continue
		}
		if k.HashedKey != oldHash {
			return false, nil
		}
		k.HashedKey = newHash
		return true, nil
	}
	return false, nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for prefix, k := range s.byPrefix {
		if k.ID == id {
			delete(s.byPrefix, prefix)
			return nil
		}
	}
	return apikey.ErrNotFound
}
