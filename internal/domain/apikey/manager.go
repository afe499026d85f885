package apikey

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xenking/apikeys/internal/domain/scope"
)

// createAttempts bounds key generation retries on prefix conflicts.
const createAttempts = 3

// EventType distinguishes record mutations.
type EventType string

const (
	EventSaved   EventType = "saved"
	EventDeleted EventType = "deleted"
)

// Event describes a committed mutation of a key record.
type Event struct {
	Type EventType
	Key  *Key
}

// Listener is called synchronously after a mutation is committed.
type Listener func(ctx context.Context, e Event) error

// CreateParams holds the owner-controlled fields of a new key.
type CreateParams struct {
	Name       string
	ExpiryDate *time.Time
	Scopes     []scope.Scope
}

// Manager implements the key lifecycle: issuance, owner mutations and
// deletion. Every committed mutation is reported to the registered
// listeners before the call returns.
type Manager struct {
	repo      Repository
	generator *Generator
	lg        *zap.Logger
	now       func() time.Time

	mu        sync.RWMutex
	listeners []Listener
}

// NewManager creates a Manager. A nil logger disables logging.
func NewManager(repo Repository, generator *Generator, lg *zap.Logger) *Manager {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Manager{
		repo:      repo,
		generator: generator,
		lg:        lg,
		now:       time.Now,
	}
}

// OnChange registers a listener for saved and deleted records.
func (m *Manager) OnChange(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) notify(ctx context.Context, e Event) error {
	m.mu.RLock()
	listeners := m.listeners
	m.mu.RUnlock()

	var err error
	for _, l := range listeners {
		err = multierr.Append(err, l(ctx, e))
	}
	if err != nil {
		return errors.Wrapf(err, "notify %s", e.Type)
	}
	return nil
}

// Create issues a new key and returns the stored record together with the
// plaintext key. The plaintext is not retrievable afterwards.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*Key, string, error) {
	k := &Key{
		Name:       p.Name,
		Created:    m.now().UTC(),
		ExpiryDate: p.ExpiryDate,
		Scopes:     p.Scopes,
	}
	if err := k.Validate(); err != nil {
		return nil, "", err
	}

	for attempt := 1; ; attempt++ {
		plaintext, prefix, hashed, err := m.generator.Generate()
		if err != nil {
			return nil, "", errors.Wrap(err, "generate key")
		}
		k.ID = Concatenate(prefix, hashed)
		k.Prefix = prefix
		k.HashedKey = hashed

		err = m.repo.Create(ctx, k)
		if err == nil {
			m.lg.Info("API key created",
				zap.String("prefix", k.Prefix),
				zap.String("name", k.Name),
			)
			return k, plaintext, m.notify(ctx, Event{Type: EventSaved, Key: k})
		}
		if !errors.Is(err, ErrDuplicatePrefix) || attempt == createAttempts {
			return nil, "", errors.Wrap(err, "create key")
		}
		m.lg.Warn("API key prefix conflict, regenerating", zap.Int("attempt", attempt))
	}
}

// Get returns the record with the given prefix.
func (m *Manager) Get(ctx context.Context, prefix string) (*Key, error) {
	return m.repo.GetByPrefix(ctx, prefix)
}

// List returns every usable (non-revoked) record.
func (m *Manager) List(ctx context.Context) ([]Key, error) {
	return m.repo.FilterUsable(ctx)
}

// Update replaces the mutable fields of the record identified by k.Prefix.
// Un-revoking is rejected with ErrRevokeIrreversible.
func (m *Manager) Update(ctx context.Context, k *Key) error {
	prev, err := m.repo.GetByPrefix(ctx, k.Prefix)
	if err != nil {
		return errors.Wrap(err, "get key")
	}
	if err := k.ValidateUpdate(prev); err != nil {
		return err
	}

	// Identity and hash are not owner-controlled.
	k.ID = prev.ID
	k.HashedKey = prev.HashedKey
	k.Created = prev.Created

	if err := m.repo.Update(ctx, k); err != nil {
		return errors.Wrap(err, "update key")
	}
	return m.notify(ctx, Event{Type: EventSaved, Key: k})
}

func (m *Manager) mutate(ctx context.Context, prefix string, fn func(k *Key)) (*Key, error) {
	k, err := m.repo.GetByPrefix(ctx, prefix)
	if err != nil {
		return nil, errors.Wrap(err, "get key")
	}
	fn(k)
	if err := m.Update(ctx, k); err != nil {
		return nil, err
	}
	return k, nil
}

// Rename changes the free-form name of a key.
func (m *Manager) Rename(ctx context.Context, prefix, name string) (*Key, error) {
	return m.mutate(ctx, prefix, func(k *Key) { k.Name = name })
}

// Revoke irreversibly disables a key. Revoking twice is a no-op.
func (m *Manager) Revoke(ctx context.Context, prefix string) (*Key, error) {
	k, err := m.mutate(ctx, prefix, func(k *Key) { k.Revoked = true })
	if err != nil {
		return nil, err
	}
	m.lg.Info("API key revoked", zap.String("prefix", prefix))
	return k, nil
}

// SetExpiry changes or clears (nil) the expiry date.
func (m *Manager) SetExpiry(ctx context.Context, prefix string, expiry *time.Time) (*Key, error) {
	return m.mutate(ctx, prefix, func(k *Key) { k.ExpiryDate = expiry })
}

// SetScopes replaces the granted scopes.
func (m *Manager) SetScopes(ctx context.Context, prefix string, scopes []scope.Scope) (*Key, error) {
	return m.mutate(ctx, prefix, func(k *Key) { k.Scopes = scopes })
}

// Delete removes a key.
func (m *Manager) Delete(ctx context.Context, prefix string) error {
	k, err := m.repo.GetByPrefix(ctx, prefix)
	if err != nil {
		return errors.Wrap(err, "get key")
	}
	if err := m.repo.Delete(ctx, k.ID); err != nil {
		return errors.Wrap(err, "delete key")
	}
	m.lg.Info("API key deleted", zap.String("prefix", prefix))
	return m.notify(ctx, Event{Type: EventDeleted, Key: k})
}
