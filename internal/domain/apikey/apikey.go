package apikey

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/go-faster/errors"

	"github.com/xenking/apikeys/internal/domain/scope"
)

// MaxNameLength bounds the free-form key name.
const MaxNameLength = 50

var (
	// ErrInvalidKey is the single outcome for every rejected key: unknown
	// prefix, hash mismatch, expiry and revocation are not distinguished.
	ErrInvalidKey = errors.New("invalid api key")
	// ErrNotFound is returned by repositories when no record matches.
	ErrNotFound = errors.New("api key not found")
	// ErrDuplicatePrefix is returned by Repository.Create when the prefix is taken.
	ErrDuplicatePrefix = errors.New("api key prefix already exists")
	// ErrRevokeIrreversible is returned when a write would un-revoke a key.
	ErrRevokeIrreversible = errors.New("the api key has been revoked, which cannot be undone")
	// ErrNameRequired is returned when a key name is empty.
	ErrNameRequired = errors.New("api key name is required")
	// ErrNameTooLong is returned when a key name exceeds MaxNameLength.
	ErrNameTooLong = errors.New("api key name is longer than 50 characters")
)

// StorageError wraps a repository failure. It is surfaced to callers for
// observability while the permission decision stays "deny".
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("api key storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Key is a stored API key. The plaintext secret is never part of it.
type Key struct {
	ID         string
	Prefix     string
	HashedKey  string
	Name       string
	Created    time.Time
	Revoked    bool
	ExpiryDate *time.Time
	Scopes     []scope.Scope
}

func (k *Key) String() string {
	return k.Name
}

// HasExpired reports whether the key is expired at now. A key expiring
// exactly at now is expired.
func (k *Key) HasExpired(now time.Time) bool {
	if k.ExpiryDate == nil {
		return false
	}
	return !k.ExpiryDate.After(now)
}

// HasScopes reports whether every required scope label is granted.
func (k *Key) HasScopes(required ...string) bool {
	return scope.HasAll(k.Scopes, required...)
}

// ScopeLabels returns the labels of the granted scopes.
func (k *Key) ScopeLabels() []string {
	return scope.Labels(k.Scopes)
}

// Validate checks the owner-controlled fields.
func (k *Key) Validate() error {
	if k.Name == "" {
		return ErrNameRequired
	}
	if utf8.RuneCountInString(k.Name) > MaxNameLength {
		return ErrNameTooLong
	}
	return nil
}

// ValidateUpdate checks that k is an acceptable replacement for prev.
func (k *Key) ValidateUpdate(prev *Key) error {
	if prev.Revoked && !k.Revoked {
		return ErrRevokeIrreversible
	}
	return k.Validate()
}

// Clone returns a deep copy of k.
func (k *Key) Clone() *Key {
	c := *k
	if k.ExpiryDate != nil {
		exp := *k.ExpiryDate
		c.ExpiryDate = &exp
	}
	if k.Scopes != nil {
		c.Scopes = append([]scope.Scope(nil), k.Scopes...)
	}
	return &c
}

// Repository persists key records.
type Repository interface {
	// Create stores a new record. It returns ErrDuplicatePrefix when the
	// prefix is already in use.
	Create(ctx context.Context, k *Key) error
	// GetByPrefix returns the record with the given prefix, revoked or not.
	GetByPrefix(ctx context.Context, prefix string) (*Key, error)
	// GetUsableByPrefix returns the non-revoked records with the given
	// prefix. More than one result is an integrity violation.
	GetUsableByPrefix(ctx context.Context, prefix string) ([]Key, error)
	// FilterUsable returns every non-revoked record.
	FilterUsable(ctx context.Context) ([]Key, error)
	// Update replaces the mutable fields (name, revoked, expiry, scopes).
	// It returns ErrRevokeIrreversible when the stored record is revoked and
	// k is not.
	Update(ctx context.Context, k *Key) error
	// UpdateHashedKey replaces the hash only if it still equals oldHash.
	UpdateHashedKey(ctx context.Context, id, oldHash, newHash string) (bool, error)
	// Delete removes the record.
	Delete(ctx context.Context, id string) error
}

// Cache stores verification verdicts keyed by a derived cache key, with a
// secondary prefix index used for invalidation.
//
// Every InvalidateByPrefix advances the generation of the prefix. A verdict
// is only stored when the generation read before deciding it is still
// current, so a mutation committed while a verification is in flight can
// never be overwritten by that verification's stale verdict.
type Cache interface {
	Get(ctx context.Context, key string) (valid, ok bool, err error)
	// Generation returns the current invalidation generation of prefix.
	Generation(ctx context.Context, prefix string) (uint64, error)
	// Set stores the verdict unless prefix was invalidated after gen was read.
	Set(ctx context.Context, key, prefix string, valid bool, ttl time.Duration, gen uint64) error
	Invalidate(ctx context.Context, key string) error
	InvalidateByPrefix(ctx context.Context, prefix string) error
}
