package apikey

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL is the validity cache lifetime when none is configured.
const DefaultCacheTTL = time.Hour

// CacheKey derives the validity cache key of a presented key. The
// plaintext itself never reaches the cache.
func CacheKey(presented string) string {
	sum := sha256.Sum256([]byte(presented))
	return hex.EncodeToString(sum[:])
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithCache enables the validity cache. A non-positive ttl means DefaultCacheTTL.
func WithCache(c Cache, ttl time.Duration) VerifierOption {
	return func(v *Verifier) {
		if ttl <= 0 {
			ttl = DefaultCacheTTL
		}
		v.cache = c
		v.ttl = ttl
	}
}

// WithLogger sets the logger.
func WithLogger(lg *zap.Logger) VerifierOption {
	return func(v *Verifier) {
		v.lg = lg
	}
}

// WithMeterProvider sets the meter provider for verification metrics.
func WithMeterProvider(mp metric.MeterProvider) VerifierOption {
	return func(v *Verifier) {
		v.meterProvider = mp
	}
}

// WithTracerProvider sets the tracer provider for verification spans.
func WithTracerProvider(tp trace.TracerProvider) VerifierOption {
	return func(v *Verifier) {
		v.tracer = tp.Tracer(instrumentationName)
	}
}

// Verifier makes the authorization decision for presented keys.
//
// The only write it performs is the hash upgrade: a key verified against a
// hash from a non-preferred hasher is re-hashed with the preferred one and
// stored with a compare-and-set, so concurrent upgrades of the same key are
// idempotent.
type Verifier struct {
	repo    Repository
	hashers *Hashers
	cache   Cache
	ttl     time.Duration
	lg      *zap.Logger
	now     func() time.Time

	meterProvider metric.MeterProvider
	metrics       *metrics
	tracer        trace.Tracer
	upgrades      singleflight.Group
}

// NewVerifier creates a Verifier. The cache is disabled unless WithCache is given.
func NewVerifier(repo Repository, hashers *Hashers, opts ...VerifierOption) (*Verifier, error) {
	v := &Verifier{
		repo:    repo,
		hashers: hashers,
		lg:      zap.NewNop(),
		now:     time.Now,
		tracer:  tracenoop.NewTracerProvider().Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(v)
	}
	m, err := newMetrics(v.meterProvider)
	if err != nil {
		return nil, errors.Wrap(err, "create metrics")
	}
	v.metrics = m
	return v, nil
}

// IsValid reports whether presented is a usable, unexpired key. Every
// rejection reason yields (false, nil); a non-nil error means the store
// failed and the decision is still false.
func (v *Verifier) IsValid(ctx context.Context, presented string) (bool, error) {
	_, valid, err := v.Verify(ctx, presented)
	return valid, err
}

// Verify is IsValid that also hands back the record when one was loaded.
// A valid verdict served from the cache returns a nil record; callers that
// need it fetch it by prefix.
func (v *Verifier) Verify(ctx context.Context, presented string) (*Key, bool, error) {
	if presented == "" {
		return nil, false, nil
	}

	var (
		cacheKey string
		gen      uint64
		cacheOK  bool
	)
	if v.cache != nil {
		cacheKey = CacheKey(presented)
		valid, ok, err := v.cache.Get(ctx, cacheKey)
		switch {
		case err != nil:
			v.lg.Warn("Validity cache read failed", zap.Error(err))
		case ok:
			v.metrics.cacheLookup(ctx, true)
			return nil, valid, nil
		default:
			v.metrics.cacheLookup(ctx, false)
		}

		// The generation is read before the store so that a mutation
		// committed during the lookup rejects the write below.
		prefix, _ := Split(presented)
		gen, err = v.cache.Generation(ctx, prefix)
		if err != nil {
			v.lg.Warn("Validity cache generation read failed", zap.Error(err))
		} else {
			cacheOK = true
		}
	}

	k, err := v.GetFromKey(ctx, presented)
	if err != nil {
		if errors.Is(err, ErrInvalidKey) {
			return nil, false, nil
		}
		return nil, false, err
	}

	if cacheOK {
		ttl := v.ttl
		if k.ExpiryDate != nil {
			if remaining := k.ExpiryDate.Sub(v.now()); remaining < ttl {
				ttl = remaining
			}
		}
		if ttl > 0 {
			if err := v.cache.Set(ctx, cacheKey, k.Prefix, true, ttl, gen); err != nil {
				v.lg.Warn("Validity cache write failed", zap.Error(err))
			}
		}
	}
	return k, true, nil
}

// GetFromKey returns the record matching presented. All rejection reasons
// collapse into ErrInvalidKey; storage failures are returned as
// *StorageError.
func (v *Verifier) GetFromKey(ctx context.Context, presented string) (*Key, error) {
	ctx, span := v.tracer.Start(ctx, "apikey.GetFromKey")
	defer span.End()

	k, outcome, err := v.lookup(ctx, presented)
	span.SetAttributes(attribute.String("apikey.outcome", outcome))
	v.metrics.verification(ctx, outcome)
	if err != nil {
		if !errors.Is(err, ErrInvalidKey) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage failure")
		}
		return nil, err
	}
	return k, nil
}

func (v *Verifier) lookup(ctx context.Context, presented string) (*Key, string, error) {
	prefix, _ := Split(presented)
	if prefix == "" {
		return nil, outcomeNotFound, ErrInvalidKey
	}

	keys, err := v.repo.GetUsableByPrefix(ctx, prefix)
	if err != nil {
		var storageErr *StorageError
		if !errors.As(err, &storageErr) {
			err = &StorageError{Op: "get usable by prefix", Err: err}
		}
		return nil, outcomeStorage, err
	}
	switch len(keys) {
	case 0:
		return nil, outcomeNotFound, ErrInvalidKey
	case 1:
	default:
		v.lg.Error("API key prefix collision between usable records",
			zap.String("prefix", prefix),
			zap.Int("records", len(keys)),
		)
		return nil, outcomeConflict, ErrInvalidKey
	}

	k := keys[0]
	if !v.hashers.Verify(presented, k.HashedKey) {
		return nil, outcomeMismatch, ErrInvalidKey
	}
	if k.Revoked {
		return nil, outcomeRevoked, ErrInvalidKey
	}
	if k.HasExpired(v.now()) {
		return nil, outcomeExpired, ErrInvalidKey
	}
	if !v.hashers.IsPreferred(k.HashedKey) {
		v.upgrade(ctx, &k, presented)
	}
	return &k, outcomeValid, nil
}

// upgrade re-hashes a verified key with the preferred hasher. Failures are
// logged and never change the verdict.
func (v *Verifier) upgrade(ctx context.Context, k *Key, presented string) {
	res, err, _ := v.upgrades.Do(k.ID, func() (any, error) {
		from := "unknown"
		if h, ok := v.hashers.Lookup(k.HashedKey); ok {
			from = h.Algorithm()
		}
		hashed, err := v.hashers.Hash(presented)
		if err != nil {
			return nil, errors.Wrap(err, "hash")
		}
		swapped, err := v.repo.UpdateHashedKey(ctx, k.ID, k.HashedKey, hashed)
		if err != nil {
			return nil, errors.Wrap(err, "update hashed key")
		}
		if !swapped {
			// Another writer changed the hash first.
			return "", nil
		}
		v.metrics.upgrade(ctx, from)
		v.lg.Info("API key hash upgraded",
			zap.String("prefix", k.Prefix),
			zap.String("from", from),
			zap.String("to", v.hashers.Preferred().Algorithm()),
		)
		return hashed, nil
	})
	if err != nil {
		v.lg.Warn("API key hash upgrade failed", zap.String("prefix", k.Prefix), zap.Error(err))
		return
	}
	if hashed, _ := res.(string); hashed != "" {
		k.HashedKey = hashed
	}
}
