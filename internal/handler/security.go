package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/apikeys/internal/domain/apikey"
)

// Verifier decides whether a presented key is usable. The record is
// returned when the decision loaded it; a verdict served from a cache
// comes back with a nil record.
type Verifier interface {
	Verify(ctx context.Context, presented string) (*apikey.Key, bool, error)
}

// KeyGetter loads a key record by prefix.
type KeyGetter interface {
	Get(ctx context.Context, prefix string) (*apikey.Key, error)
}

// ErrNotAuthenticated is returned by KeyFromContext outside an authenticated
// request or when the record of the key is no longer usable.
var ErrNotAuthenticated = errors.New("not authenticated")

// principal is the authenticated caller. The record is loaded at most once,
// and only when something asks for it.
type principal struct {
	prefix string
	load   func(ctx context.Context) (*apikey.Key, error)

	once sync.Once
	key  *apikey.Key
	err  error
}

func (p *principal) get(ctx context.Context) (*apikey.Key, error) {
	p.once.Do(func() {
		p.key, p.err = p.load(ctx)
	})
	return p.key, p.err
}

type principalContextKey struct{}

// KeyFromContext returns the authenticated key of the request, loading its
// record on first use.
func KeyFromContext(ctx context.Context) (*apikey.Key, error) {
	p, ok := ctx.Value(principalContextKey{}).(*principal)
	if !ok {
		return nil, ErrNotAuthenticated
	}
	return p.get(ctx)
}

// PrefixFromContext returns the prefix of the authenticated key.
func PrefixFromContext(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(principalContextKey{}).(*principal)
	if !ok {
		return "", false
	}
	return p.prefix, true
}

func withPrincipal(ctx context.Context, p *principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// Authenticator guards handlers with API key checks. It fails closed: any
// error while deciding is answered with 401.
type Authenticator struct {
	parser   KeyParser
	verifier Verifier
	keys     KeyGetter
	now      func() time.Time
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(parser KeyParser, verifier Verifier, keys KeyGetter) *Authenticator {
	return &Authenticator{
		parser:   parser,
		verifier: verifier,
		keys:     keys,
		now:      time.Now,
	}
}

// Require returns a middleware admitting requests that present a valid key
// granted every one of the scopes. Missing or invalid keys get 401, missing
// scopes get 403.
//
// Without scopes a cached verdict admits the request with no store lookup.
func (a *Authenticator) Require(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			p, ok := a.authenticate(ctx, r)
			if ok && len(scopes) > 0 {
				var k *apikey.Key
				if k, ok = a.authorize(ctx, p); ok && !k.HasScopes(scopes...) {
					zctx.From(ctx).Info("API key lacks required scopes",
						zap.String("prefix", k.Prefix),
						zap.Strings("required", scopes),
					)
					writeError(w, http.StatusForbidden, "API key is not granted the required scopes")
					return
				}
			}
			if !ok {
				w.Header().Set("WWW-Authenticate", a.challenge())
				writeError(w, http.StatusUnauthorized, "invalid or missing API key")
				return
			}
			next.ServeHTTP(w, r.WithContext(withPrincipal(ctx, p)))
		})
	}
}

func (a *Authenticator) authenticate(ctx context.Context, r *http.Request) (*principal, bool) {
	presented, ok := a.parser.Parse(r)
	if !ok {
		return nil, false
	}
	k, valid, err := a.verifier.Verify(ctx, presented)
	if err != nil {
		zctx.From(ctx).Error("API key verification failed", zap.Error(err))
		return nil, false
	}
	if !valid {
		return nil, false
	}

	prefix, _ := apikey.Split(presented)
	p := &principal{prefix: prefix, load: a.loader(prefix)}
	if k != nil {
		// Just verified against the store.
		p.load = func(context.Context) (*apikey.Key, error) { return k, nil }
	}
	return p, true
}

func (a *Authenticator) authorize(ctx context.Context, p *principal) (*apikey.Key, bool) {
	k, err := p.get(ctx)
	if err != nil {
		if !errors.Is(err, ErrNotAuthenticated) {
			zctx.From(ctx).Error("Load verified API key", zap.String("prefix", p.prefix), zap.Error(err))
		}
		return nil, false
	}
	return k, true
}

// loader fetches the record behind a cached verdict. The verdict may be
// older than the record, so the record is authoritative.
func (a *Authenticator) loader(prefix string) func(ctx context.Context) (*apikey.Key, error) {
	return func(ctx context.Context) (*apikey.Key, error) {
		k, err := a.keys.Get(ctx, prefix)
		switch {
		case errors.Is(err, apikey.ErrNotFound):
			return nil, ErrNotAuthenticated
		case err != nil:
			return nil, errors.Wrap(err, "get key")
		case k.Revoked || k.HasExpired(a.now()):
			return nil, ErrNotAuthenticated
		default:
			return k, nil
		}
	}
}

func (a *Authenticator) challenge() string {
	if a.parser.CustomHeader != "" {
		return a.parser.CustomHeader
	}
	if a.parser.Keyword != "" {
		return a.parser.Keyword
	}
	return DefaultKeyword
}
