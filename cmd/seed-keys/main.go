// Command seed-keys issues an API key and prints the plaintext once.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/apikeys/internal/domain/apikey"
	"github.com/xenking/apikeys/internal/domain/scope"
	"github.com/xenking/apikeys/internal/handler"
	"github.com/xenking/apikeys/internal/storage/postgres"
)

type options struct {
	databaseURL string
	name        string
	scopes      string
	expiresIn   time.Duration
	algorithm   string
	pepper      string
}

func main() {
	var opts options

	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&opts.name, "name", "", "name of the key owner")
	flag.StringVar(&opts.scopes, "scopes", "", "comma-separated scope labels to grant, e.g. apikeys.key.read")
	flag.DurationVar(&opts.expiresIn, "expires-in", 0, "key lifetime; 0 never expires")
	flag.StringVar(&opts.algorithm, "algorithm", apikey.AlgSHA512, "hash algorithm (or APIKEYS_HASHING_ALGORITHM env)")
	flag.StringVar(&opts.pepper, "pepper", "", "hmac_sha512 pepper (or APIKEYS_HASHING_PEPPER env)")
	flag.Parse()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if v := os.Getenv("APIKEYS_HASHING_ALGORITHM"); v != "" && opts.algorithm == apikey.AlgSHA512 {
		opts.algorithm = v
	}
	if opts.pepper == "" {
		opts.pepper = os.Getenv("APIKEYS_HASHING_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	plaintext, err := run(ctx, opts)
	if err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// The only place the plaintext ever appears.
	fmt.Println(plaintext)
}

func run(ctx context.Context, opts options) (string, error) {
	slog.Info("connecting to database")
	pool, err := postgres.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return "", errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return "", errors.Wrap(err, "run migrations")
	}

	registry := scope.NewRegistry(handler.KeyResource)
	if err := registry.Check(); err != nil {
		return "", errors.Wrap(err, "check scopes")
	}
	created, err := postgres.NewScopeRepository(pool).Sync(ctx, registry.Scopes())
	if err != nil {
		return "", errors.Wrap(err, "sync scopes")
	}
	slog.Info("scopes synced", slog.Int64("created", created))

	hashers, err := apikey.NewHashers(apikey.HashingConfig{Algorithm: opts.algorithm, Pepper: opts.pepper})
	if err != nil {
		return "", errors.Wrap(err, "create hashers")
	}
	manager := apikey.NewManager(postgres.NewAPIKeyRepository(pool), apikey.NewGenerator(hashers), zap.NewNop())

	return issue(ctx, manager, registry, opts, time.Now())
}

// keyIssuer creates keys.
type keyIssuer interface {
	Create(ctx context.Context, p apikey.CreateParams) (*apikey.Key, string, error)
}

func issue(ctx context.Context, issuer keyIssuer, registry *scope.Registry, opts options, now time.Time) (string, error) {
	params, err := createParams(registry, opts, now)
	if err != nil {
		return "", err
	}
	k, plaintext, err := issuer.Create(ctx, params)
	if err != nil {
		return "", errors.Wrap(err, "create key")
	}

	attrs := []any{
		slog.String("prefix", k.Prefix),
		slog.String("name", k.Name),
		slog.Any("scopes", k.ScopeLabels()),
	}
	if k.ExpiryDate != nil {
		attrs = append(attrs, slog.Time("expires", *k.ExpiryDate))
	}
	slog.Info("issued API key", attrs...)
	return plaintext, nil
}

func createParams(registry *scope.Registry, opts options, now time.Time) (apikey.CreateParams, error) {
	var labels []string
	for _, label := range strings.Split(opts.scopes, ",") {
		if label = strings.TrimSpace(label); label != "" {
			labels = append(labels, label)
		}
	}
	scopes, err := registry.Resolve(labels...)
	if err != nil {
		return apikey.CreateParams{}, errors.Wrap(err, "resolve scopes")
	}

	p := apikey.CreateParams{Name: opts.name, Scopes: scopes}
	switch {
	case opts.expiresIn < 0:
		return apikey.CreateParams{}, errors.Errorf("expires-in must not be negative, got %s", opts.expiresIn)
	case opts.expiresIn > 0:
		expiry := now.Add(opts.expiresIn).UTC()
		p.ExpiryDate = &expiry
	}
	return p, nil
}
