// Command key-migrate imports API key exports into the key store.
//
// Exports are gzip-compressed JSON lines. Version 1 records carry the key
// as id = "<prefix>.<hashed_key>", version 2 records carry prefix and
// hashed_key separately. Both are normalized to the stored format. Prefixes
// occurring more than once across all exports are reported and skipped.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"

	"github.com/go-faster/errors"

	"github.com/xenking/apikeys/internal/domain/apikey"
	"github.com/xenking/apikeys/internal/storage/postgres"
)

func main() {
	var (
		dataDir      string
		pattern      string
		databaseURL  string
		pepper       string
		expectedKeys uint
		createScopes bool
		dryRun       bool
	)

	flag.StringVar(&dataDir, "data-dir", "data", "directory containing key exports")
	flag.StringVar(&pattern, "pattern", "*.jsonl.gz", "glob selecting export files in data-dir")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&pepper, "pepper", "", "hmac_sha512 pepper, needed to recognize peppered hashes (or APIKEYS_HASHING_PEPPER env)")
	flag.UintVar(&expectedKeys, "expected-keys", 1_000_000, "expected records per file, sizes the prefix filters")
	flag.BoolVar(&createScopes, "create-scopes", false, "create scopes referenced by the exports")
	flag.BoolVar(&dryRun, "dry-run", false, "scan and report without writing")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" && !dryRun {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if pepper == "" {
		pepper = os.Getenv("APIKEYS_HASHING_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, filepath.Join(dataDir, pattern), databaseURL, pepper, expectedKeys, createScopes, dryRun); err != nil {
		slog.Error("key migration failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("key migration completed successfully")
}

func run(ctx context.Context, glob, databaseURL, pepper string, expectedKeys uint, createScopes, dryRun bool) error {
	files, err := filepath.Glob(glob)
	if err != nil {
		return errors.Wrapf(err, "match %s", glob)
	}
	if len(files) == 0 {
		return errors.Errorf("no export files match %s", glob)
	}
	sort.Strings(files)

	hashers, err := apikey.NewHashers(apikey.HashingConfig{Pepper: pepper})
	if err != nil {
		return errors.Wrap(err, "create hashers")
	}
	m := &migration{files: files, hashers: hashers, capacity: expectedKeys}

	if dryRun {
		st, err := m.run(ctx, nil, nil, true)
		if err != nil {
			return err
		}
		logStats(st)
		return nil
	}

	slog.Info("connecting to database")
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	var syncer scopeSyncer
	if createScopes {
		syncer = postgres.NewScopeRepository(pool)
	}
	st, err := m.run(ctx, postgres.NewAPIKeyRepository(pool), syncer, false)
	if err != nil {
		return err
	}
	logStats(st)
	return nil
}

func logStats(st *stats) {
	slog.Info("migration summary",
		slog.Uint64("records", st.Records),
		slog.Uint64("invalid", st.Invalid),
		slog.Uint64("duplicates", st.Duplicates),
		slog.Uint64("existing", st.Existing),
		slog.Uint64("rejected", st.Rejected),
		slog.Uint64("written", st.Written),
	)
}
