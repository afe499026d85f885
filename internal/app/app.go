package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/apikeys/internal/cache"
	"github.com/xenking/apikeys/internal/domain/apikey"
	"github.com/xenking/apikeys/internal/domain/scope"
	"github.com/xenking/apikeys/internal/handler"
	"github.com/xenking/apikeys/internal/storage/postgres"
	"github.com/xenking/apikeys/pkg/health"
	"github.com/xenking/apikeys/pkg/httpmiddleware"
)

const memoryCacheSweep = time.Minute

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("hash_algorithm", cfg.Hashing.Algorithm),
		zap.Bool("cache", cfg.Cache.Enabled),
		zap.String("cache_backend", cfg.Cache.Backend),
	)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Scopes are declared in code and persisted so grants can reference them.
	registry := scope.NewRegistry(handler.KeyResource)
	if err := registry.Check(); err != nil {
		return errors.Wrap(err, "check scopes")
	}
	created, err := postgres.NewScopeRepository(pool).Sync(ctx, registry.Scopes())
	if err != nil {
		return errors.Wrap(err, "sync scopes")
	}
	lg.Info("Scopes synced", zap.Int64("created", created))

	hashers, err := apikey.NewHashers(cfg.Hashing.ApikeyHashing())
	if err != nil {
		return errors.Wrap(err, "create hashers")
	}
	repo := postgres.NewAPIKeyRepository(pool)
	manager := apikey.NewManager(repo, apikey.NewGenerator(hashers), lg.Named("manager"))

	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck("postgres", pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	verifierOpts := []apikey.VerifierOption{
		apikey.WithLogger(lg.Named("verifier")),
		apikey.WithMeterProvider(m.MeterProvider()),
		apikey.WithTracerProvider(m.TracerProvider()),
	}
	if cfg.Cache.Enabled {
		c, closeCache, err := newCache(ctx, cfg.Cache, healthSvc)
		if err != nil {
			return err
		}
		defer closeCache()

		manager.OnChange(cache.Invalidator(c))
		verifierOpts = append(verifierOpts, apikey.WithCache(c, cfg.Cache.TTL))
	}
	verifier, err := apikey.NewVerifier(repo, hashers, verifierOpts...)
	if err != nil {
		return errors.Wrap(err, "create verifier")
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("GET /readyz", healthSvc.ReadyEndpoint)
	auth := handler.NewAuthenticator(cfg.Header.KeyParser(), verifier, manager)
	handler.NewHandler(registry, manager).Register(mux, auth)

	routeFinder := httpmiddleware.MakeRouteFinder(mux)
	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Recovery(),
			httpmiddleware.Instrument("apikeys", routeFinder, m),
			httpmiddleware.LogRequests(routeFinder),
			httpmiddleware.Labeler(routeFinder),
		),
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// newCache builds the configured validity cache and registers its readiness
// check. The returned func releases the backend.
func newCache(ctx context.Context, cfg CacheConfig, healthSvc *health.Health) (apikey.Cache, func(), error) {
	switch cfg.Backend {
	case CacheRedis:
		client, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, errors.Wrap(err, "connect redis")
		}
		c := cache.NewRedis(client, cache.DefaultNamespace)
		healthSvc.AddReadinessCheck("redis", 2*time.Second, health.PingCheck("redis", c))
		return c, func() { _ = client.Close() }, nil
	default:
		c := cache.NewMemory()
		go c.Run(ctx, memoryCacheSweep)
		return c, func() {}, nil
	}
}
