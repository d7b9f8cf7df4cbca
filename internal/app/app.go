// Package app wires configuration, storage, caching, providers and the HTTP
// server together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"embedstream/config"
	"embedstream/internal/cache"
	"embedstream/internal/core"
	"embedstream/internal/embed"
	"embedstream/internal/observability"
	"embedstream/internal/pkg/httpclient"
	"embedstream/internal/providers"
	"embedstream/internal/providers/langchain"
	"embedstream/internal/providers/openai"
	"embedstream/internal/retry"
	"embedstream/internal/server"
	"embedstream/internal/storage"
	"embedstream/internal/usage"
)

// DefaultFactory knows every built-in provider type.
func DefaultFactory() *providers.Factory {
	return providers.NewFactory(openai.Registration, langchain.Registration)
}

// Options customizes New. All fields are optional.
type Options struct {
	Factory *providers.Factory
	Logger  *slog.Logger
}

// App holds every long-lived component.
type App struct {
	config   *config.Config
	log      *slog.Logger
	storage  storage.Storage
	usage    usage.Recorder
	cache    cache.Cache
	pool     *ants.Pool
	registry *providers.Registry
	metrics  *observability.Metrics
	server   *server.Server

	shutdownMu sync.Mutex
	shutdown   bool
}

// New builds the application. On error every component created so far is
// released. The caller must call Shutdown.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if opts.Factory == nil {
		opts.Factory = DefaultFactory()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	a := &App{config: cfg, log: opts.Logger, usage: usage.NoopLogger{}}
	defer func() {
		if err != nil {
			_ = a.Shutdown(context.Background())
		}
	}()

	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.metrics = observability.New(reg)
		gatherer = reg
	}

	if cfg.Usage.Enabled {
		a.storage, err = storage.New(ctx, cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		a.usage, err = usage.New(ctx, cfg.Usage, a.storage, a.log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize usage tracking: %w", err)
		}
	}

	a.cache, err = newCache(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	a.pool, err = ants.NewPool(cfg.Server.StreamPoolSize, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("failed to create stream pool: %w", err)
	}

	deps := providers.Deps{
		HTTPClient: httpclient.New(httpclient.Options{
			Timeout:               cfg.HTTP.Timeout,
			ResponseHeaderTimeout: cfg.HTTP.ResponseHeaderTimeout,
		}),
		Pool:   a.pool,
		Logger: a.log,
	}
	a.registry, err = providers.Build(cfg.Providers, cfg.Embedding.DefaultModel, opts.Factory, deps)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize providers: %w", err)
	}
	if a.cache != nil {
		cacheOpts := []cache.ModelOption{cache.WithTTL(cfg.Cache.TTL), cache.WithLogger(a.log)}
		if a.metrics != nil {
			cacheOpts = append(cacheOpts, cache.WithLookupHook(a.metrics.CacheLookup))
		}
		a.registry.WrapEmbedders(func(name string, m core.EmbeddingModel[string]) core.EmbeddingModel[string] {
			opts := append([]cache.ModelOption{cache.WithNamespace(name)}, cacheOpts...)
			return cache.NewCachedModel(m, a.cache, opts...)
		})
	}

	handler, err := server.NewHandler(server.HandlerConfig{
		Registry:       a.registry,
		Usage:          a.usage,
		Metrics:        a.metrics,
		MaxRetries:     cfg.Embedding.MaxRetries,
		InitialBackoff: cfg.Embedding.InitialBackoff,
		MaxBackoff:     cfg.Embedding.MaxBackoff,
		Logger:         a.log,
	})
	if err != nil {
		return nil, err
	}

	var bodyLimit int64
	if cfg.Server.BodySizeLimit != "" {
		if bodyLimit, err = config.ParseBodySizeLimit(cfg.Server.BodySizeLimit); err != nil {
			return nil, err
		}
	}
	a.server = server.New(handler, server.Config{
		MasterKey:       cfg.Server.MasterKey,
		MetricsEnabled:  cfg.Metrics.Enabled,
		MetricsEndpoint: cfg.Metrics.Endpoint,
		Gatherer:        gatherer,
		BodySizeLimit:   bodyLimit,
		Logger:          a.log,
	})

	a.logStartupInfo()
	return a, nil
}

func newCache(cfg config.CacheConfig) (cache.Cache, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "memory":
		return cache.NewMemoryCache(cfg.Memory.MaxEntries, cfg.TTL), nil
	case "redis":
		c, err := cache.NewRedisCache(cache.RedisConfig{
			URL:       cfg.Redis.URL,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.TTL,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown cache type %q", cfg.Type)
	}
}

// Registry returns the provider registry, wrapped with the cache when enabled.
func (a *App) Registry() *providers.Registry { return a.registry }

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.server }

// EmbedOptions returns the configured retry policy as embed options.
func (a *App) EmbedOptions() []embed.Option {
	return []embed.Option{
		embed.WithMaxRetries(a.config.Embedding.MaxRetries),
		embed.WithRetryOptions(
			retry.WithInitialBackoff(a.config.Embedding.InitialBackoff),
			retry.WithMaxBackoff(a.config.Embedding.MaxBackoff),
		),
		embed.WithLogger(a.log),
	}
}

// Start serves HTTP on addr and blocks until the server stops.
func (a *App) Start(addr string) error {
	a.log.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			a.log.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown stops the server and then releases the stream pool, the cache,
// usage tracking and storage, in that order. Every step runs even when an
// earlier one fails. It is idempotent.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	a.log.Info("shutting down application...")
	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}
	if a.pool != nil {
		a.pool.Release()
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache close: %w", err))
		}
	}
	if a.usage != nil {
		if err := a.usage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("usage close: %w", err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		a.log.Error("shutdown finished with errors", "error", err)
		return fmt.Errorf("shutdown errors: %w", err)
	}
	a.log.Info("application shutdown complete")
	return nil
}

func (a *App) logStartupInfo() {
	cfg := a.config
	if cfg.Server.MasterKey == "" {
		a.log.Warn("EMBEDSTREAM_MASTER_KEY not set, server accepts unauthenticated requests")
	} else {
		a.log.Info("authentication enabled", "mode", "master_key_or_jwt")
	}
	a.log.Info("providers ready", "names", a.registry.Names())
	cacheType := cfg.Cache.Type
	if cacheType == "" {
		cacheType = "none"
	}
	a.log.Info("embedding cache configured", "type", cacheType, "ttl", cfg.Cache.TTL)
	if cfg.Usage.Enabled {
		a.log.Info("usage tracking enabled", "storage", cfg.Storage.Type, "retention_days", cfg.Usage.RetentionDays)
	}
	if cfg.Metrics.Enabled {
		a.log.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	}
}
