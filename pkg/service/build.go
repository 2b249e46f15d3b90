package service

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/pario-ai/mathgate/pkg/breaker"
	"github.com/pario-ai/mathgate/pkg/cache"
	"github.com/pario-ai/mathgate/pkg/cache/redis"
	"github.com/pario-ai/mathgate/pkg/cache/sqlite"
	"github.com/pario-ai/mathgate/pkg/config"
	"github.com/pario-ai/mathgate/pkg/executor"
	"github.com/pario-ai/mathgate/pkg/journal"
	"github.com/pario-ai/mathgate/pkg/router"
	"github.com/pario-ai/mathgate/pkg/stats"
)

// Build wires a Service from configuration. The caller must call Start to
// rehydrate and begin sweeping, and Close when done.
func Build(cfg *config.Config, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}

	persister, err := OpenPersister(cfg.Cache)
	if err != nil {
		return nil, err
	}

	store, err := cache.New(cache.Options{
		MaxCapacity:         cfg.Cache.MaxCapacity,
		TTL:                 cfg.Cache.TimeToLive,
		TTI:                 cfg.Cache.TimeToIdle,
		SimilarityThreshold: cfg.Cache.SimilarityThreshold,
		Shards:              cfg.Cache.Shards,
		SweepInterval:       cfg.Cache.SweepInterval,
		Persister:           persister,
		Stats:               stats.New(),
		Logger:              log.Named("cache"),
	})
	if err != nil {
		closeQuietly(persister)
		return nil, err
	}

	exec, err := executor.New(cfg.Executor, log.Named("executor"))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("build executor: %w", err)
	}
	var embedder executor.Embedder
	if e, ok := exec.(executor.Embedder); ok {
		embedder = executor.CachedEmbedder(e, cfg.Executor.EmbeddingCacheSize, cfg.Cache.TimeToLive)
	}

	var jr *journal.Journal
	if cfg.Router.Journal.Path != "" {
		if jr, err = journal.New(cfg.Router.Journal, log.Named("journal")); err != nil {
			_ = store.Close()
			closeQuietly(exec)
			return nil, fmt.Errorf("open journal: %w", err)
		}
	}

	policy, err := ParsePolicy(cfg.Router.FailurePolicy)
	if err != nil {
		_ = store.Close()
		closeQuietly(exec)
		_ = jr.Close()
		return nil, err
	}

	return New(Options{
		Store:          store,
		Breaker:        breaker.New(cfg.Router.Breaker, breaker.WithLogger(log.Named("breaker"))),
		Router:         router.New(cfg.Router.Config, nil),
		Executor:       exec,
		Embedder:       embedder,
		Journal:        jr,
		Policy:         policy,
		Logger:         log,
		RequestTimeout: cfg.RequestTimeout,
	})
}

// OpenPersister opens the backend named by PersistentStorePath: a redis://
// or rediss:// URL selects Redis, any other non-empty value a SQLite file.
// It returns nil when persistence is disabled.
func OpenPersister(cfg config.CacheConfig) (cache.Persister, error) {
	path := cfg.PersistentStorePath
	switch {
	case path == "":
		return nil, nil
	case strings.HasPrefix(path, "redis://"), strings.HasPrefix(path, "rediss://"):
		st, err := redis.New(redis.Config{URL: path, TTL: cfg.TimeToLive})
		if err != nil {
			return nil, fmt.Errorf("open redis cache store: %w", err)
		}
		return st, nil
	default:
		st, err := sqlite.New(path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite cache store: %w", err)
		}
		return st, nil
	}
}

// Run builds and starts a Service.
func Run(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Service, error) {
	svc, err := Build(cfg, log)
	if err != nil {
		return nil, err
	}
	if err := svc.Start(ctx); err != nil {
		_ = svc.Close()
		return nil, err
	}
	return svc, nil
}

func closeQuietly(v any) {
	if c, ok := v.(io.Closer); ok {
		_ = c.Close()
	}
}
