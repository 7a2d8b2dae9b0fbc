package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/api-cache/pkg/cache"
	"github.com/Sternrassler/api-cache/pkg/client"
	"github.com/Sternrassler/api-cache/pkg/compression"
	"github.com/Sternrassler/api-cache/pkg/config"
	"github.com/Sternrassler/api-cache/pkg/logging"
	"github.com/Sternrassler/api-cache/pkg/ratelimit"
	"github.com/Sternrassler/api-cache/pkg/store"
)

// app holds the wired components shared by all commands.
type app struct {
	cfg     *config.Config
	db      *sql.DB
	repo    *store.Repository
	comp    *compression.Service
	limiter *ratelimit.Limiter
	manager *cache.Manager
	redis   *redis.Client
	logger  zerolog.Logger
}

// newApp loads configuration and connects the database and counter store.
func newApp(ctx context.Context, cfgPath string, debug bool) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.Log.Level = string(logging.LevelDebug)
	}
	logging.Setup(cfg.Logging())
	return buildApp(ctx, cfg, logging.NewLogger("apicache"))
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	comp, err := compression.NewService(cfg.CompressionService())
	if err != nil {
		return nil, fmt.Errorf("compression: %w", err)
	}
	a.comp = comp

	db, dialect, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect %s: %w", dialect, err)
	}
	a.db = db

	repo, err := store.NewRepository(db, store.Options{
		Dialect:    dialect,
		Prefix:     cfg.TablePrefix,
		Compressor: comp,
		Logger:     logger.With().Str("component", "store").Logger(),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.repo = repo

	var counters ratelimit.CounterStore
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis at %s: %w", cfg.Redis.Addr, err)
		}
		counters = ratelimit.NewRedisStore(a.redis)
		logger.Debug().Str("addr", cfg.Redis.Addr).Msg("Using Redis rate limit counters")
	} else {
		counters = ratelimit.NewMemoryStore()
		logger.Debug().Msg("Using in-memory rate limit counters")
	}

	a.limiter = ratelimit.NewLimiter(counters, cfg.RateLimits(), logger.With().Str("component", "ratelimit").Logger())
	a.manager = cache.NewManager(repo, a.limiter, cfg.CacheManager(), logger.With().Str("component", "cache").Logger())
	return a, nil
}

// clients builds a caching client for every client with a base_url.
func (a *app) clients() (map[string]*client.Client, error) {
	out := make(map[string]*client.Client)
	for _, name := range a.cfg.ClientNames() {
		if a.cfg.Clients[name].BaseURL == "" {
			continue
		}
		cc, err := a.cfg.APIClient(name, a.manager)
		if err != nil {
			return nil, err
		}
		c, err := client.New(cc, a.logger)
		if err != nil {
			return nil, fmt.Errorf("client %s: %w", name, err)
		}
		out[name] = c
	}
	return out, nil
}

// Close releases the database and Redis connections.
func (a *app) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}
