// Package app holds the long-lived resources of the service and builds them
// lazily: the store and cache are created on first use and shared afterwards.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/sync-progress/internal/cache"
	"github.com/JakeFAU/sync-progress/internal/config"
	"github.com/JakeFAU/sync-progress/internal/progress"
	"github.com/JakeFAU/sync-progress/internal/progress/sinks"
	"github.com/JakeFAU/sync-progress/internal/storage/memory"
	"github.com/JakeFAU/sync-progress/internal/storage/postgres"
	"github.com/JakeFAU/sync-progress/internal/store"
)

// Resources is the dependency container handed to the HTTP layer and the
// command. Every accessor is safe for concurrent use and initializes its
// resource at most once.
type Resources struct {
	cfg      config.Config
	logger   *zap.Logger
	registry prometheus.Registerer

	sinksOnce sync.Once
	promSink  *sinks.PrometheusSink

	storeOnce sync.Once
	repo      store.ProgressRepository
	pool      *pgxpool.Pool
	storeErr  error

	cacheOnce sync.Once
	cache     *cache.ProgressCache
	badger    *cache.Badger

	trackerOnce sync.Once
	tracker     *progress.Tracker
	trackerErr  error
}

// New creates an empty container. Nothing is connected until first use.
func New(cfg config.Config, logger *zap.Logger, registry prometheus.Registerer) *Resources {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resources{cfg: cfg, logger: logger, registry: registry}
}

// Logger returns the shared logger.
func (r *Resources) Logger() *zap.Logger {
	return r.logger
}

func (r *Resources) prometheusSink() *sinks.PrometheusSink {
	r.sinksOnce.Do(func() {
		if r.registry == nil {
			return
		}
		sink, err := sinks.NewPrometheusSink(r.registry)
		if err != nil {
			r.logger.Warn("progress metrics disabled", zap.Error(err))
			return
		}
		r.promSink = sink
	})
	return r.promSink
}

// Store returns the durable progress repository.
func (r *Resources) Store(ctx context.Context) (store.ProgressRepository, error) {
	r.storeOnce.Do(func() {
		r.repo, r.storeErr = r.openStore(ctx)
	})
	return r.repo, r.storeErr
}

func (r *Resources) openStore(ctx context.Context) (store.ProgressRepository, error) {
	switch r.cfg.Store.Driver {
	case config.DriverMemory, "":
		r.logger.Info("using in-memory progress store")
		return memory.NewProgressStore(), nil
	case config.DriverPostgres:
		table := r.cfg.Store.Table
		if r.cfg.Store.Migrate && table != "" && table != postgres.DefaultTable {
			return nil, fmt.Errorf("migrations only create table %q, not %q", postgres.DefaultTable, table)
		}
		pool, err := postgres.NewPool(ctx, postgres.Config{
			DSN:             r.cfg.Store.DSN,
			MaxConns:        r.cfg.Store.MaxConns,
			MinConns:        r.cfg.Store.MinConns,
			MaxConnLifetime: r.cfg.Store.MaxConnLifetime,
		})
		if err != nil {
			return nil, err
		}
		if r.cfg.Store.Migrate {
			if err := postgres.Migrate(ctx, pool, r.logger.Named("migrate")); err != nil {
				pool.Close()
				return nil, err
			}
		}
		repo, err := postgres.NewProgressStoreWithPool(pool, table)
		if err != nil {
			pool.Close()
			return nil, err
		}
		r.pool = pool
		r.logger.Info("using postgres progress store", zap.String("table", table))
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", r.cfg.Store.Driver)
	}
}

// Cache returns the progress cache. It never fails: when the backend cannot
// be opened the returned cache runs in store-only mode.
func (r *Resources) Cache() *cache.ProgressCache {
	r.cacheOnce.Do(func() {
		opts := cache.Options{
			RunningTTL:       r.cfg.Cache.RunningTTL,
			TerminalTTL:      r.cfg.Cache.TerminalTTL,
			FailureThreshold: r.cfg.Cache.FailureThreshold,
			Cooldown:         r.cfg.Cache.Cooldown,
			Logger:           r.logger,
		}
		if sink := r.prometheusSink(); sink != nil {
			opts.Observer = sink
		}
		if !r.cfg.Cache.Enabled {
			r.logger.Info("progress cache disabled")
			r.cache = cache.NewProgressCache(nil, opts)
			return
		}
		b, err := cache.OpenBadger(cache.BadgerConfig{
			Path:     r.cfg.Cache.Path,
			InMemory: r.cfg.Cache.InMemory,
		}, r.logger)
		if err != nil {
			r.logger.Warn("progress cache unavailable, continuing store-only", zap.Error(err))
			r.cache = cache.NewProgressCache(nil, opts)
			return
		}
		r.badger = b
		r.cache = cache.NewProgressCache(b, opts)
	})
	return r.cache
}

// Tracker returns the shared progress tracker.
func (r *Resources) Tracker(ctx context.Context) (*progress.Tracker, error) {
	r.trackerOnce.Do(func() {
		repo, err := r.Store(ctx)
		if err != nil {
			r.trackerErr = fmt.Errorf("open progress store: %w", err)
			return
		}
		observers := []progress.Observer{sinks.NewLogSink(r.logger.Named("jobs"))}
		if sink := r.prometheusSink(); sink != nil {
			observers = append(observers, sink)
		}
		r.tracker, r.trackerErr = progress.New(progress.Config{
			Store:        repo,
			Cache:        r.Cache(),
			CleanupDelay: r.cfg.Tracker.CleanupDelay,
			PollInterval: r.cfg.Tracker.PollInterval,
			Observers:    observers,
			Logger:       r.logger.Named("tracker"),
		})
	})
	return r.tracker, r.trackerErr
}

// Ready reports whether the durable store is reachable.
func (r *Resources) Ready(ctx context.Context) error {
	repo, err := r.Store(ctx)
	if err != nil {
		return err
	}
	if pinger, ok := repo.(interface{ Ping(context.Context) error }); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

// Close stops the tracker and releases the pool and cache.
func (r *Resources) Close() error {
	if r.tracker != nil {
		r.tracker.Shutdown()
	}
	var errs []error
	if r.badger != nil {
		if err := r.badger.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.pool != nil {
		r.pool.Close()
	}
	if err := errors.Join(errs...); err != nil {
		r.logger.Warn("error closing resources", zap.Error(err))
		return err
	}
	return nil
}
