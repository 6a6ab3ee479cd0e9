// Package app wires the courier process: config, logging, storage, the
// delivery stack and its background loops. Embedders that only want the
// routing layer can use internal/dispatch directly.
package app

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"courier/internal/batch"
	"courier/internal/breaker"
	"courier/internal/cache"
	"courier/internal/config"
	"courier/internal/dedup"
	"courier/internal/delivery"
	"courier/internal/destination"
	"courier/internal/dispatch"
	"courier/internal/health"
	"courier/internal/metrics"
	"courier/internal/pool"
	"courier/internal/ratelimit"
	"courier/internal/runtime/supervisor"
	"courier/internal/storage"
	logx "courier/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store storage.Store
	rdb   *redis.Client

	mon      *metrics.Monitor
	msrv     *metrics.Server
	breakers *breaker.Registry
	limits   *ratelimit.Registry
	pool     *pool.Pool
	filter   *dedup.Filter
	cache    *cache.Cache
	exec     *delivery.Executor
	batch    *batch.Processor
	prober   *health.Prober
	disp     *dispatch.Dispatcher

	sweepEvery time.Duration
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
	}
	if err := a.build(cfg); err != nil {
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

// build constructs the delivery stack from a validated config. Durations
// are re-parsed here; validation already rejected malformed ones.
func (a *App) build(cfg *config.Config) error {
	dc := cfg.Dispatcher

	reg, err := destination.NewRegistry(cfg.Destinations)
	if err != nil {
		return err
	}

	brCfg, err := mapBreakerConfig(dc.Breaker)
	if err != nil {
		return err
	}
	exCfg, err := mapRetryConfig(dc)
	if err != nil {
		return err
	}
	cacheTTL, err := config.ParseDurationOrDefault("dispatcher.cache.ttl", dc.Cache.TTL, cache.DefaultTTL)
	if err != nil {
		return err
	}
	window, err := config.ParseDurationOrDefault("dispatcher.dedup.window", dc.Dedup.Window, dedup.DefaultWindow)
	if err != nil {
		return err
	}
	a.sweepEvery, err = config.ParseDurationOrDefault("dispatcher.dedup.sweep_every", dc.Dedup.SweepEvery, dedup.DefaultSweepEvery)
	if err != nil {
		return err
	}
	flushEvery, err := config.ParseDurationOrDefault("dispatcher.batch.flush_every", dc.Batch.FlushEvery, batch.DefaultFlushEvery)
	if err != nil {
		return err
	}

	// Storage (optional): persists dedup records across restarts.
	if cfg.Storage != nil {
		sc, err := mapStorageConfig(cfg.Storage)
		if err != nil {
			return err
		}
		st, err := storage.Open(sc, a.log.With(logx.String("comp", "storage")))
		if err != nil {
			return err
		}
		a.store = st
		if st != nil {
			a.log.Info("storage enabled", logx.String("driver", sc.Driver))
		}
	}

	// Redis (optional): shared edge tier for the response cache.
	var edge cache.EdgeStore
	if cfg.Redis != nil {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		edge = cache.NewRedisEdge(a.rdb, cfg.Redis.KeyPrefix)
		a.log.Info("edge cache enabled", logx.String("addr", cfg.Redis.Addr))
	}

	a.mon = metrics.New(metrics.DefaultWindowSize)
	if cfg.Metrics.Enabled {
		srv, err := metrics.NewServer(a.mon, cfg.Metrics.Addr, a.log.With(logx.String("comp", "metrics")))
		if err != nil {
			return err
		}
		a.msrv = srv
	}

	a.breakers = breaker.NewRegistry(brCfg)
	a.limits = ratelimit.NewRegistry(budgetFor(reg))
	a.pool = pool.New(dc.PoolSize, nil)

	var dedupStore storage.Store
	if dc.Dedup.Persist {
		dedupStore = a.store
	}
	a.filter = dedup.New(dedup.Options{
		Window:    window,
		Store:     dedupStore,
		Log:       a.log.With(logx.String("comp", "dedup")),
		WarmStart: dedupStore != nil,
	})
	a.cache = cache.New(cache.Options{
		MemoryMax: dc.Cache.MemoryMax,
		TTL:       cacheTTL,
		Edge:      edge,
		Log:       a.log.With(logx.String("comp", "cache")),
	})
	a.exec = delivery.NewExecutor(exCfg, a.breakers, a.pool, a.mon, a.log.With(logx.String("comp", "delivery")))
	a.batch = batch.NewProcessor(batch.Config{
		Size:       dc.Batch.Size,
		FlushEvery: flushEvery,
	}, a.exec, a.log.With(logx.String("comp", "batch")))
	a.prober = health.NewProber(reg, a.mon, a.log.With(logx.String("comp", "health")))

	a.disp = dispatch.New(dispatch.Deps{
		Registry: reg,
		Breakers: a.breakers,
		Limits:   a.limits,
		Filter:   a.filter,
		Cache:    a.cache,
		Executor: a.exec,
		Batch:    a.batch,
		Monitor:  a.mon,
		Log:      a.log.With(logx.String("comp", "dispatch")),
		Healthy:  a.prober.Healthy,
		CacheTTL: cacheTTL,
	})
	return nil
}

// Dispatcher exposes the routing layer for embedders.
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }

func (a *App) Monitor() *metrics.Monitor { return a.mon }

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.sup.Go0("batch.flush", func(c context.Context) {
		a.batch.Run(c)
	})
	a.sup.Go0("dedup.sweep", func(c context.Context) {
		a.filter.Run(c, a.sweepEvery)
	})
	if a.msrv != nil {
		a.sup.GoRestart("metrics.server", a.msrv.Run)
	}
	a.prober.Start(a.sup.Context())

	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.apply(newCfg)
			}
		}
	})

	a.log.Info("courier started", logx.Int("destinations", len(a.cfgm.Get().Destinations)))
	return nil
}

// apply re-applies hot-reloadable settings: logging, destination set, rate
// budgets. Breaker state, pool slots and in-flight sends are untouched;
// storage and redis changes need a restart.
func (a *App) apply(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	reg, err := destination.NewRegistry(cfg.Destinations)
	if err != nil {
		a.log.Warn("invalid destinations on reload; keeping previous", logx.Err(err))
		return
	}
	a.disp.Apply(reg)
	a.prober.Apply(reg)
	a.limits.Reset(budgetFor(reg))
	a.log.Info("config applied", logx.Int("destinations", len(cfg.Destinations)))
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	a.prober.Stop()

	var firstErr error
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return firstErr
}

// budgetFor resolves per-destination token budgets against a registry
// snapshot. Unknown names fall back to the package default.
func budgetFor(reg *destination.Registry) func(name string) ratelimit.Budget {
	return func(name string) ratelimit.Budget {
		if d, ok := reg.Get(name); ok {
			return ratelimit.Budget{PerSec: d.RatePerSec, Burst: d.RateBurst}
		}
		return ratelimit.Budget{}
	}
}
