/*
app.go - Process wiring

PURPOSE:
  Builds every long-lived component from a Config so the HTTP server and
  the CLI share one construction path.

  Config
    ├─ store       sqlite | postgres | memory (generic.TxStore)
    ├─ cache       none | lru | redis      (plot catalogue only)
    ├─ events      in-process fan-out      (plot catalogue invalidation)
    ├─ Coordinator store + clock + events + unit timeout
    ├─ services    checkin, reviews, referrals, plots
    └─ Reconcile   reconciliation job over the same store
*/
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/warp/rewards-ledger/checkin"
	"github.com/warp/rewards-ledger/generic"
	memstore "github.com/warp/rewards-ledger/generic/store"
	"github.com/warp/rewards-ledger/internal/cache"
	"github.com/warp/rewards-ledger/internal/config"
	"github.com/warp/rewards-ledger/internal/events"
	"github.com/warp/rewards-ledger/plots"
	"github.com/warp/rewards-ledger/reconcile"
	"github.com/warp/rewards-ledger/referrals"
	"github.com/warp/rewards-ledger/reviews"
	"github.com/warp/rewards-ledger/store/postgres"
	"github.com/warp/rewards-ledger/store/sqlite"
)

type App struct {
	Config *config.Config
	Logger *slog.Logger

	Store     generic.TxStore
	Ledger    *generic.Coordinator
	Events    *events.Manager
	Calendar  generic.Calendar
	Checkin   *checkin.Service
	Reviews   *reviews.Service
	Referrals *referrals.Service
	Plots     *plots.Service
	Reconcile *reconcile.Job

	closers []func() error
}

// Option customizes construction, mostly for tests.
type Option func(*options)

type options struct {
	clock generic.Clock
	store generic.TxStore
}

// WithClock replaces the wall clock everywhere.
func WithClock(c generic.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithStore uses an already opened store. The caller keeps ownership.
func WithStore(s generic.TxStore) Option {
	return func(o *options) { o.store = s }
}

// New wires the application. Close releases what New opened.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	o := options{clock: generic.SystemClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Logger: logger}

	a.Store = o.store
	if a.Store == nil {
		if a.Store, err = a.openStore(ctx); err != nil {
			return nil, err
		}
	}

	catalog, err := a.openCache(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Events = events.NewManager(true)
	a.Events.Logger = logger.With(slog.String("component", "events"))
	a.closers = append(a.closers, func() error { a.Events.Shutdown(); return nil })

	a.Ledger = &generic.Coordinator{
		Store:   a.Store,
		Clock:   o.clock,
		Logger:  logger.With(slog.String("component", "ledger")),
		Events:  a.Events,
		Timeout: cfg.Ledger.UnitTimeout.Duration,
	}
	a.Calendar = generic.NewCalendar(o.clock, loc)

	a.Checkin = checkin.NewService(a.Ledger, cfg.Rewards, a.Calendar)
	a.Checkin.Logger = logger.With(slog.String("component", "checkin"))

	a.Reviews = reviews.NewService(a.Ledger, cfg.Rewards)
	a.Reviews.Logger = logger.With(slog.String("component", "reviews"))
	a.Reviews.MaxPending = cfg.Reviews.MaxPending
	a.Reviews.AutoApprove = cfg.Reviews.AutoApprove

	a.Referrals = referrals.NewService(a.Ledger, cfg.Rewards)
	a.Referrals.Logger = logger.With(slog.String("component", "referrals"))

	a.Plots = plots.NewService(a.Ledger, catalog)
	a.Plots.Logger = logger.With(slog.String("component", "plots"))
	a.Plots.Watch(a.Events)

	a.Reconcile = reconcile.NewJob(a.Store)
	a.Reconcile.Clock = o.clock
	a.Reconcile.Logger = logger.With(slog.String("component", "reconcile"))
	if cfg.Scheduler.Concurrency > 0 {
		a.Reconcile.Concurrency = cfg.Scheduler.Concurrency
	}

	logger.Info("application wired",
		slog.String("driver", cfg.Database.Driver),
		slog.String("cache", cfg.Cache.Backend),
		slog.String("timezone", loc.String()))
	return a, nil
}

func (a *App) openStore(ctx context.Context) (generic.TxStore, error) {
	db := a.Config.Database
	switch db.Driver {
	case config.DriverPostgres:
		s, err := postgres.New(ctx, postgres.Config{DSN: db.DSN, MaxConns: db.MaxConns})
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	case config.DriverMemory:
		return memstore.NewMemory(), nil
	default:
		s, err := sqlite.New(db.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	}
}

// openCache returns nil for the "none" backend; a nil ReadThrough loads
// straight from the store.
func (a *App) openCache(ctx context.Context) (*cache.ReadThrough, error) {
	c := a.Config.Cache
	switch c.Backend {
	case config.CacheRedis:
		rc, err := cache.NewRedisCache(ctx, c.Redis.Addr, c.Redis.Password, c.Redis.DB, c.Redis.Prefix)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rc.Close)
		return cache.NewReadThrough(rc, c.TTL.Duration), nil
	case config.CacheLRU:
		lru, err := cache.NewLRUCache(c.Size)
		if err != nil {
			return nil, err
		}
		return cache.NewReadThrough(lru, c.TTL.Duration), nil
	default:
		return nil, nil
	}
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
