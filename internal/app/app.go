// Package app initializes and holds long-lived application services, acting
// as the dependency injection container for the serve and check commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/api"
	"github.com/JakeFAU/pagewatch/internal/clock/system"
	"github.com/JakeFAU/pagewatch/internal/config"
	"github.com/JakeFAU/pagewatch/internal/dashboard"
	"github.com/JakeFAU/pagewatch/internal/diff"
	"github.com/JakeFAU/pagewatch/internal/driverpool"
	"github.com/JakeFAU/pagewatch/internal/fetcher"
	"github.com/JakeFAU/pagewatch/internal/fetcher/browser"
	"github.com/JakeFAU/pagewatch/internal/fetcher/static"
	"github.com/JakeFAU/pagewatch/internal/hash/sha256"
	"github.com/JakeFAU/pagewatch/internal/id/uuid"
	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/policy/ratelimit"
	pubmem "github.com/JakeFAU/pagewatch/internal/publisher/memory"
	"github.com/JakeFAU/pagewatch/internal/publisher/pubsub"
	"github.com/JakeFAU/pagewatch/internal/scheduler"
	"github.com/JakeFAU/pagewatch/internal/storage/gcs"
	"github.com/JakeFAU/pagewatch/internal/storage/local"
	"github.com/JakeFAU/pagewatch/internal/storage/memory"
	"github.com/JakeFAU/pagewatch/internal/storage/postgres"
	"github.com/JakeFAU/pagewatch/internal/storage/sqlite"
	"github.com/JakeFAU/pagewatch/internal/targetfile"
	"github.com/JakeFAU/pagewatch/internal/worker"
)

// DefaultChangeTopic receives change events when Pub/Sub is not configured.
const DefaultChangeTopic = "changes"

// Store is what the app needs from persistence.
type Store interface {
	monitor.Store
	monitor.TargetWriter
}

// Option customizes New.
type Option func(*options)

type options struct {
	launcher driverpool.Launcher
	clock    monitor.Clock
}

// WithLauncher replaces the Chrome launcher used by the driver pool.
func WithLauncher(l driverpool.Launcher) Option {
	return func(o *options) { o.launcher = l }
}

// WithClock replaces the system clock.
func WithClock(c monitor.Clock) Option {
	return func(o *options) { o.clock = c }
}

// App holds the shared, long-lived services.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	Store     Store
	Blobs     monitor.BlobStore
	Publisher monitor.Publisher
	Pool      *driverpool.Pool
	Manager   *scheduler.Manager
	Dashboard *dashboard.Service

	clock   monitor.Clock
	ids     monitor.IDGenerator
	hasher  monitor.Hasher
	differ  *diff.Engine
	limiter *ratelimit.Limiter
	topic   string

	closers []func() error
}

// New builds every service described by cfg. On failure anything already
// opened is closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{launcher: driverpool.ChromeLauncher{}, clock: system.New()}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		cfg:     cfg,
		logger:  logger,
		clock:   o.clock,
		ids:     uuid.New(),
		hasher:  sha256.New(),
		differ:  diff.New(diff.WithMaxExactLines(cfg.Monitor.MaxExactLines)),
		limiter: ratelimit.New(ratelimit.Config{RPS: cfg.Fetch.HostQPS, Burst: 1}),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.Store, err = a.openStore(ctx); err != nil {
		return nil, err
	}
	if a.Blobs, err = a.openBlobs(ctx); err != nil {
		return nil, err
	}
	if err = a.openPublisher(ctx); err != nil {
		return nil, err
	}
	if cfg.Fetch.UseHeadlessBrowser {
		pool, perr := driverpool.New(driverpool.Config{
			Capacity:     cfg.Browser.PoolSize,
			IdleTimeout:  config.Seconds(cfg.Browser.IdleTimeoutSeconds, driverpool.DefaultIdleTimeout),
			ReapInterval: config.Seconds(cfg.Browser.ReapIntervalSeconds, driverpool.DefaultReapInterval),
			ProfileRoot:  cfg.Browser.ProfileRoot,
		}, o.launcher, logger)
		if perr != nil {
			return nil, fmt.Errorf("init driver pool: %w", perr)
		}
		a.Pool = pool
		a.closers = append(a.closers, pool.Close)
	}

	if cfg.Storage.TargetsFile != "" {
		targets, terr := targetfile.Load(cfg.Storage.TargetsFile)
		if terr != nil {
			return nil, terr
		}
		n, terr := targetfile.Import(ctx, a.Store, targets)
		if terr != nil {
			return nil, terr
		}
		logger.Info("imported targets", zap.String("file", cfg.Storage.TargetsFile), zap.Int("count", n))
	}

	a.Manager, err = scheduler.New(scheduler.Config{
		Workers:          cfg.Monitor.MaxWorkers,
		QueueDepth:       cfg.Monitor.QueueDepth,
		ScheduleInterval: config.Seconds(cfg.Monitor.ScheduleIntervalSeconds, 0),
		HealthInterval:   config.Seconds(cfg.Monitor.HealthIntervalSeconds, 0),
		JoinTimeout:      config.Seconds(cfg.Monitor.JoinTimeoutSeconds, 0),
	}, a.Store, a.NewWorker, a.clock, a.ids, logger)
	if err != nil {
		return nil, err
	}

	var pool dashboard.PoolStats
	if a.Pool != nil {
		pool = a.Pool
	}
	a.Dashboard = dashboard.NewService(a.Store, a.Manager, pool, 0)

	logger.Info("application services initialized",
		zap.String("storage", cfg.Storage.Driver),
		zap.String("blobs", cfg.Blobs.Driver),
		zap.Bool("headless", cfg.Fetch.UseHeadlessBrowser),
	)
	return a, nil
}

func (a *App) openStore(ctx context.Context) (Store, error) {
	switch a.cfg.Storage.Driver {
	case "memory":
		a.logger.Info("using in-memory store; state is lost on exit")
		return memory.NewStore(), nil
	case "sqlite":
		s, err := sqlite.Open(ctx, a.cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("init storage: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	case "postgres":
		s, err := postgres.Open(ctx, postgres.Config{DSN: a.cfg.Storage.DSN, MaxConns: a.cfg.Storage.MaxConns})
		if err != nil {
			return nil, fmt.Errorf("init storage: %w", err)
		}
		a.closers = append(a.closers, func() error { s.Close(); return nil })
		if err := s.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate storage: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", a.cfg.Storage.Driver)
	}
}

func (a *App) openBlobs(ctx context.Context) (monitor.BlobStore, error) {
	switch a.cfg.Blobs.Driver {
	case "memory":
		return memory.NewBlobStore(), nil
	case "local":
		b, err := local.New(local.Config{BaseDir: a.cfg.Blobs.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init blob store: %w", err)
		}
		return b, nil
	case "gcs":
		b, err := gcs.Open(ctx, gcs.Config{Bucket: a.cfg.Blobs.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init blob store: %w", err)
		}
		a.closers = append(a.closers, b.Close)
		return b, nil
	default:
		return nil, fmt.Errorf("unknown blob driver: %s", a.cfg.Blobs.Driver)
	}
}

func (a *App) openPublisher(ctx context.Context) error {
	if a.cfg.PubSub.TopicName == "" {
		a.Publisher = pubmem.New()
		a.topic = DefaultChangeTopic
		return nil
	}
	p, err := pubsub.Open(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("init publisher: %w", err)
	}
	a.Publisher = p
	a.topic = a.cfg.PubSub.TopicName
	a.closers = append(a.closers, p.Close)
	a.logger.Info("publishing change events to pubsub", zap.String("topic", a.topic))
	return nil
}

// NewChecker builds a ContentFetcher with its own strategies. Each worker gets
// one so no fetch state is shared.
func (a *App) NewChecker() (*fetcher.ContentFetcher, error) {
	opts := []fetcher.Option{
		fetcher.WithBlobPrefix(a.cfg.Blobs.Prefix),
		fetcher.WithStrategy(static.New(static.Config{
			UserAgent:    a.cfg.Fetch.UserAgent,
			Timeout:      a.cfg.FetchTimeout(),
			Retries:      a.cfg.Fetch.Retries,
			RetryDelay:   a.cfg.RetryDelay(),
			MaxBodyBytes: a.cfg.Fetch.MaxBodyBytes,
			Limiter:      a.limiter,
		}, a.logger)),
	}
	if a.Pool != nil {
		b, err := browser.New(browser.Config{
			Options: driverpool.Options{
				Headless:     a.cfg.Browser.Headless,
				UserAgent:    a.cfg.Fetch.UserAgent,
				WindowWidth:  a.cfg.Browser.WindowWidth,
				WindowHeight: a.cfg.Browser.WindowHeight,
			},
			Timeout: a.cfg.FetchTimeout(),
			Settle:  time.Duration(a.cfg.Browser.SettleMillis) * time.Millisecond,
		}, a.Pool, a.logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, fetcher.WithStrategy(b))
	}
	return fetcher.New(a.Blobs, a.hasher, a.logger, opts...)
}

// NewWorker is the scheduler's WorkerFactory.
func (a *App) NewWorker(index int) (scheduler.Runner, error) {
	return a.newWorker(fmt.Sprintf("worker-%d", index))
}

func (a *App) newWorker(id string) (*worker.Worker, error) {
	checker, err := a.NewChecker()
	if err != nil {
		return nil, err
	}
	return worker.New(id, checker, worker.Deps{
		Store:     a.Store,
		Blobs:     a.Blobs,
		Differ:    a.differ,
		Publisher: a.Publisher,
		Clock:     a.clock,
	}, worker.Config{
		DiffThreshold: a.cfg.Monitor.DiffThresholdPercent,
		TaskTimeout:   config.Seconds(a.cfg.Monitor.TaskTimeoutSeconds, 0),
		Topic:         a.topic,
	}, a.logger)
}

// CheckOnce runs a single check of targetID synchronously, outside the
// scheduler, and records its check times.
func (a *App) CheckOnce(ctx context.Context, targetID string) (monitor.Task, error) {
	target, err := a.Store.GetTarget(ctx, targetID)
	if err != nil {
		return monitor.Task{}, fmt.Errorf("check %s: %w", targetID, err)
	}
	w, err := a.newWorker("oneshot")
	if err != nil {
		return monitor.Task{}, err
	}
	defer func() {
		if cerr := w.Close(); cerr != nil {
			a.logger.Warn("close checker failed", zap.Error(cerr))
		}
	}()

	id, err := a.ids.NewID()
	if err != nil {
		return monitor.Task{}, err
	}
	task := w.Process(ctx, monitor.Task{
		ID:         id,
		Target:     target,
		State:      monitor.TaskPending,
		EnqueuedAt: a.clock.Now(),
	})

	var lastChange *time.Time
	if task.ChangeID != "" {
		lastChange = &task.EndedAt
	}
	if err := a.Store.UpdateTargetCheckTimes(ctx, target.ID, task.EndedAt, lastChange); err != nil {
		return task, &monitor.PersistenceError{Op: "update target check times", Err: err}
	}
	return task, nil
}

// Server builds the HTTP API.
func (a *App) Server() *api.Server {
	return api.NewServer(a.Manager, a.Dashboard, a.cfg, a.logger)
}

// Close stops the scheduler and releases every opened resource in reverse
// order.
func (a *App) Close() error {
	if a.Manager != nil {
		a.Manager.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
