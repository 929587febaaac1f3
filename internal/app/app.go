// Package app builds and holds the long-lived services of a harvester
// process, acting as a dependency injection container for the commands.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/imgharvest/internal/api"
	"github.com/JakeFAU/imgharvest/internal/browser"
	"github.com/JakeFAU/imgharvest/internal/catalog"
	"github.com/JakeFAU/imgharvest/internal/category"
	"github.com/JakeFAU/imgharvest/internal/clock/system"
	"github.com/JakeFAU/imgharvest/internal/config"
	"github.com/JakeFAU/imgharvest/internal/crawler"
	"github.com/JakeFAU/imgharvest/internal/harvest"
	"github.com/JakeFAU/imgharvest/internal/hash/sha256"
	"github.com/JakeFAU/imgharvest/internal/id/uuid"
	"github.com/JakeFAU/imgharvest/internal/imageurl"
	"github.com/JakeFAU/imgharvest/internal/lock"
	"github.com/JakeFAU/imgharvest/internal/policy/ratelimit"
	"github.com/JakeFAU/imgharvest/internal/progress"
	"github.com/JakeFAU/imgharvest/internal/progress/sinks"
	"github.com/JakeFAU/imgharvest/internal/queue"
)

// App holds the shared services for one process. It is built once at
// startup and closed when the command finishes.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	runID    [16]byte
	registry *prometheus.Registry
	catalog  crawler.Catalog
	locks    crawler.LockFactory
	launcher crawler.BrowserLauncher
	hub      *progress.Hub
	board    *sinks.StatusBoard
	runner   *harvest.Runner

	closers []func() error
}

// Option overrides a service New would otherwise build from configuration.
type Option func(*options)

type options struct {
	catalog  crawler.Catalog
	locks    crawler.LockFactory
	launcher crawler.BrowserLauncher
	queue    queue.Provider
}

// WithCatalog injects a catalog instead of opening the configured backend.
func WithCatalog(c crawler.Catalog) Option { return func(o *options) { o.catalog = c } }

// WithLocks injects a lock factory.
func WithLocks(f crawler.LockFactory) Option { return func(o *options) { o.locks = f } }

// WithLauncher injects a browser launcher.
func WithLauncher(l crawler.BrowserLauncher) Option { return func(o *options) { o.launcher = l } }

// WithQueue injects the provider artifact notices are published to.
func WithQueue(q queue.Provider) Option { return func(o *options) { o.queue = q } }

// New creates the services described by cfg. It fails fast: anything built
// before an error is closed again.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (a *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}

	a = &App{
		cfg:      cfg,
		logger:   logger,
		runID:    uuid.New().NewRunID(),
		registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil {
				logger.Warn("close partially built app", zap.Error(cerr))
			}
			a = nil
		}
	}()

	clock := system.New()

	a.catalog = o.catalog
	if a.catalog == nil {
		a.catalog, err = catalog.Open(ctx, cfg.CatalogConfig(), logger.Named("catalog"))
		if err != nil {
			return a, fmt.Errorf("open catalog: %w", err)
		}
		a.closers = append(a.closers, a.catalog.Close)
	}

	a.locks = o.locks
	if a.locks == nil {
		if a.locks, err = a.openLocks(ctx, clock); err != nil {
			return a, err
		}
	}

	a.launcher = o.launcher
	if a.launcher == nil {
		limiter := ratelimit.New(cfg.Browser.RateLimit)
		a.launcher = browser.NewLauncher(browser.Config{
			Headless:          cfg.Browser.Headless,
			Proxy:             cfg.Browser.Proxy,
			UserAgent:         cfg.Browser.UserAgent,
			ExecPath:          cfg.Browser.ExecPath,
			NavigationTimeout: cfg.Browser.NavTimeout,
			ScriptTimeout:     cfg.Browser.ScriptTimeout,
			Filter:            imageurl.IsImageURL,
		}, limiter, logger)
	}

	hubSinks, err := a.buildSinks(ctx, o.queue)
	if err != nil {
		return a, err
	}
	a.hub = progress.NewHub(progress.Config{
		Logger: logger.Named("progress"),
		RunID:  a.runID,
		Now:    clock.Now,
	}, hubSinks...)

	a.runner, err = harvest.NewRunner(harvest.Config{
		Target:      cfg.Crawl.Target,
		Level:       level,
		LockTTL:     cfg.Lock.TTL,
		SearchURL:   cfg.Crawl.SearchURL,
		IdleBound:   cfg.Crawl.IdleBound,
		ScrollSleep: cfg.Crawl.ScrollSleep,
	}, harvest.Deps{
		Catalog:  a.catalog,
		Locks:    a.locks,
		Launcher: a.launcher,
		Retry:    crawler.NewExponentialRetryPolicyWith(cfg.Crawl.Attempts, cfg.Crawl.RetryBase, cfg.Crawl.RetryMax),
		Sleeper:  clock,
		Clock:    clock,
		Emitter:  a.hub,
		Logger:   logger,
	})
	if err != nil {
		return a, fmt.Errorf("build runner: %w", err)
	}

	logger.Info("application services initialized",
		zap.String("catalog", cfg.Catalog.Backend),
		zap.String("lock", cfg.Lock.Backend),
		zap.Stringer("resolution", level),
		zap.Int("target", cfg.Crawl.Target),
	)
	return a, nil
}

func (a *App) openLocks(ctx context.Context, clock crawler.Clock) (crawler.LockFactory, error) {
	switch a.cfg.Lock.Backend {
	case config.LockRedis:
		f, err := lock.NewRedisFactory(ctx, a.cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("open redis locks: %w", err)
		}
		a.closers = append(a.closers, f.Close)
		return f, nil
	default:
		return lock.NewFileFactory(a.cfg.Workspace, clock), nil
	}
}

func (a *App) buildSinks(ctx context.Context, q queue.Provider) ([]progress.Sink, error) {
	a.board = sinks.NewStatusBoard()
	prom, err := sinks.NewPrometheusSink(a.registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	out := []progress.Sink{sinks.NewLogSink(a.logger.Named("events")), prom, a.board}

	if q == nil && a.cfg.PubSub.TopicName != "" {
		p, err := queue.NewPubSubProvider(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName, a.logger)
		if err != nil {
			return nil, fmt.Errorf("open pubsub topic: %w", err)
		}
		p.Confirm = a.cfg.PubSub.Confirm
		q = p
	}
	if q != nil {
		notices, err := sinks.NewPubSubSink(q, sha256.New())
		if err != nil {
			_ = q.Close()
			return nil, err
		}
		out = append(out, notices)
	}
	return out, nil
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// RunID identifies this process in progress events.
func (a *App) RunID() [16]byte { return a.runID }

// Emitter returns the progress hub.
func (a *App) Emitter() progress.Emitter { return a.hub }

// Status returns the fleet status board.
func (a *App) Status() *sinks.StatusBoard { return a.board }

// Registry returns the Prometheus registry metrics are exported from.
func (a *App) Registry() *prometheus.Registry { return a.registry }

// Runner returns the single-category runner.
func (a *App) Runner() *harvest.Runner { return a.runner }

// Categories loads the configured category list and applies the slice.
func (a *App) Categories() ([]category.Category, error) {
	cats, err := category.Load(a.cfg.Categories.IDs, a.cfg.Categories.Labels)
	if err != nil {
		return nil, err
	}
	return category.Slice(cats, a.cfg.Categories.Start, a.cfg.Categories.End), nil
}

// Server builds the status and metrics HTTP server.
func (a *App) Server() (*api.Server, error) {
	return api.NewServer(a.board, a.registry, a.registry, a.logger.Named("api"))
}

// Close flushes progress sinks and releases backends. It is safe to call on
// a partially built App.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("shutting down application services")
	var errs []error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close progress hub: %w", err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
