// Package harvest runs one category crawl end to end: it takes the category
// lock, checks the catalog, drives browser sessions with crash retries,
// salvages held bodies, and classifies the outcome.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/imgharvest/internal/category"
	"github.com/JakeFAU/imgharvest/internal/clock/system"
	"github.com/JakeFAU/imgharvest/internal/crawler"
	"github.com/JakeFAU/imgharvest/internal/escalation"
	"github.com/JakeFAU/imgharvest/internal/progress"
	"github.com/JakeFAU/imgharvest/internal/resolution"
	"github.com/JakeFAU/imgharvest/internal/session"
)

// DefaultLockTTL is how long a lock is honoured without a refresh.
const DefaultLockTTL = 1800 * time.Second

// Config sets per-category crawl parameters.
type Config struct {
	Target      int
	Level       resolution.Level
	LockTTL     time.Duration
	SearchURL   string
	IdleBound   int
	ScrollSleep time.Duration
}

// Deps are the collaborators a Runner needs. Catalog, Locks and Launcher are
// required.
type Deps struct {
	Catalog  crawler.Catalog
	Locks    crawler.LockFactory
	Launcher crawler.BrowserLauncher
	Retry    crawler.RetryPolicy
	Sleeper  crawler.Sleeper
	Clock    crawler.Clock
	Emitter  progress.Emitter
	Logger   *zap.Logger
}

// Runner crawls single categories.
type Runner struct {
	cfg  Config
	deps Deps
}

// NewRunner validates cfg and fills in default collaborators.
func NewRunner(cfg Config, deps Deps) (*Runner, error) {
	if cfg.Target <= 0 {
		return nil, fmt.Errorf("target must be > 0, got %d", cfg.Target)
	}
	if !cfg.Level.Valid() {
		return nil, fmt.Errorf("invalid target resolution %d", cfg.Level)
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if deps.Catalog == nil || deps.Locks == nil || deps.Launcher == nil {
		return nil, errors.New("runner requires catalog, locks and launcher")
	}
	clock := system.New()
	if deps.Retry == nil {
		deps.Retry = crawler.NewExponentialRetryPolicy()
	}
	if deps.Sleeper == nil {
		deps.Sleeper = clock
	}
	if deps.Clock == nil {
		deps.Clock = clock
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	deps.Logger = deps.Logger.Named("harvest")
	return &Runner{cfg: cfg, deps: deps}, nil
}

// Run crawls c and reports its outcome. Lock contention yields Skipped with
// no error. A non-nil error means the lock or catalog backend failed, or ctx
// ended; the report is still meaningful.
func (r *Runner) Run(ctx context.Context, c category.Category) (report crawler.Report, err error) {
	logger := r.deps.Logger.With(zap.String("category", c.ID), zap.String("label", c.Label))
	started := r.deps.Clock.Now()
	defer func() {
		r.deps.Emitter.Emit(progress.Event{
			Stage:    progress.StageCategoryDone,
			Category: c.ID,
			Label:    c.Label,
			Count:    report.Count,
			Target:   r.cfg.Target,
			Outcome:  string(report.Outcome),
			Dur:      r.deps.Clock.Now().Sub(started),
		})
		logger.Info("category finished",
			zap.String("outcome", string(report.Outcome)),
			zap.Int("count", report.Count),
			zap.Int("target", r.cfg.Target),
		)
	}()

	lock, err := r.deps.Locks.ForCategory(c.ID)
	if err != nil {
		return crawler.Report{Outcome: crawler.OutcomeFail}, fmt.Errorf("lock for %s: %w", c.ID, err)
	}
	acquired, err := lock.TryAcquire(ctx, r.cfg.LockTTL)
	if err != nil {
		return crawler.Report{Outcome: crawler.OutcomeFail}, fmt.Errorf("acquire lock for %s: %w", c.ID, err)
	}
	if !acquired {
		logger.Info("category locked by another worker")
		return crawler.Report{Outcome: crawler.OutcomeSkipped}, nil
	}
	defer func() {
		if relErr := lock.Release(context.WithoutCancel(ctx)); relErr != nil {
			logger.Warn("release lock failed", zap.Error(relErr))
		}
	}()
	stopHeartbeat := r.heartbeat(ctx, lock, logger)
	defer stopHeartbeat()

	known, err := r.deps.Catalog.Count(ctx, c.ID)
	if err != nil {
		return crawler.Report{Outcome: crawler.OutcomeFail}, fmt.Errorf("count %s: %w", c.ID, err)
	}
	r.deps.Emitter.Emit(progress.Event{
		Stage:    progress.StageCategoryStart,
		Category: c.ID,
		Label:    c.Label,
		Count:    known,
		Target:   r.cfg.Target,
	})
	if known >= r.cfg.Target {
		return crawler.Report{Outcome: crawler.OutcomeDone, Count: known}, nil
	}

	machine := escalation.New(c.ID, r.cfg.Level, r.deps.Catalog, logger)
	driver, err := session.New(session.Config{
		Category:    c.ID,
		Label:       c.Label,
		Target:      r.cfg.Target,
		Known:       known,
		SearchURL:   r.cfg.SearchURL,
		IdleBound:   r.cfg.IdleBound,
		ScrollSleep: r.cfg.ScrollSleep,
	}, r.deps.Catalog, machine,
		session.WithSleeper(r.deps.Sleeper),
		session.WithEmitter(r.deps.Emitter),
		session.WithLogger(logger),
	)
	if err != nil {
		return crawler.Report{Outcome: crawler.OutcomeFail, Count: known}, err
	}

	success, runErr := r.attempts(ctx, c, driver, logger)

	if _, err := driver.Salvage(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("salvage failed", zap.Error(err))
		runErr = errors.Join(runErr, err)
	}
	report = Classify(driver.Total(), driver.Saved(), r.cfg.Target, success)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return report, fmt.Errorf("category %s interrupted: %w", c.ID, ctxErr)
	}
	if runErr != nil {
		logger.Debug("category ended with errors", zap.Error(runErr))
	}
	return report, nil
}

// attempts drives fresh browser sessions until one ends cleanly or the retry
// policy gives up. The driver keeps its state across attempts.
func (r *Runner) attempts(ctx context.Context, c category.Category, driver *session.Driver, logger *zap.Logger) (bool, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		ok, err := r.attempt(ctx, driver)
		if err == nil {
			return ok, nil
		}
		lastErr = err
		logger.Warn("browser attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		r.deps.Emitter.Emit(progress.Event{
			Stage:    progress.StageBrowserCrash,
			Category: c.ID,
			Label:    c.Label,
			Count:    driver.Total(),
			Target:   r.cfg.Target,
			Note:     err.Error(),
		})
		if !r.deps.Retry.ShouldRetry(err, attempt) {
			return false, lastErr
		}
		if err := r.deps.Sleeper.Sleep(ctx, r.deps.Retry.Backoff(attempt)); err != nil {
			return false, errors.Join(lastErr, err)
		}
	}
}

func (r *Runner) attempt(ctx context.Context, driver *session.Driver) (bool, error) {
	sess, err := r.deps.Launcher.Launch(ctx)
	if err != nil {
		return false, fmt.Errorf("launch browser: %w", err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			r.deps.Logger.Debug("close browser session", zap.Error(cerr))
		}
	}()
	return driver.Run(ctx, sess)
}

// heartbeat refreshes lock every third of its TTL until the returned func is
// called.
func (r *Runner) heartbeat(ctx context.Context, lock crawler.Lock, logger *zap.Logger) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(max(r.cfg.LockTTL/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := lock.Refresh(hbCtx); err != nil {
					logger.Warn("lock refresh failed", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Classify maps the end state of a crawl to an outcome. total is the catalog
// count including this run, saved is what this run added, and success is what
// the last session reported. Artifacts from earlier runs do not rescue a run
// that made no progress of its own.
func Classify(total, saved, target int, success bool) crawler.Report {
	switch {
	case total >= target:
		return crawler.Report{Outcome: crawler.OutcomeDone, Count: total}
	case saved > 0 || success:
		return crawler.Report{Outcome: crawler.OutcomeUnfinished, Count: total}
	default:
		return crawler.Report{Outcome: crawler.OutcomeFail, Count: total}
	}
}
