// Package fleet sweeps the category list with a bounded pool of workers,
// repeating sweeps until every category is done or skipped.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/imgharvest/internal/category"
	"github.com/JakeFAU/imgharvest/internal/clock/system"
	"github.com/JakeFAU/imgharvest/internal/crawler"
	"github.com/JakeFAU/imgharvest/internal/progress"
	"github.com/JakeFAU/imgharvest/internal/queue/memory"
)

// Defaults applied when Config fields are zero.
const (
	DefaultWorkers      = 1
	DefaultFailureBound = 100
	DefaultCoolDown     = 200 * time.Second
)

// CategoryRunner crawls one category inside some isolation boundary.
type CategoryRunner interface {
	Run(ctx context.Context, c category.Category) (crawler.Report, error)
}

// Config tunes the sweep.
type Config struct {
	Workers      int
	FailureBound int
	CoolDown     time.Duration
	// CategoryPause is slept by a worker after each category.
	CategoryPause time.Duration
	// MaxSweeps stops the fleet after that many sweeps; 0 means unbounded.
	MaxSweeps int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.FailureBound <= 0 {
		c.FailureBound = DefaultFailureBound
	}
	if c.CoolDown <= 0 {
		c.CoolDown = DefaultCoolDown
	}
	return c
}

// Summary is the state of the fleet when it stopped.
type Summary struct {
	Sweeps int
	// Reports holds the latest report per category ID.
	Reports map[string]crawler.Report
	// Settled is true when every category ended done or skipped.
	Settled bool
}

// Fleet schedules category runs.
type Fleet struct {
	cfg     Config
	runner  CategoryRunner
	sleeper crawler.Sleeper
	emitter progress.Emitter
	logger  *zap.Logger
}

// Option customizes a Fleet.
type Option func(*Fleet)

// WithSleeper overrides the pause implementation used for cool-downs.
func WithSleeper(s crawler.Sleeper) Option { return func(f *Fleet) { f.sleeper = s } }

// WithEmitter reports sweep milestones to e.
func WithEmitter(e progress.Emitter) Option { return func(f *Fleet) { f.emitter = e } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(f *Fleet) { f.logger = l } }

// New builds a Fleet around runner.
func New(cfg Config, runner CategoryRunner, opts ...Option) (*Fleet, error) {
	if runner == nil {
		return nil, errors.New("fleet requires a category runner")
	}
	f := &Fleet{
		cfg:     cfg.withDefaults(),
		runner:  runner,
		sleeper: system.New(),
		emitter: progress.Nop{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.Named("fleet")
	return f, nil
}

// Run sweeps categories until all settle, MaxSweeps is reached, or ctx ends.
func (f *Fleet) Run(ctx context.Context, categories []category.Category) (Summary, error) {
	summary := Summary{Reports: make(map[string]crawler.Report, len(categories))}
	if len(categories) == 0 {
		summary.Settled = true
		return summary, nil
	}
	// One failure counter per worker, carried from sweep to sweep.
	failures := make([]int, f.cfg.Workers)
	for {
		summary.Sweeps++
		started := time.Now()
		f.emitter.Emit(progress.Event{Stage: progress.StageSweepStart, Sweep: summary.Sweeps, Count: len(categories)})
		f.logger.Info("sweep started", zap.Int("sweep", summary.Sweeps), zap.Int("categories", len(categories)))

		reports, err := f.sweep(ctx, categories, failures)
		for id, rep := range reports {
			summary.Reports[id] = rep
		}
		summary.Settled = settled(categories, summary.Reports)
		f.emitter.Emit(progress.Event{Stage: progress.StageSweepDone, Sweep: summary.Sweeps, Dur: time.Since(started)})
		f.logger.Info("sweep finished",
			zap.Int("sweep", summary.Sweeps),
			zap.Bool("settled", summary.Settled),
			zap.Duration("took", time.Since(started)),
		)
		if err != nil {
			return summary, err
		}
		if summary.Settled {
			return summary, nil
		}
		if f.cfg.MaxSweeps > 0 && summary.Sweeps >= f.cfg.MaxSweeps {
			return summary, nil
		}
	}
}

func (f *Fleet) sweep(ctx context.Context, categories []category.Category, failures []int) (map[string]crawler.Report, error) {
	work := memory.NewQueue[category.Category](len(categories))
	for _, c := range categories {
		if err := work.Enqueue(ctx, c); err != nil {
			return nil, err
		}
	}
	work.Close()

	var (
		mu      sync.Mutex
		reports = make(map[string]crawler.Report, len(categories))
	)
	record := func(id string, rep crawler.Report) {
		mu.Lock()
		defer mu.Unlock()
		reports[id] = rep
	}

	g, gctx := errgroup.WithContext(ctx)
	for w := range failures {
		g.Go(func() error {
			n, err := f.worker(gctx, w, work, failures[w], record)
			failures[w] = n
			return err
		})
	}
	err := g.Wait()
	return reports, err
}

// worker drains the queue. It owns its consecutive-failure count and returns
// the updated value.
func (f *Fleet) worker(ctx context.Context, id int, work *memory.Queue[category.Category], failures int, record func(string, crawler.Report)) (int, error) {
	logger := f.logger.With(zap.Int("worker", id))
	for {
		c, err := work.Dequeue(ctx)
		if errors.Is(err, memory.ErrClosed) {
			return failures, nil
		}
		if err != nil {
			return failures, err
		}

		rep, runErr := f.runner.Run(ctx, c)
		if runErr != nil {
			if ctx.Err() != nil {
				return failures, fmt.Errorf("worker %d: %w", id, ctx.Err())
			}
			logger.Warn("category run error", zap.String("category", c.ID), zap.Error(runErr))
			if rep.Outcome == "" {
				rep.Outcome = crawler.OutcomeFail
			}
		}
		record(c.ID, rep)

		if rep.Outcome != crawler.OutcomeFail {
			failures = 0
		} else {
			failures++
			if failures >= f.cfg.FailureBound {
				logger.Warn("too many consecutive failures, cooling down",
					zap.Int("failures", failures),
					zap.Duration("cool_down", f.cfg.CoolDown),
				)
				f.emitter.Emit(progress.Event{
					Stage: progress.StageCoolDown,
					Dur:   f.cfg.CoolDown,
					Note:  fmt.Sprintf("worker %d after %d failures", id, failures),
				})
				if err := f.sleeper.Sleep(ctx, f.cfg.CoolDown); err != nil {
					return failures, err
				}
				failures /= 2
			}
		}
		if err := f.sleeper.Sleep(ctx, f.cfg.CategoryPause); err != nil {
			return failures, err
		}
	}
}

func settled(categories []category.Category, reports map[string]crawler.Report) bool {
	for _, c := range categories {
		rep, ok := reports[c.ID]
		if !ok || !rep.Outcome.Settled() {
			return false
		}
	}
	return true
}
