// Package session drives one category crawl through live browser sessions.
// A Driver outlives individual browser sessions so that a crash and relaunch
// keeps the escalation state and running counters gathered so far.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/imgharvest/internal/clock/system"
	"github.com/JakeFAU/imgharvest/internal/crawler"
	"github.com/JakeFAU/imgharvest/internal/escalation"
	"github.com/JakeFAU/imgharvest/internal/progress"
)

// Defaults applied when Config fields are zero.
const (
	DefaultSearchURL   = "https://id.pinterest.com/search/pins/?q=%s&rs=typed"
	DefaultIdleBound   = 100
	DefaultScrollSleep = time.Second / 6
)

const (
	scrollScript = `window.scrollTo(0, document.body.scrollHeight);`
	heightScript = `document.body.scrollHeight`
	injectScript = `(function(urls){urls.forEach(function(u){var i=new Image();i.src=u;});return urls.length;})(%s)`
)

// Config describes one category crawl.
type Config struct {
	Category string
	Label    string
	Target   int
	// Known is the catalog count when the crawl began.
	Known int
	// SearchURL is a format string with one %s for the query-escaped label.
	SearchURL string
	// IdleBound is the number of consecutive unproductive polls tolerated.
	IdleBound int
	// ScrollSleep is the mean pause after each scroll.
	ScrollSleep time.Duration
}

func (c Config) withDefaults() Config {
	if c.SearchURL == "" {
		c.SearchURL = DefaultSearchURL
	}
	if c.IdleBound <= 0 {
		c.IdleBound = DefaultIdleBound
	}
	if c.ScrollSleep <= 0 {
		c.ScrollSleep = DefaultScrollSleep
	}
	return c
}

// SearchURL renders the search page address for label.
func SearchURL(template, label string) string {
	if template == "" {
		template = DefaultSearchURL
	}
	if !strings.Contains(template, "%s") {
		return template
	}
	return fmt.Sprintf(template, strings.ReplaceAll(url.QueryEscape(label), "+", "%20"))
}

// Option customizes a Driver.
type Option func(*Driver)

// WithSleeper overrides the pause implementation.
func WithSleeper(s crawler.Sleeper) Option {
	return func(d *Driver) { d.sleeper = s }
}

// WithRand overrides the generator used to randomize scroll pauses.
func WithRand(r *rand.Rand) Option {
	return func(d *Driver) { d.rng = r }
}

// WithEmitter reports saved artifacts to e.
func WithEmitter(e progress.Emitter) Option {
	return func(d *Driver) { d.emitter = e }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Driver) { d.logger = l }
}

// Driver runs the poll, persist, inject and scroll loop for one category.
// It is not safe for concurrent use.
type Driver struct {
	cfg     Config
	catalog crawler.Catalog
	machine *escalation.Machine
	sleeper crawler.Sleeper
	rng     *rand.Rand
	emitter progress.Emitter
	logger  *zap.Logger

	saved    int
	salvaged bool
}

// New builds a Driver that persists into catalog and escalates with machine.
func New(cfg Config, catalog crawler.Catalog, machine *escalation.Machine, opts ...Option) (*Driver, error) {
	if catalog == nil {
		return nil, errors.New("session driver requires a catalog")
	}
	if machine == nil {
		return nil, errors.New("session driver requires an escalation machine")
	}
	if cfg.Category == "" {
		return nil, errors.New("session driver requires a category")
	}
	if cfg.Target <= 0 {
		return nil, fmt.Errorf("target must be > 0, got %d", cfg.Target)
	}
	d := &Driver{
		cfg:     cfg.withDefaults(),
		catalog: catalog,
		machine: machine,
		emitter: progress.Nop{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.sleeper == nil {
		d.sleeper = system.New()
	}
	if d.rng == nil {
		d.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	d.logger = d.logger.Named("session").With(zap.String("category", d.cfg.Category))
	return d, nil
}

// Saved returns the number of artifacts newly recorded by this driver.
func (d *Driver) Saved() int {
	return d.saved
}

// Total returns the known count plus everything saved so far.
func (d *Driver) Total() int {
	return d.cfg.Known + d.saved
}

// Run drives sess until the target is reached or the page stops yielding.
// It returns true when the target was reached, or when the session ended on
// the idle bound after producing at least one artifact.
func (d *Driver) Run(ctx context.Context, sess crawler.BrowserSession) (bool, error) {
	if d.Total() >= d.cfg.Target {
		return true, nil
	}
	search := SearchURL(d.cfg.SearchURL, d.cfg.Label)
	if err := sess.Navigate(ctx, search); err != nil {
		return false, fmt.Errorf("navigate %s: %w", search, err)
	}
	start := d.saved
	idle := 0
	var height int64
	for {
		if idle > d.cfg.IdleBound {
			d.logger.Debug("idle bound reached", zap.Int("saved", d.saved-start), zap.Int("total", d.Total()))
			return d.saved > start, nil
		}
		if err := ctx.Err(); err != nil {
			return d.saved > start, fmt.Errorf("session canceled: %w", err)
		}

		res, feedErr := d.machine.Feed(ctx, sess.Drain())
		if err := d.persist(ctx, res.Artifacts); err != nil {
			if feedErr != nil {
				err = errors.Join(fmt.Errorf("feed exchanges: %w", feedErr), err)
			}
			return d.saved > start, err
		}
		if feedErr != nil {
			return d.saved > start, fmt.Errorf("feed exchanges: %w", feedErr)
		}
		if res.Empty() {
			idle++
		} else {
			idle = 0
		}
		if err := d.inject(ctx, sess, res.Requests); err != nil {
			return d.saved > start, err
		}

		if d.Total() >= d.cfg.Target {
			return true, nil
		}
		if err := sess.Evaluate(ctx, scrollScript, nil); err != nil {
			return d.saved > start, fmt.Errorf("scroll: %w", err)
		}
		pause := time.Duration(d.rng.Float64() * 2 * float64(d.cfg.ScrollSleep))
		if err := d.sleeper.Sleep(ctx, pause); err != nil {
			return d.saved > start, fmt.Errorf("scroll pause: %w", err)
		}
		var next int64
		if err := sess.Evaluate(ctx, heightScript, &next); err != nil {
			return d.saved > start, fmt.Errorf("page height: %w", err)
		}
		if next > height {
			height = next
			idle = 0
		}
	}
}

// Salvage persists the Pending bodies the machine still holds. It runs at
// most once per driver; later calls return zero.
func (d *Driver) Salvage(ctx context.Context) (int, error) {
	if d.salvaged {
		return 0, nil
	}
	d.salvaged = true
	artifacts := d.machine.Salvage()
	before := d.saved
	if err := d.persist(ctx, artifacts); err != nil {
		return d.saved - before, err
	}
	if n := d.saved - before; n > 0 {
		d.logger.Info("salvaged lower resolution artifacts", zap.Int("count", n))
	}
	return d.saved - before, nil
}

// persist records artifacts in order. On failure the artifact that failed and
// every one after it go back to the machine as Pending.
func (d *Driver) persist(ctx context.Context, artifacts []escalation.Artifact) error {
	for i, a := range artifacts {
		if err := d.catalog.Save(ctx, d.cfg.Category, a.Key, a.Body); err != nil {
			d.machine.Requeue(artifacts[i:])
			return fmt.Errorf("save %s: %w", a.Key, err)
		}
		inserted, err := d.catalog.SaveMeta(ctx, d.cfg.Category, a.Key, a.URL)
		if err != nil {
			d.machine.Requeue(artifacts[i:])
			return fmt.Errorf("save meta %s: %w", a.Key, err)
		}
		if !inserted {
			d.logger.Debug("artifact already recorded", zap.String("key", a.Key))
			continue
		}
		d.saved++
		d.logger.Info("artifact saved",
			zap.String("label", d.cfg.Label),
			zap.String("key", a.Key),
			zap.String("level", a.Level.String()),
			zap.Int("count", d.Total()),
			zap.Int("target", d.cfg.Target),
		)
		d.emitter.Emit(progress.Event{
			Stage:    progress.StageArtifactSaved,
			Category: d.cfg.Category,
			Label:    d.cfg.Label,
			Key:      a.Key,
			URL:      a.URL,
			Body:     a.Body,
			Count:    d.Total(),
			Target:   d.cfg.Target,
		})
	}
	return nil
}

func (d *Driver) inject(ctx context.Context, sess crawler.BrowserSession, requests []escalation.Request) error {
	if len(requests) == 0 {
		return nil
	}
	urls := make([]string, 0, len(requests))
	for _, r := range requests {
		urls = append(urls, r.URL)
	}
	encoded, err := json.Marshal(urls)
	if err != nil {
		return fmt.Errorf("encode escalation urls: %w", err)
	}
	if err := sess.Evaluate(ctx, fmt.Sprintf(injectScript, encoded), nil); err != nil {
		return fmt.Errorf("inject escalation requests: %w", err)
	}
	return nil
}
