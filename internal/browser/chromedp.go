// Package browser implements the browser capability on top of chromedp. A
// Session drives one Chrome tab and records every network exchange the page
// generates, including response bodies, into a drainable buffer.
package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/imgharvest/internal/crawler"
	"github.com/JakeFAU/imgharvest/internal/policy/ratelimit"
)

// Config controls how browsers are launched.
type Config struct {
	Headless          bool
	Proxy             string
	UserAgent         string
	ExecPath          string
	NavigationTimeout time.Duration
	ScriptTimeout     time.Duration
	// Filter selects which request URLs are recorded. Nil records everything.
	Filter func(url string) bool
}

const (
	defaultNavigationTimeout = 60 * time.Second
	defaultScriptTimeout     = 30 * time.Second
)

// Launcher starts a fresh Chrome process per session.
type Launcher struct {
	cfg     Config
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

// NewLauncher returns a Launcher. limiter may be nil.
func NewLauncher(cfg Config, limiter *ratelimit.Limiter, logger *zap.Logger) *Launcher {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.ScriptTimeout <= 0 {
		cfg.ScriptTimeout = defaultScriptTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{cfg: cfg, limiter: limiter, logger: logger.Named("browser")}
}

func (l *Launcher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", l.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if l.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.cfg.UserAgent))
	}
	if l.cfg.Proxy != "" {
		opts = append(opts, chromedp.ProxyServer(l.cfg.Proxy))
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	return opts
}

// Launch starts a browser, opens a tab, and enables network recording.
func (l *Launcher) Launch(ctx context.Context) (crawler.BrowserSession, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions()...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	s := &Session{
		cfg:         l.cfg,
		limiter:     l.limiter,
		logger:      l.logger,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
		buffer:      newExchangeBuffer(l.cfg.Filter),
	}
	chromedp.ListenTarget(tabCtx, s.onEvent)

	// The first Run starts Chrome bound to the context it is given, so it must
	// carry no deadline of its own.
	if err := chromedp.Run(tabCtx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	if err := ctx.Err(); err != nil {
		_ = s.Close()
		return nil, err
	}

	setup := chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if l.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(l.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
	runCtx, cancel := s.bounded(ctx, l.cfg.NavigationTimeout)
	defer cancel()
	if err := chromedp.Run(runCtx, setup); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("prepare browser tab: %w", err)
	}
	return s, nil
}

// Session is one live tab.
type Session struct {
	cfg     Config
	limiter *ratelimit.Limiter
	logger  *zap.Logger

	tabCtx      context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
	buffer      *exchangeBuffer
}

// Navigate loads url and waits for the document body.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := s.limiter.Wait(ctx, url); err != nil {
		return err
	}
	runCtx, cancel := s.bounded(ctx, s.cfg.NavigationTimeout)
	defer cancel()
	if err := chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// Evaluate runs js in the page and decodes its result into out when non-nil.
func (s *Session) Evaluate(ctx context.Context, js string, out any) error {
	runCtx, cancel := s.bounded(ctx, s.cfg.ScriptTimeout)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.Evaluate(js, out)); err != nil {
		return fmt.Errorf("evaluate script: %w", err)
	}
	return nil
}

// Drain returns the exchanges completed since the last call.
func (s *Session) Drain() []crawler.Exchange {
	return s.buffer.drain()
}

// Close shuts the tab and the browser process down.
func (s *Session) Close() error {
	s.tabCancel()
	s.allocCancel()
	return nil
}

// bounded derives a timeout context from the tab that also ends when the
// caller's ctx does.
func (s *Session) bounded(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(s.tabCtx, timeout)
	stop := context.AfterFunc(parent, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (s *Session) onEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		s.buffer.requested(e.RequestID, e.Request.URL)
	case *network.EventResponseReceived:
		s.buffer.responded(e.RequestID, e.Response)
	case *network.EventLoadingFinished:
		if !s.buffer.tracked(e.RequestID) {
			return
		}
		// Listeners must not block, so the body is fetched separately.
		go s.fetchBody(e.RequestID)
	case *network.EventLoadingFailed:
		s.buffer.failed(e.RequestID)
	}
}

func (s *Session) fetchBody(id network.RequestID) {
	ctx, cancel := context.WithTimeout(s.tabCtx, s.cfg.ScriptTimeout)
	defer cancel()
	var body []byte
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		body, err = network.GetResponseBody(id).Do(ctx)
		return err
	}))
	if err != nil {
		s.logger.Debug("response body unavailable", zap.String("request_id", string(id)), zap.Error(err))
	}
	s.buffer.finished(id, body)
}
