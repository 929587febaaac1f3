package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/JakeFAU/imgharvest/internal/app"
	"github.com/JakeFAU/imgharvest/internal/fleet"
)

const shutdownTimeout = 10 * time.Second

// newCrawlCmd creates the 'crawl' subcommand, which sweeps the configured
// slice of categories until every one of them settles.
func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Crawls every category in the configured slice",
		Long: `Runs the fleet: categories are handed to a pool of workers, sweep after
sweep, until each one is done or held by another worker. With --isolate every
category runs in a child process so that a browser crash cannot take the
fleet down.`,
		Args: cobra.NoArgs,
		RunE: runCrawlCommand,
	}
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	logger := e.logger

	a, err := newApp(ctx, e.cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}
	defer closeApp(a, logger)

	cats, err := a.Categories()
	if err != nil {
		return fmt.Errorf("load categories: %w", err)
	}

	runner, err := categoryRunner(cmd, e, a)
	if err != nil {
		return err
	}
	fc := e.cfg.Fleet
	fl, err := fleet.New(fleet.Config{
		Workers:       fc.Workers,
		FailureBound:  fc.FailureBound,
		CoolDown:      fc.CoolDown,
		CategoryPause: fc.CategoryPause,
		MaxSweeps:     fc.MaxSweeps,
	}, runner, fleet.WithEmitter(a.Emitter()), fleet.WithLogger(logger))
	if err != nil {
		return err
	}

	if e.cfg.Server.Port > 0 {
		stopServer, err := serveStatus(ctx, a, e.cfg.Server.Port, logger)
		if err != nil {
			return err
		}
		defer stopServer()
	}

	logger.Info("crawl started",
		zap.Int("categories", len(cats)),
		zap.Int("workers", fc.Workers),
		zap.Bool("isolate", fc.Isolate),
	)
	summary, err := fl.Run(ctx, cats)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run fleet: %w", err)
	}
	logger.Info("crawl finished",
		zap.Int("sweeps", summary.Sweeps),
		zap.Bool("settled", summary.Settled),
	)
	return nil
}

// categoryRunner picks the isolation boundary for each category run.
func categoryRunner(cmd *cobra.Command, e *env, a *app.App) (fleet.CategoryRunner, error) {
	if !e.cfg.Fleet.Isolate {
		return fleet.InProcessRunner{Runner: a.Runner(), Logger: e.logger}, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return fleet.ProcessRunner{
		Executable: exe,
		Args:       childArgs(cmd.Flags()),
		Stderr:     os.Stderr,
	}, nil
}

// childArgs forwards the flags the operator set, minus the ones that only
// make sense for the parent.
func childArgs(flags *pflag.FlagSet) []string {
	args := []string{"crawl-category"}
	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "isolate", "workers", "start", "end", "index":
			return
		}
		args = append(args, "--"+f.Name+"="+f.Value.String())
	})
	return args
}

func serveStatus(ctx context.Context, a *app.App, port int, logger *zap.Logger) (func(), error) {
	api, err := a.Server()
	if err != nil {
		return nil, fmt.Errorf("build status server: %w", err)
	}
	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(port)),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		logger.Info("status server started", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server error", zap.Error(err))
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status server shutdown error", zap.Error(err))
		}
	}, nil
}

func closeApp(a *app.App, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		logger.Warn("error closing application services", zap.Error(err))
	}
}
