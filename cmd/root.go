// Package cmd defines and implements the CLI commands for the imgharvest
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/imgharvest/internal/app"
	"github.com/JakeFAU/imgharvest/internal/config"
	"github.com/JakeFAU/imgharvest/internal/logging"
)

// envKeyType is the key for storing the loaded environment in the context.
type envKeyType string

const envKey envKeyType = "env"

// env is what every subcommand starts from: decoded configuration and a
// logger built from it.
type env struct {
	cfg     config.Config
	cfgFile string
	logger  *zap.Logger
}

// newApp is the application factory. It's a variable so tests can swap in
// one built with fakes.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}

// flagKeys maps persistent flags onto configuration keys.
var flagKeys = map[string]string{
	"workspace":  "workspace",
	"target":     "crawl.target",
	"resolution": "crawl.resolution",
	"start":      "categories.start",
	"end":        "categories.end",
	"workers":    "fleet.workers",
	"isolate":    "fleet.isolate",
	"proxy":      "browser.proxy",
	"headless":   "browser.headless",
	"catalog":    "catalog.backend",
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	v := config.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "imgharvest",
		Short: "Harvests labelled images from a visual search site.",
		Long: `imgharvest drives a real browser through the search results of every
category in a list, saving the highest-resolution image the origin serves for
each result until a per-category target is reached.`,
		SilenceUsage: true,

		// Config is loaded here so that flags, environment and file are all
		// settled before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFrom(v, cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, &env{cfg: cfg, cfgFile: cfgFile, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, err := resolveEnv(cmd.Context()); err == nil {
				// Sync fails on console outputs; nothing to do about it.
				_ = e.logger.Sync()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	flags.String("workspace", "", "directory holding per-category artifact folders")
	flags.Int("target", 0, "artifacts wanted per category")
	flags.String("resolution", "", "target resolution level, e.g. 736x or originals")
	flags.Int("start", 0, "first category index to crawl")
	flags.Int("end", 0, "category index to stop before (0 means the end of the list)")
	flags.Int("workers", 0, "concurrent category workers")
	flags.Bool("isolate", false, "run each category in its own child process")
	flags.String("proxy", "", "proxy server for the browser")
	flags.Bool("headless", true, "run the browser headless")
	flags.String("catalog", "", "catalog backend: filesystem or postgres")
	bindFlags(v, flags)

	cmd.AddCommand(newCrawlCmd(), newCrawlCategoryCmd(), newCatalogCmd())
	return cmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("configuration not loaded")
	}
	return e, nil
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command
// context so that locks are released and sinks flushed on the way out.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
