package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/imgharvest/internal/category"
	"github.com/JakeFAU/imgharvest/internal/crawler"
)

// newCrawlCategoryCmd creates the 'crawl-category' subcommand. It is what an
// isolated fleet spawns per category, and is handy for crawling one by hand.
func newCrawlCategoryCmd() *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:   "crawl-category",
		Short: "Crawls a single category and prints its report",
		Long: `Crawls the category at --index of the full category list and prints one
JSON line such as {"outcome":"done","count":12} on stdout. Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawlCategory(cmd, index)
		},
	}
	cmd.Flags().IntVar(&index, "index", -1, "position of the category in the full list")
	_ = cmd.MarkFlagRequired("index")
	return cmd
}

func runCrawlCategory(cmd *cobra.Command, index int) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	cats, err := category.Load(e.cfg.Categories.IDs, e.cfg.Categories.Labels)
	if err != nil {
		return fmt.Errorf("load categories: %w", err)
	}
	if index < 0 || index >= len(cats) {
		return fmt.Errorf("index %d out of range [0, %d)", index, len(cats))
	}
	c := cats[index]

	a, err := newApp(ctx, e.cfg, e.logger)
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}
	defer closeApp(a, e.logger)

	report, runErr := a.Runner().Run(ctx, c)
	if runErr != nil {
		e.logger.Error("category run failed", zap.String("category", c.ID), zap.Error(runErr))
	}
	if err := writeReport(cmd, report); err != nil {
		return err
	}
	return runErr
}

func writeReport(cmd *cobra.Command, report crawler.Report) error {
	if err := json.NewEncoder(cmd.OutOrStdout()).Encode(report); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
