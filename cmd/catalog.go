package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/imgharvest/internal/catalog"
	"github.com/JakeFAU/imgharvest/internal/storage"
	"github.com/JakeFAU/imgharvest/internal/storage/postgres"
)

// openRecords is the record store factory for the catalog subcommands.
var openRecords = func(ctx context.Context, cfg postgres.Config) (*postgres.RecordStore, error) {
	return postgres.NewRecordStore(ctx, cfg)
}

// newCatalogCmd groups maintenance commands for the relational catalog.
func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Maintains the relational artifact catalog",
	}
	cmd.AddCommand(newCatalogInitCmd(), newCatalogDropCmd(), newCatalogExportCmd(), newCatalogImportCmd())
	return cmd
}

func newCatalogInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Creates the catalog table and its indexes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRecords(cmd, func(ctx context.Context, e *env, records *postgres.RecordStore) error {
				if err := records.CreateSchema(ctx); err != nil {
					return err
				}
				e.logger.Info("catalog schema created", zap.String("table", e.cfg.DB.Table))
				return nil
			})
		},
	}
}

func newCatalogDropCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "drop",
		Short: "Drops the catalog table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("refusing to drop the catalog without --yes")
			}
			return withRecords(cmd, func(ctx context.Context, e *env, records *postgres.RecordStore) error {
				if err := records.DropSchema(ctx); err != nil {
					return err
				}
				e.logger.Info("catalog schema dropped", zap.String("table", e.cfg.DB.Table))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm dropping every catalog record")
	return cmd
}

func newCatalogExportCmd() *cobra.Command {
	var track bool
	cmd := &cobra.Command{
		Use:   "export <dir>",
		Short: "Writes catalog records to a timestamped CSV",
		Long: `Writes category,file,url rows to a timestamped CSV in <dir>. With
--track-dumped-id only records newer than the previous tracked export are
written, and the highest exported id is recorded for next time.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRecords(cmd, func(ctx context.Context, e *env, records *postgres.RecordStore) error {
				res, err := catalog.Export(ctx, records, args[0], track, time.Now())
				if err != nil {
					return err
				}
				e.logger.Info("catalog exported",
					zap.String("path", res.Path),
					zap.Int("rows", res.Rows),
					zap.Int64("max_id", res.MaxID),
				)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&track, "track-dumped-id", false, "export incrementally from the last tracked id")
	return cmd
}

func newCatalogImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <csv>",
		Short: "Inserts category,file,url rows from a CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRecords(cmd, func(ctx context.Context, e *env, records *postgres.RecordStore) error {
				engine, err := storage.ParseEngine(e.cfg.Catalog.Blob)
				if err != nil {
					return err
				}
				f, err := os.Open(filepath.Clean(args[0]))
				if err != nil {
					return fmt.Errorf("open import file: %w", err)
				}
				defer func() { _ = f.Close() }()
				res, err := catalog.Import(ctx, records, f, engine)
				if err != nil {
					return err
				}
				e.logger.Info("catalog imported",
					zap.Int("inserted", res.Inserted),
					zap.Int("skipped", res.Skipped),
				)
				return nil
			})
		},
	}
}

func withRecords(cmd *cobra.Command, fn func(context.Context, *env, *postgres.RecordStore) error) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	if e.cfg.DB.DSN == "" {
		return errors.New("db.dsn must be set for catalog maintenance")
	}
	records, err := openRecords(cmd.Context(), e.cfg.DB)
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}
	defer records.Close()
	return fn(cmd.Context(), e, records)
}
