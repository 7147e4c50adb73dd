package main

import (
	"context"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"pricestar/internal/config"
	"pricestar/internal/dimension"
	"pricestar/internal/facts"
	"pricestar/internal/logging"
	"pricestar/internal/storage"
	"pricestar/internal/warehouse"
)

type exportOptions struct {
	parquetPath   string
	skipWarehouse bool
}

func newExportCmd() *cobra.Command {
	var opts exportOptions
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Load the star schema into the SQL warehouse and/or write Parquet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("kind") {
				cfg.Warehouse.Kind, _ = cmd.Flags().GetString("kind")
			}
			if cmd.Flags().Changed("dsn") {
				cfg.Warehouse.DSN, _ = cmd.Flags().GetString("dsn")
			}
			return runExport(cmd.Context(), cmd.OutOrStdout(), cfg, opts)
		},
	}
	cmd.Flags().String("kind", "", "warehouse kind (overrides config): sqlite, postgres or mssql")
	cmd.Flags().String("dsn", "", "warehouse DSN (overrides config; $VARS are expanded)")
	cmd.Flags().StringVar(&opts.parquetPath, "parquet", "", "also write the fact table as Parquet to this path")
	cmd.Flags().BoolVar(&opts.skipWarehouse, "no-warehouse", false, "skip the SQL warehouse load")
	return cmd
}

func runExport(ctx context.Context, out io.Writer, cfg config.Config, opts exportOptions) error {
	runID := uuid.NewString()
	log := logging.WithRun(runID).With().Str("phase", "export").Logger()

	closeMetrics := setupMetrics(ctx, cfg, runID, log)
	defer closeMetrics()

	if !opts.skipWarehouse {
		dims := dimension.NewSet(cfg.DimsDir(), nil, dimension.WithLogger(log))
		if err := dims.LoadAll(); err != nil {
			return err
		}

		repo, err := storage.New(ctx, storage.Config{Kind: cfg.Warehouse.Kind, DSN: cfg.WarehouseDSN()})
		if err != nil {
			return fmt.Errorf("open warehouse (%s): %w", cfg.Warehouse.Kind, err)
		}
		defer repo.Close()

		res, err := warehouse.New(repo, warehouse.Options{
			BatchSize: cfg.Warehouse.BatchSize,
			Logger:    &log,
		}).Export(ctx, dims, cfg.FactPath())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "warehouse %s:\n", cfg.Warehouse.Kind)
		for _, tr := range res.Tables {
			fmt.Fprintf(out, "  %-17s read %s, inserted %s, already present %s\n",
				tr.Table, humanize.Comma(int64(tr.Read)), humanize.Comma(tr.Inserted), humanize.Comma(tr.Skipped()))
		}
	}

	if opts.parquetPath != "" {
		n, err := facts.ExportParquet(ctx, cfg.FactPath(), opts.parquetPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "parquet %s: %s rows\n", opts.parquetPath, humanize.Comma(int64(n)))
	}
	return nil
}
