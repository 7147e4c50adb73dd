package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"pricestar/internal/config"
	"pricestar/internal/dimension"
	"pricestar/internal/events"
	"pricestar/internal/logging"
	"pricestar/internal/metrics"
	"pricestar/internal/metrics/datadog"
	"pricestar/internal/nomenclature"
	"pricestar/internal/normalize"
	"pricestar/internal/pipeline"
)

func newNormalizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "normalize",
		Short: "Process source CSV files into dimension documents and the fact table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("workers") {
				cfg.Workers, _ = cmd.Flags().GetInt("workers")
			}
			dates, _ := cmd.Flags().GetStringSlice("date")
			return runNormalize(cmd.Context(), cmd.OutOrStdout(), cfg, pipeline.Selector{Dates: dates})
		},
	}
	cmd.Flags().StringSlice("date", nil, "only process files for this date (YYYY-MM-DD); repeatable")
	cmd.Flags().Int("workers", 1, "files decoded ahead concurrently (overrides config)")
	return cmd
}

func runNormalize(ctx context.Context, out io.Writer, cfg config.Config, sel pipeline.Selector) error {
	if err := sel.ValidateDates(); err != nil {
		return err
	}

	runID := uuid.NewString()
	log := logging.WithRun(runID)

	closeMetrics := setupMetrics(ctx, cfg, runID, log)
	defer closeMetrics()

	evOpts := cfg.EventOptions()
	evOpts.Logger = &log
	rec := events.New(evOpts)

	dims := dimension.NewSet(cfg.DimsDir(), rec, dimension.WithLogger(log))
	categories := nomenclature.Load(cfg.Nomenclature.Category, "category", log)
	cities := nomenclature.Load(cfg.Nomenclature.City, "city", log)

	drv := pipeline.New(dims, rec, normalize.New(dims, categories, cities), pipeline.Options{
		RawDir:   cfg.RawDir,
		Pattern:  cfg.FilePattern,
		FactPath: cfg.FactPath(),
		CSV:      cfg.CSVOptions(),
		Workers:  cfg.Workers,
		Limits:   cfg.DimensionLimits(),
		Logger:   &log,
	})

	log.Info().
		Str("raw_dir", cfg.RawDir).
		Strs("dates", sel.Dates).
		Int("workers", cfg.Workers).
		Msg("normalize: starting")

	stats, err := drv.Run(ctx, sel)
	printSummary(out, runID, drv.State(), stats)
	return err
}

// setupMetrics installs the configured metrics backend and returns its
// shutdown function. A backend that cannot start leaves metrics disabled.
func setupMetrics(ctx context.Context, cfg config.Config, runID string, log zerolog.Logger) func() {
	switch cfg.Metrics.Backend {
	case "datadog":
		tags := append([]string(nil), cfg.Metrics.Tags...)
		tags = append(tags, datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS"))...)

		// the final flush must still go out when the run was interrupted.
		b, err := datadog.NewBackend(context.WithoutCancel(ctx), datadog.Options{
			RunID:      runID,
			Tags:       tags,
			FlushEvery: time.Duration(cfg.Metrics.FlushEvery),
		})
		if err != nil {
			log.Warn().Err(err).Msg("metrics: datadog backend unavailable; metrics disabled")
			return func() {}
		}
		log.Info().Strs("tags", tags).Msg("metrics: datadog backend enabled")
		metrics.SetBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				log.Warn().Err(err).Msg("metrics: datadog close/flush error")
			}
			metrics.SetBackend(nil)
		}
	default:
		log.Debug().Str("backend", cfg.Metrics.Backend).Msg("metrics: disabled")
		return func() {}
	}
}

func printSummary(w io.Writer, runID string, state pipeline.State, s pipeline.Stats) {
	created := make([]string, 0, len(dimension.Names))
	for _, name := range dimension.Names {
		created = append(created, fmt.Sprintf("%s=%d", name, s.DimensionsCreated[name]))
	}
	fmt.Fprintf(w, "run %s: %s\n", runID, state)
	fmt.Fprintf(w, "  files processed:  %s (failed: %s)\n", humanize.Comma(int64(s.FilesProcessed)), humanize.Comma(int64(s.FilesFailed)))
	fmt.Fprintf(w, "  rows processed:   %s\n", humanize.Comma(int64(s.RowsProcessed)))
	fmt.Fprintf(w, "  rows written:     %s\n", humanize.Comma(int64(s.RowsWritten)))
	fmt.Fprintf(w, "  rows skipped:     %s\n", humanize.Comma(int64(s.RowsSkipped)))
	fmt.Fprintf(w, "  new dimension entries: %s\n", strings.Join(created, " "))
	fmt.Fprintf(w, "  duration:         %s\n", s.Duration.Truncate(time.Millisecond))
}
