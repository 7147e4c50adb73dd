package main

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pricestar/internal/config"
	"pricestar/internal/dimension"
	"pricestar/internal/logging"
)

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Report dimension sizes against the advisory limits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			strict, _ := cmd.Flags().GetBool("strict")
			return runCheck(cmd.OutOrStdout(), cfg, strict)
		},
	}
	cmd.Flags().Bool("strict", false, "fail when any dimension exceeds its limits")
	return cmd
}

func runCheck(out io.Writer, cfg config.Config, strict bool) error {
	log := logging.WithPhase("check")
	dims := dimension.NewSet(cfg.DimsDir(), nil, dimension.WithLogger(log))
	if err := dims.LoadAll(); err != nil {
		return err
	}

	counts := dims.Counts()
	for _, name := range dimension.Names {
		fmt.Fprintf(out, "%-13s %s entries\n", name, humanize.Comma(int64(counts[name])))
	}

	warnings := dims.SizeWarnings(cfg.DimensionLimits())
	for _, w := range warnings {
		fmt.Fprintf(out, "warning: %s\n", w)
		log.Warn().Str("dimension", w.Dimension).Int("entries", w.Entries).Int64("bytes", w.FileBytes).Msg(w.String())
	}
	if strict && len(warnings) > 0 {
		return fmt.Errorf("%d dimension(s) exceed their advisory limits", len(warnings))
	}
	return nil
}
