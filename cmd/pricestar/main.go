// Command pricestar normalizes retail price extracts into a star schema and
// exports it.
//
// Subcommands:
//   - normalize: process source CSV files into dimension documents and the
//     fact table
//   - export: load the persisted star schema into a SQL warehouse and/or
//     write the fact table as Parquet
//   - check: run the dimension size advisory against persisted documents
//   - validate: validate the configuration and exit
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pricestar/internal/config"
	"pricestar/internal/logging"

	// register every warehouse backend with the storage factory.
	_ "pricestar/internal/storage/all"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(os.Stderr).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Logs go to logOut.
func newRootCmd(logOut io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:          "pricestar",
		Short:        "Normalize retail price extracts into a star schema",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			human, _ := cmd.Flags().GetBool("human")
			logging.Setup(logOut, debug, human)
			return nil
		},
	}

	root.PersistentFlags().String("config", "", "config JSON path (defaults apply when empty)")
	root.PersistentFlags().Bool("debug", false, "enable debug logs")
	root.PersistentFlags().Bool("human", false, "human-friendly console logs")

	root.AddCommand(
		newNormalizeCmd(),
		newExportCmd(),
		newCheckCmd(),
		newValidateCmd(),
	)

	return root
}

// loadConfig reads --config and validates it. Warnings are logged; errors
// fail the command.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	issues := config.Validate(cfg)
	for _, iss := range issues {
		ev := logging.L().Warn()
		if iss.Severity == config.SeverityError {
			ev = logging.L().Error()
		}
		ev.Str("path", iss.Path).Msg(iss.Message)
	}
	if config.HasErrors(issues) {
		return cfg, fmt.Errorf("configuration is invalid: %s", displayPath(path))
	}
	return cfg, nil
}

func displayPath(path string) string {
	if path == "" {
		return "(defaults)"
	}
	return path
}
