package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pricestar/internal/config"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			issues := config.Validate(cfg)
			for _, iss := range issues {
				fmt.Fprintln(cmd.OutOrStdout(), iss)
			}
			if config.HasErrors(issues) {
				return fmt.Errorf("configuration is invalid: %s", displayPath(path))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration is valid: %s\n", displayPath(path))
			return nil
		},
	}
}
