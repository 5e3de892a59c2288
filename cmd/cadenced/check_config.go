package main

import (
	"context"
	"fmt"

	"cadence/internal/app"
	"cadence/internal/config"

	"github.com/spf13/cobra"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the config file without starting anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if err := app.ValidateConfig(context.Background(), cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", cfgPath)
		return nil
	},
}
