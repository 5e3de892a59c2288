package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "cadenced",
	Short: "cadenced - habit and trigger scheduling daemon",
	Long: `cadenced fires durable triggers for long-lived agents, tracks habit
progress and scores owners against their goals.`,
	SilenceUsage: true,
	// No RunE - defaults to showing help when no subcommand is provided
}

var cfgPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(checkConfigCmd)
	rootCmd.AddCommand(bootstrapCmd)
	rootCmd.AddCommand(scoreCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
