package main

import (
	"context"
	"fmt"

	"cadence/internal/app"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var ownerID string

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Create the default habits and triggers for an owner",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.NewApp(cfgPath)
		if err != nil {
			return err
		}
		defer a.Close()

		res, created, err := a.Bootstrap(context.Background(), ownerID)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if !created {
			fmt.Fprintf(out, "%s already bootstrapped\n", ownerID)
			return nil
		}
		tw := table.NewWriter()
		tw.SetOutputMirror(out)
		tw.AppendHeader(table.Row{"ID", "Habit", "Check-in", "Current", "Target"})
		for _, h := range res.Habits {
			tw.AppendRow(table.Row{h.ID, h.Name, h.CheckInTime, h.CurrentFrequency, h.TargetFrequency})
		}
		tw.Render()
		fmt.Fprintf(out, "%d triggers scheduled\n", len(res.Triggers))
		return nil
	},
}

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Calculate and persist today's score for an owner",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.NewApp(cfgPath)
		if err != nil {
			return err
		}
		defer a.Close()

		b, err := a.Router().GetScore(context.Background(), ownerID)
		if err != nil {
			return err
		}
		tw := table.NewWriter()
		tw.SetOutputMirror(cmd.OutOrStdout())
		tw.SetTitle("score for " + b.OwnerID)
		tw.AppendHeader(table.Row{"Component", "Points"})
		tw.AppendRows([]table.Row{
			{"base", fmt.Sprintf("%.1f", b.Base)},
			{"completion", fmt.Sprintf("%.1f", b.Completion)},
			{"streak", fmt.Sprintf("%.1f", b.Streak)},
			{"progression", fmt.Sprintf("%.1f", b.Progression)},
			{"excuse grace", fmt.Sprintf("%.1f", b.ExcuseGrace)},
			{"trend", fmt.Sprintf("%.1f", b.Trend)},
		})
		tw.AppendFooter(table.Row{"total", fmt.Sprintf("%.1f (peak %.1f)", b.Total, b.Peak)})
		tw.Render()
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{bootstrapCmd, scoreCmd} {
		c.Flags().StringVar(&ownerID, "owner", "", "owner id")
		_ = c.MarkFlagRequired("owner")
	}
}
