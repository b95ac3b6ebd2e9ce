package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowagent-network/flowagent/pkg/cli"
	"github.com/flowagent-network/flowagent/pkg/health"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Channel health markers",
	Long: `Show or reset the success and failure markers the jobs write for the
router and backend channels. The device controller purges the router when
a channel has no success within the threshold.

Examples:
  flowagent health show
  flowagent health reset --yes`,
}

var healthShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the status of each channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := localAgent()
		if err != nil {
			return err
		}
		report, err := a.Health.Check(context.Background(), a.Config.Controller.Threshold.Std())
		if err != nil {
			return err
		}
		if app.jsonOutput {
			return cli.PrintJSON(cmd.OutOrStdout(), report)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Threshold: %s\n\n", report.Threshold)
		t := cli.NewTableTo(out, "CHANNEL", "STATUS", "LAST SUCCESS", "LAST FAILURE", "MESSAGE")
		for _, r := range report.Results {
			t.Row(string(r.Channel), cli.HealthStatus(r.Status),
				cli.Timestamp(r.LastSuccess), cli.Timestamp(r.LastFailure), r.Message)
		}
		return t.Flush()
	},
}

var healthResetYes bool

var healthResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear every health marker",
	Long: `Clear every health marker. With no markers each channel reads as idle,
which the device controller treats as unhealthy: a running agent purges
unless remove_only_if_failed is set. Requires --yes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !healthResetYes {
			return errors.New("reset clears every marker: pass --yes to confirm")
		}
		a, err := localAgent()
		if err != nil {
			return err
		}
		if err := a.Health.Reset(context.Background()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared markers for %d channels\n", len(health.Channels))
		return nil
	},
}

func init() {
	healthResetCmd.Flags().BoolVarP(&healthResetYes, "yes", "y", false, "Confirm the reset")
	healthCmd.AddCommand(healthShowCmd, healthResetCmd)
}
