package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowagent-network/flowagent/pkg/cli"
	"github.com/flowagent-network/flowagent/pkg/flow"
	"github.com/flowagent-network/flowagent/pkg/reconcile"
	"github.com/flowagent-network/flowagent/pkg/util"
)

var applyType string

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply and remove the flows the backend has queued, once",
	Long: `Fetch flows by status from the backend and act on each one: apply
pending flows, remove flows marked for removal, and report the new status.

Examples:
  flowagent apply
  flowagent apply --type remove`,
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := flow.ParseType(applyType)
		if err != nil {
			return err
		}
		a, err := requireAgent()
		if err != nil {
			return err
		}
		engine, err := a.Engine()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		res, err := engine.RunApplyRemove(ctx, t)
		return printResult(cmd, res, err)
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Converge the router on the backend's applied flows, once",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := requireAgent()
		if err != nil {
			return err
		}
		engine, err := a.Engine()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		res, err := engine.RunSync(ctx)
		return printResult(cmd, res, err)
	},
}

// printResult shows a run's counters. A partial failure still prints the
// counters before returning the error.
func printResult(cmd *cobra.Command, res *reconcile.Result, err error) error {
	if res == nil {
		return err
	}
	if app.jsonOutput {
		if jerr := cli.PrintJSON(cmd.OutOrStdout(), res); jerr != nil {
			return jerr
		}
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run %s (%s)\n", res.RunID, res.Duration.Truncate(time.Millisecond))
	t := cli.NewTableTo(out, "ATTEMPTED", "APPLIED", "REMOVED", "FAILED", "REPORT FAILED")
	t.Row(fmt.Sprint(res.Attempted), fmt.Sprint(res.Applied), fmt.Sprint(res.Removed),
		failures(res.Failed), failures(res.ReportFailed))
	t.Flush()
	return err
}

func failures(n int) string {
	if n == 0 {
		return "0"
	}
	return cli.Red(fmt.Sprint(n))
}

var purgeYes bool

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove every rule the agent owns from the router",
	Long: `Remove every rule carrying the ownership marker, the same action the
device controller takes when a channel goes stale. Requires --yes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !purgeYes {
			return errors.New("purge removes every owned rule from the router: pass --yes to confirm")
		}
		a, err := requireAgent()
		if err != nil {
			return err
		}
		ctrl, err := a.Controller()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		res, err := ctrl.Purge(ctx)
		if res == nil {
			return err
		}
		if app.jsonOutput {
			if jerr := cli.PrintJSON(cmd.OutOrStdout(), res); jerr != nil {
				return jerr
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Owned: %d, removed: %s, failed: %s, unreported: %s\n",
			res.Owned, cli.Green(fmt.Sprint(res.Removed)), failures(res.Failed), failures(res.ReportFailed))
		return err
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Read router counters and send them to the backend, once",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := requireAgent()
		if err != nil {
			return err
		}
		fetcher, err := a.StatsFetcher()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		if err := fetcher.Run(ctx); err != nil {
			return err
		}
		util.Infof("statistics sent")
		fmt.Fprintln(cmd.OutOrStdout(), cli.Green("Statistics sent."))
		return nil
	},
}

func init() {
	applyCmd.Flags().StringVarP(&applyType, "type", "t", string(flow.TypeApplyRemove), "Flows to fetch: apply, remove or apply_remove")
	purgeCmd.Flags().BoolVarP(&purgeYes, "yes", "y", false, "Confirm the purge")
}
