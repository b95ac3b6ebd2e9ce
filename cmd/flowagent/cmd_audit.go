package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowagent-network/flowagent/pkg/audit"
	"github.com/flowagent-network/flowagent/pkg/cli"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "View the router mutation audit trail",
	Long: `View the audit trail of rule applies, removals and purges.

The trail is written only when audit.enabled is set in the config.

Examples:
  flowagent audit list --last 24h
  flowagent audit list --flow 62447c7549b5bf207dfe4064
  flowagent audit list --operation purge --failures`,
}

var (
	auditFlow      string
	auditRun       string
	auditOperation string
	auditLast      string
	auditLimit     int
	auditFailures  bool
)

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit events",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := audit.Filter{
			FlowID:      auditFlow,
			RunID:       auditRun,
			Operation:   audit.Operation(auditOperation),
			Limit:       auditLimit,
			FailureOnly: auditFailures,
		}
		if auditLast != "" {
			d, err := time.ParseDuration(auditLast)
			if err != nil {
				return fmt.Errorf("invalid duration: %s", auditLast)
			}
			filter.StartTime = time.Now().Add(-d)
		}

		// Read-only: open the file directly rather than through the agent,
		// so the trail can be inspected with auditing disabled.
		logger, err := audit.NewFileLogger(app.cfg.Audit.Path, audit.RotationConfig{})
		if err != nil {
			return err
		}
		defer logger.Close()
		events, err := logger.Query(filter)
		if err != nil {
			return fmt.Errorf("querying audit log: %w", err)
		}

		if app.jsonOutput {
			return cli.PrintJSON(cmd.OutOrStdout(), events)
		}
		if len(events) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No audit events found")
			return nil
		}

		t := cli.NewTableTo(cmd.OutOrStdout(), "TIMESTAMP", "JOB", "OPERATION", "FLOW", "ROUTER", "STATUS", "ERROR")
		for _, e := range events {
			t.Row(cli.Timestamp(e.Timestamp), e.Job, string(e.Operation), e.FlowID, e.Router, cli.Outcome(e.Success), e.Error)
		}
		return t.Flush()
	},
}

func init() {
	auditListCmd.Flags().StringVar(&auditFlow, "flow", "", "Filter by flow id")
	auditListCmd.Flags().StringVar(&auditRun, "run", "", "Filter by job run id")
	auditListCmd.Flags().StringVar(&auditOperation, "operation", "", "Filter by operation: apply, remove, purge")
	auditListCmd.Flags().StringVar(&auditLast, "last", "", "Show events from last duration (e.g., 24h)")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum events to show")
	auditListCmd.Flags().BoolVar(&auditFailures, "failures", false, "Show only failed operations")

	auditCmd.AddCommand(auditListCmd)
}
