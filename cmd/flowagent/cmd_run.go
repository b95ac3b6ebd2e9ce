package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/flowagent-network/flowagent/pkg/agent"
	"github.com/flowagent-network/flowagent/pkg/config"
	"github.com/flowagent-network/flowagent/pkg/util"
)

// runLockName serializes agent processes sharing a lock directory.
const runLockName = "agent"

var runProgram string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduled jobs until interrupted",
	Long: `Run the agent's jobs on their configured intervals.

With --program all (the default) every enabled job is scheduled. Naming a
single job runs only that one, even if it is disabled in the config.

SIGINT or SIGTERM stops scheduling and waits for running jobs to finish.

Examples:
  flowagent run
  flowagent run --program device_controller`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := requireAgent()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		h, err := a.Locker.Acquire(ctx, runLockName)
		if err != nil {
			return fmt.Errorf("another agent is running against %s: %w", a.Config.LockDir, err)
		}
		defer h.Release()

		util.WithFields(map[string]interface{}{
			"program": runProgram,
			"vendor":  a.Config.Vendor,
		}).Info("starting agent")
		return a.Run(ctx, runProgram)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runProgram, "program", "p", agent.ProgramAll,
		fmt.Sprintf("Job to run: %s or one of %s", agent.ProgramAll, strings.Join(config.JobNames, ", ")))
}
