// Flowagent - flow-rule reconciliation agent
//
// Keeps the filter rules of one edge router in line with the flows the
// backend has declared, reports router statistics upstream, and purges
// every rule it owns when it loses touch with the router or the backend.
//
// Long-running mode schedules four jobs:
//
//	stats_fetcher      read router counters and send them to the backend
//	flows_applier      apply or remove flows the backend has queued
//	flows_sync         converge the router on the backend's applied set
//	device_controller  purge owned rules when a channel goes stale
//
// Every job can also run once from the command line.
//
// Examples:
//
//	flowagent run                          # all enabled jobs
//	flowagent run --program flows_sync     # one job on its interval
//	flowagent flows --ipv6                 # read owned rules once
//	flowagent sync                         # one full reconciliation
//	flowagent health show                  # channel status
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flowagent-network/flowagent/pkg/agent"
	"github.com/flowagent-network/flowagent/pkg/config"
	"github.com/flowagent-network/flowagent/pkg/util"
	"github.com/flowagent-network/flowagent/pkg/version"
)

// app holds the global flags and the state built from them.
var app = struct {
	configPath string
	logLevel   string
	jsonOutput bool

	cfg     *config.Config
	agent   *agent.Agent
	logFile *os.File
}{}

func main() {
	err := rootCmd.Execute()
	closeApp()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "flowagent",
	Short:             "Flow-rule reconciliation agent",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	Long: `Flowagent keeps an edge router's filter rules in line with the flows
declared by the backend.

Only rules carrying the agent's ownership marker are ever read, changed
or removed. When the router or the backend has been unreachable for
longer than the controller threshold, every owned rule is purged.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if skipInit(cmd) {
			return nil
		}
		cfg, err := config.Load(app.configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if app.logLevel != "" {
			cfg.Log.Level = app.logLevel
		}
		if err := setupLogging(cfg.Log); err != nil {
			return err
		}
		app.cfg = cfg
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&app.configPath, "config", "c", "", "Config file (default "+config.DefaultPath+")")
	rootCmd.PersistentFlags().StringVar(&app.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&app.jsonOutput, "json", false, "JSON output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "agent", Title: "Agent:"},
		&cobra.Group{ID: "oneshot", Title: "One-shot Operations:"},
		&cobra.Group{ID: "meta", Title: "State & Meta:"},
	)

	runCmd.GroupID = "agent"
	rootCmd.AddCommand(runCmd)

	for _, cmd := range []*cobra.Command{flowsCmd, applyCmd, syncCmd, purgeCmd, statsCmd} {
		cmd.GroupID = "oneshot"
		rootCmd.AddCommand(cmd)
	}

	for _, cmd := range []*cobra.Command{healthCmd, auditCmd, configCmd, versionCmd} {
		cmd.GroupID = "meta"
		rootCmd.AddCommand(cmd)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printVersion("flowagent")
	},
}

func printVersion(tool string) {
	if version.Version == "dev" {
		fmt.Printf("%s dev build\n", tool)
	} else {
		fmt.Printf("%s %s\n", tool, version.Info())
	}
}

// skipInit reports commands that need no configuration.
func skipInit(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "version", "completion":
			return true
		}
	}
	return false
}

// setupLogging applies the log section: level, destination, then format.
// An explicit log.json wins; otherwise the format follows the destination.
func setupLogging(lc config.LogConfig) error {
	if err := util.SetLogLevel(lc.Level); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	out := os.Stderr
	if lc.File != "" {
		f, err := os.OpenFile(lc.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		app.logFile = f
		out = f
	}
	util.SetLogOutput(out)
	if lc.JSON {
		util.SetJSONFormat()
	} else {
		util.AutoFormat(out)
	}
	return nil
}

// requireAgent wires the agent on first use. Commands that talk to the
// router or the backend need a valid config; the local-state commands do
// not call this.
func requireAgent() (*agent.Agent, error) {
	if app.agent != nil {
		return app.agent, nil
	}
	if err := app.cfg.Validate(); err != nil {
		return nil, err
	}
	return localAgent()
}

// localAgent wires the agent without validating router or backend settings.
func localAgent() (*agent.Agent, error) {
	if app.agent != nil {
		return app.agent, nil
	}
	a, err := agent.New(app.cfg)
	if err != nil {
		return nil, err
	}
	app.agent = a
	return a, nil
}

func closeApp() {
	if app.agent != nil {
		if err := app.agent.Close(); err != nil {
			util.Warnf("closing agent: %v", err)
		}
	}
	if app.logFile != nil {
		app.logFile.Close()
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
