package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/flowagent-network/flowagent/pkg/cli"
	"github.com/flowagent-network/flowagent/pkg/device"
	"github.com/flowagent-network/flowagent/pkg/flow"
	"github.com/flowagent-network/flowagent/pkg/health"
	"github.com/flowagent-network/flowagent/pkg/util"
)

var (
	flowsIPv6      bool
	flowsInterface string
	flowsNumbers   bool
)

var flowsCmd = &cobra.Command{
	Use:   "flows",
	Short: "Read the agent's rules from the router",
	Long: `Read the rules carrying the ownership marker from the router.

CLI vendors print the raw router output; RPC vendors print decoded flows.

Examples:
  flowagent flows
  flowagent flows --ipv6 --interface xe-0/0/0`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := requireAgent()
		if err != nil {
			return err
		}
		d, err := a.Driver()
		if err != nil {
			return err
		}
		ipType := device.IPv4
		if flowsIPv6 {
			ipType = device.IPv6
		}
		iface := flowsInterface
		if iface == "" {
			iface = a.Config.Interface
		}

		ctx, stop := signalContext()
		defer stop()
		rf, err := d.GetFlowsFromRouter(ctx, device.ReadOptions{IPType: ipType, Interface: iface, WithNumber: flowsNumbers})
		a.Health.Observe(ctx, health.ChannelRouter, err)
		if err != nil {
			return err
		}

		if app.jsonOutput {
			return cli.PrintJSON(cmd.OutOrStdout(), rf)
		}
		if len(rf.Lines) > 0 {
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(rf.Lines, "\n"))
			return nil
		}
		if len(rf.Flows) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No owned rules")
			return nil
		}
		printFlows(cmd, rf.Flows)
		return nil
	},
}

func printFlows(cmd *cobra.Command, flows []*flow.Flow) {
	t := cli.NewTableTo(cmd.OutOrStdout(), "ID", "NUMBER", "SOURCE", "DESTINATION", "PROTOCOL", "PORTS", "ACTION")
	for _, f := range flows {
		t.Row(f.ID, f.Number, endpoint(f.Source), endpoint(f.Destination), f.ProtocolName(), ports(f), string(f.ApplyAction))
	}
	t.Flush()
}

func endpoint(e *flow.Endpoint) string {
	if e == nil {
		return "any"
	}
	if s := util.FormatCIDR(e.IP, e.Mask); s != "" {
		return s
	}
	return e.IP
}

func ports(f *flow.Flow) string {
	var parts []string
	if len(f.SourcePorts) > 0 {
		parts = append(parts, "src "+util.JoinInts(f.SourcePorts))
	}
	if len(f.DestinationPorts) > 0 {
		parts = append(parts, "dst "+util.JoinInts(f.DestinationPorts))
	}
	if f.Port != "" {
		parts = append(parts, f.Port)
	}
	return strings.Join(parts, " ")
}

func init() {
	flowsCmd.Flags().BoolVar(&flowsIPv6, "ipv6", false, "Read IPv6 rules")
	flowsCmd.Flags().StringVarP(&flowsInterface, "interface", "i", "", "Filter interface or VPN instance (default from config)")
	flowsCmd.Flags().BoolVar(&flowsNumbers, "numbers", true, "Include router rule numbers (RPC vendors)")
}
