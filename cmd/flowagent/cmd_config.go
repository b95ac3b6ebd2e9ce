package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/flowagent-network/flowagent/pkg/cli"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration after defaults and overrides",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := *app.cfg
		cfg.Router = redactBag(cfg.Router)
		cfg.URL.Password = redact(cfg.URL.Password)
		if app.jsonOutput {
			return cli.PrintJSON(cmd.OutOrStdout(), cfg)
		}
		data, err := yaml.Marshal(&cfg)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := app.cfg.Validate(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), cli.Green("Configuration is valid."))
		return nil
	},
}

var secretKeys = map[string]bool{"password": true, "pass": true}

func redactBag(bag map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(bag))
	for k, v := range bag {
		if secretKeys[k] {
			v = redact(fmt.Sprint(v))
		}
		out[k] = v
	}
	return out
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

func init() {
	configCmd.AddCommand(configShowCmd, configValidateCmd)
}
