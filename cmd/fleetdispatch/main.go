package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot assembles the command tree. Every command except serve and
// config talks to a running daemon over its HTTP API.
func buildRoot() *cobra.Command {
	global := &GlobalFlags{}
	root := createRootCommand(global)
	c := command{global: global}

	root.AddCommand(
		createServeCommand(global),
		createReconcileCommand(c),
		createDispatchCommand(c),
		createStatusCommand(c),
		createDevicesCommand(c),
		createFlowsCommand(c),
		createJobsCommand(c),
		createConfigCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "fleetdispatch",
		Short: "Device presence tracking and job dispatch",
		Long: `fleetdispatch tracks which remote devices are alive and hands
pending workflow jobs to connected devices.

Examples:
  fleetdispatch serve --config fleetdispatch.toml
  fleetdispatch reconcile --timeout 5m
  fleetdispatch dispatch --dry-run
  fleetdispatch jobs list --status pending -o yaml`,
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	pf.StringVar(&flags.APIUrl, "api-url", "http://localhost:8080/api", "daemon API URL")
	pf.DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	pf.StringVar(&flags.Token, "token", "", "bearer token sent with every request")
	pf.StringVar(&flags.OperatorKey, "operator-key", os.Getenv("FLEETDISPATCH_OPERATOR_KEY"), "operator key exchanged for a token when --token is empty")
	pf.BoolVar(&flags.Insecure, "insecure", false, "skip TLS verification")
	pf.StringVarP(&flags.Output, "output", "o", outputText, "output format: text, json or yaml")
	return root
}
