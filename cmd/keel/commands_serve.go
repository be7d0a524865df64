package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command: the long-running API server
// with the scheduler and session kernel.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		approve    string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the keel API server and scheduler",
		Long: `Serve wires the journal, kernel, scheduler, and HTTP/WebSocket API from
the configuration file and runs until SIGINT or SIGTERM.

The server is headless: permission scopes that are not pre-granted in the
config are denied. Pass --approve auto to grant every prompt instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, approve, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&approve, "approve", "deny", "Approval mode for headless prompts: auto or deny")
	cmd.Flags().BoolVar(&debug, "debug", false, "Force debug logging")
	return cmd
}
