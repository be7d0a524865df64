package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Sessions Commands
// =============================================================================

func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and abort sessions on a running server",
	}
	cmd.AddCommand(
		buildSessionsListCmd(),
		buildSessionsGetCmd(),
		buildSessionsAbortCmd(),
	)
	return cmd
}

func buildSessionsListCmd() *cobra.Command {
	var configPath string
	var server string
	var status string
	var limit int
	var offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(cmd, configPath, server, status, limit, offset)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&server, "server", "", "Server base URL (default from config)")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (e.g. running, completed, failed)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of sessions to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of sessions to skip")
	return cmd
}

func buildSessionsGetCmd() *cobra.Command {
	var configPath string
	var server string
	var withEvents bool
	cmd := &cobra.Command{
		Use:   "get <session-id>",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsGet(cmd, configPath, server, args[0], withEvents)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&server, "server", "", "Server base URL (default from config)")
	cmd.Flags().BoolVar(&withEvents, "events", false, "Also print the session's journal events")
	return cmd
}

func buildSessionsAbortCmd() *cobra.Command {
	var configPath string
	var server string
	cmd := &cobra.Command{
		Use:   "abort <session-id>",
		Short: "Abort a running session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsAbort(cmd, configPath, server, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&server, "server", "", "Server base URL (default from config)")
	return cmd
}
