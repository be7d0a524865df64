package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Tools Commands
// =============================================================================

func buildToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect the tool catalog",
	}
	cmd.AddCommand(buildToolsListCmd())
	return cmd
}

func buildToolsListCmd() *cobra.Command {
	var configPath string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered tools",
		Long: `List the built-in tools plus any manifests loaded from the configured
manifest directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolsList(cmd, configPath, asJSON)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print full manifests as JSON")
	return cmd
}
