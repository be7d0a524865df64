package main

import (
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// Lessons Commands
// =============================================================================

func buildLessonsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lessons",
		Short: "Manage the active-memory lesson store",
	}
	cmd.AddCommand(
		buildLessonsListCmd(),
		buildLessonsPruneCmd(),
	)
	return cmd
}

func buildLessonsListCmd() *cobra.Command {
	var configPath string
	var server string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored lessons",
		Long:  `List the lessons held by a running server, newest first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLessonsList(cmd, configPath, server, asJSON)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&server, "server", "", "Server base URL (default from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON instead of a table")
	return cmd
}

func buildLessonsPruneCmd() *cobra.Command {
	var configPath string
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Drop lessons older than a cutoff",
		Long: `Drop lessons created before now minus --max-age and rewrite the store.

Prune works on the lesson file directly. Run it while the server is
stopped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLessonsPrune(cmd, configPath, maxAge)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().DurationVar(&maxAge, "max-age", 30*24*time.Hour, "Age past which lessons are dropped")
	return cmd
}
