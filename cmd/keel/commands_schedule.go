package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Schedule Commands
// =============================================================================

func buildScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage durable schedules",
		Long: `Create, inspect, pause, resume, and delete schedules.

Schedule commands talk to the API of a running keel server (--server, or
the listen address from the config). The server owns the schedule store
while it runs.`,
	}
	cmd.AddCommand(
		buildScheduleCreateCmd(),
		buildScheduleListCmd(),
		buildScheduleGetCmd(),
		buildSchedulePauseCmd(),
		buildScheduleResumeCmd(),
		buildScheduleDeleteCmd(),
	)
	return cmd
}

func buildScheduleCreateCmd() *cobra.Command {
	var flags scheduleCreateFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a schedule",
		Long: `Create a schedule that submits a task on a timer.

Exactly one trigger flag must be set: --every (interval like 30s, 5m, 2h,
or 1d), --cron (five-field expression, optionally with --timezone), or
--at (RFC3339 instant, fires once).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduleCreate(cmd, flags)
		},
	}
	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&flags.server, "server", "", "Server base URL (default from config)")
	cmd.Flags().StringVar(&flags.name, "name", "", "Schedule name (required)")
	cmd.Flags().StringVar(&flags.task, "task", "", "Task text submitted on each fire (required)")
	cmd.Flags().StringVar(&flags.every, "every", "", "Interval trigger (e.g. 30s, 5m, 2h, 1d)")
	cmd.Flags().StringVar(&flags.cron, "cron", "", `Cron trigger expression (e.g. "0 9 * * *")`)
	cmd.Flags().StringVar(&flags.at, "at", "", "One-shot trigger instant, RFC3339")
	cmd.Flags().StringVar(&flags.timezone, "timezone", "", "IANA timezone for --cron (default UTC)")
	cmd.Flags().IntVar(&flags.maxFailures, "max-failures", 0, "Consecutive failures before the schedule fails (default 3)")
	cmd.Flags().StringVar(&flags.missedPolicy, "missed-policy", "", "Missed-fire policy: skip, catchup_one, or catchup_all")
	cmd.Flags().BoolVar(&flags.deleteAfterRun, "delete-after-run", false, "Delete the schedule after a successful run")
	cmd.Flags().StringVar(&flags.description, "description", "", "Free-form description")
	cmd.Flags().StringSliceVar(&flags.tags, "tag", nil, "Tag to attach (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func buildScheduleListCmd() *cobra.Command {
	var configPath string
	var server string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduleList(cmd, configPath, server, asJSON)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&server, "server", "", "Server base URL (default from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON instead of a table")
	return cmd
}

func buildScheduleGetCmd() *cobra.Command {
	var configPath string
	var server string
	cmd := &cobra.Command{
		Use:   "get <schedule-id>",
		Short: "Show a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduleGet(cmd, configPath, server, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&server, "server", "", "Server base URL (default from config)")
	return cmd
}

func buildSchedulePauseCmd() *cobra.Command {
	var configPath string
	var server string
	cmd := &cobra.Command{
		Use:   "pause <schedule-id>",
		Short: "Pause an active schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduleTransition(cmd, configPath, server, args[0], "pause")
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&server, "server", "", "Server base URL (default from config)")
	return cmd
}

func buildScheduleResumeCmd() *cobra.Command {
	var configPath string
	var server string
	cmd := &cobra.Command{
		Use:   "resume <schedule-id>",
		Short: "Resume a paused schedule",
		Long: `Resume a paused schedule.

The next fire time is recomputed from now; fires missed while paused are
not made up.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduleTransition(cmd, configPath, server, args[0], "resume")
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&server, "server", "", "Server base URL (default from config)")
	return cmd
}

func buildScheduleDeleteCmd() *cobra.Command {
	var configPath string
	var server string
	cmd := &cobra.Command{
		Use:   "delete <schedule-id>",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduleDelete(cmd, configPath, server, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&server, "server", "", "Server base URL (default from config)")
	return cmd
}
