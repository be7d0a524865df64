package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Run Command
// =============================================================================

// buildRunCmd creates the "run" command: submit one task and block until the
// session reaches a terminal state.
func buildRunCmd() *cobra.Command {
	var (
		configPath string
		mode       string
		agentic    bool
		maxSteps   int
		approve    string
		asJSON     bool
		events     bool
	)
	cmd := &cobra.Command{
		Use:   "run [task]",
		Short: "Run a task session to completion",
		Long: `Run submits a task, waits for the session to finish, and prints the
result. The exit code is non-zero unless the session completes.

Interactive permission prompts require a terminal; use --approve auto or
--approve deny for unattended runs. Ctrl-C aborts the session cleanly.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, runFlags{
				configPath: configPath,
				mode:       mode,
				agentic:    agentic,
				agenticSet: cmd.Flags().Changed("agentic"),
				maxSteps:   maxSteps,
				approve:    approve,
				asJSON:     asJSON,
				events:     events,
			}, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&mode, "mode", "", "Run mode override (real, dry_run, mock)")
	cmd.Flags().BoolVar(&agentic, "agentic", false, "Enable the multi-iteration planning loop")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "Cap executed steps for this session")
	cmd.Flags().StringVar(&approve, "approve", "prompt", "Approval mode: auto, deny, or prompt")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the final session as JSON")
	cmd.Flags().BoolVar(&events, "events", false, "Echo journal events while the session runs")
	return cmd
}
