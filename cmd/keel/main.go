// Package main provides the CLI entry point for the keel agent runtime.
//
// Keel executes agent task sessions deterministically: every state change is
// appended to a hash-chained journal, tool calls run through a permission
// engine, and schedules fire durable background sessions.
//
// # Basic Usage
//
// Run a single task to completion:
//
//	keel run "summarize the files in ./docs" --mode real
//
// Start the API server with the scheduler:
//
//	keel serve --config keel.yaml
//
// Inspect the journal:
//
//	keel journal verify
//	keel journal tail -n 50
//
// # Environment Variables
//
//   - KEEL_CONFIG: Path to configuration file (default: keel.yaml if present)
//   - ANTHROPIC_API_KEY: Anthropic API key, usually referenced from the
//     config file as ${ANTHROPIC_API_KEY}
//   - OPENAI_API_KEY: OpenAI API key for the openai planner provider
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	// Structured logging with JSON output; handlers built from the config
	// replace this once a command loads one.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "keel",
		Short: "Keel - deterministic agent runtime",
		Long: `Keel runs agent task sessions with a replayable event journal.

Sessions plan with an LLM (or a deterministic mock), execute tool steps
under a permission engine, and record every transition in a hash-chained
journal. A durable scheduler fires recurring sessions, and the serve
command exposes the runtime over HTTP and WebSocket.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildServeCmd(),
		buildJournalCmd(),
		buildScheduleCmd(),
		buildSessionsCmd(),
		buildLessonsCmd(),
		buildToolsCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "keel %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
