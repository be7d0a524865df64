package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Journal Commands
// =============================================================================

// buildJournalCmd creates the "journal" command group for the hash-chained
// event log.
func buildJournalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect and maintain the event journal",
		Long: `Inspect and maintain the hash-chained event journal.

The journal is the source of truth for every session: verify checks the
hash chain, tail prints recent events, and compact drops events from
finished sessions while keeping the chain valid.`,
	}
	cmd.AddCommand(
		buildJournalVerifyCmd(),
		buildJournalTailCmd(),
		buildJournalCompactCmd(),
	)
	return cmd
}

func buildJournalVerifyCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the journal hash chain",
		Long: `Verify re-reads the journal file and checks every event hash and link.
The file is opened read-only; nothing is repaired or truncated. Exits
non-zero when the chain is broken.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJournalVerify(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildJournalTailCmd() *cobra.Command {
	var (
		configPath string
		server     string
		sessionID  string
		n          int
		follow     bool
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print recent journal events",
		Long: `Tail prints the last events of the journal as JSON lines.

With --follow it streams live events from the running server over
WebSocket instead of reading the file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJournalTail(cmd, configPath, server, sessionID, n, follow)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&server, "server", "", "Base URL of a running server (default from config)")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "Only events for this session")
	cmd.Flags().IntVarP(&n, "lines", "n", 20, "Number of events to print")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream live events from the running server")
	return cmd
}

func buildJournalCompactCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Drop events from finished sessions",
		Long: `Compact rewrites the journal keeping only events from sessions that are
still running, plus scheduler and system events. A boundary event records
what was dropped and the chain stays verifiable.

Run compact while the server is stopped; it rewrites the journal file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJournalCompact(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}
