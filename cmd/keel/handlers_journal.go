package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/keel/internal/journal"
	"github.com/haasonsaas/keel/internal/sessions"
	"github.com/haasonsaas/keel/pkg/models"
)

// =============================================================================
// Journal Command Handlers
// =============================================================================

func runJournalVerify(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	report, err := journal.VerifyFile(cfg.JournalPath())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if report.Valid {
		fmt.Fprintf(out, "journal OK: %d event(s) verified\n", report.Checked)
		return nil
	}
	fmt.Fprintf(out, "journal BROKEN at seq %d (line %d): %s\n",
		report.BrokenAt, report.Line, report.Reason)
	return fmt.Errorf("journal integrity check failed")
}

func runJournalTail(cmd *cobra.Command, configPath, server, sessionID string, n int, follow bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if follow {
		return followEvents(cmd.Context(), serverURL(server, cfg), sessionID, out)
	}

	// Tailing must not create the journal as a side effect.
	if _, err := os.Stat(cfg.JournalPath()); os.IsNotExist(err) {
		fmt.Fprintln(out, "No events found.")
		return nil
	}
	j, err := journal.Open(cfg.JournalPath())
	if err != nil {
		return err
	}
	defer j.Close()

	events, err := j.ReadAll()
	if err != nil {
		return err
	}
	if sessionID != "" {
		filtered := events[:0]
		for _, ev := range events {
			if ev.SessionID == sessionID {
				filtered = append(filtered, ev)
			}
		}
		events = filtered
	}
	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	for _, ev := range events {
		fmt.Fprintln(out, eventLine(ev))
	}
	return nil
}

// followEvents streams the server's live event feed until interrupted.
func followEvents(ctx context.Context, base, sessionID string, out io.Writer) error {
	wsURL := "ws" + strings.TrimPrefix(strings.TrimRight(base, "/"), "http") + "/v1/events/ws"
	if sessionID != "" {
		wsURL += "?session_id=" + url.QueryEscape(sessionID)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w (is the server running?)", wsURL, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("event stream closed: %w", err)
		}
		fmt.Fprintln(out, string(data))
	}
}

func runJournalCompact(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return err
	}
	store, err := sessions.NewSQLiteStore(cfg.SessionsDBPath())
	if err != nil {
		return err
	}
	defer store.Close()

	j, err := journal.Open(cfg.JournalPath())
	if err != nil {
		return err
	}
	defer j.Close()

	ctx := cmd.Context()
	retain := func(id string) bool {
		sess, err := store.Get(ctx, id)
		if err != nil {
			// Not a session id: scheduler and system events always stay.
			return true
		}
		return !sess.Status.IsTerminal()
	}
	retained, dropped, err := j.Compact(retain)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "journal compacted: %d event(s) retained, %d dropped\n",
		retained, dropped)
	return nil
}

// eventLine is shared formatting for commands that print events.
func eventLine(ev models.Event) string {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Sprintf(`{"seq":%d,"type":%q}`, ev.Seq, ev.Type)
	}
	return string(raw)
}
