package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/keel/pkg/models"
)

// =============================================================================
// Sessions Command Handlers
// =============================================================================

func runSessionsList(cmd *cobra.Command, configPath, server, status string, limit, offset int) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	client := newAPIClient(serverURL(server, cfg))

	query := url.Values{}
	if status != "" {
		query.Set("status", status)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		query.Set("offset", strconv.Itoa(offset))
	}
	path := "/v1/sessions"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var resp struct {
		Sessions []models.Session `json:"sessions"`
		Count    int              `json:"count"`
	}
	if err := client.getJSON(cmd.Context(), path, &resp); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(resp.Sessions) == 0 {
		fmt.Fprintln(out, "No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tMODE\tTASK\tUPDATED")
	for _, s := range resp.Sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.SessionID, s.Status, s.Mode, truncate(s.Task.Text, 48),
			s.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runSessionsGet(cmd *cobra.Command, configPath, server, id string, withEvents bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	client := newAPIClient(serverURL(server, cfg))

	var sess models.Session
	if err := client.getJSON(cmd.Context(), "/v1/sessions/"+id, &sess); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	raw, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(raw))

	if !withEvents {
		return nil
	}
	var resp struct {
		Events []models.Event `json:"events"`
		Count  int            `json:"count"`
	}
	if err := client.getJSON(cmd.Context(), "/v1/sessions/"+id+"/events", &resp); err != nil {
		return err
	}
	for _, ev := range resp.Events {
		fmt.Fprintln(out, eventLine(ev))
	}
	return nil
}

func runSessionsAbort(cmd *cobra.Command, configPath, server, id string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	client := newAPIClient(serverURL(server, cfg))

	var resp struct {
		SessionID string `json:"session_id"`
		Status    string `json:"status"`
	}
	if err := client.postJSON(cmd.Context(), "/v1/sessions/"+id+"/abort", nil, &resp); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "session %s %s\n", resp.SessionID, resp.Status)
	return nil
}

// truncate shortens s to max runes, appending an ellipsis when cut.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}
