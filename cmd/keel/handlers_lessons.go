package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/keel/internal/memory"
	"github.com/haasonsaas/keel/pkg/models"
)

// =============================================================================
// Lessons Command Handlers
// =============================================================================

func runLessonsList(cmd *cobra.Command, configPath, server string, asJSON bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	client := newAPIClient(serverURL(server, cfg))

	var resp struct {
		Lessons []models.Lesson `json:"lessons"`
		Count   int             `json:"count"`
	}
	if err := client.getJSON(cmd.Context(), "/v1/lessons", &resp); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		raw, err := json.MarshalIndent(resp.Lessons, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(raw))
		return nil
	}
	if len(resp.Lessons) == 0 {
		fmt.Fprintln(out, "No lessons found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOUTCOME\tHITS\tCREATED\tLESSON")
	for _, l := range resp.Lessons {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			l.LessonID, l.Outcome, l.RelevanceCount,
			l.CreatedAt.Format(time.RFC3339), truncate(l.Lesson, 64))
	}
	return w.Flush()
}

func runLessonsPrune(cmd *cobra.Command, configPath string, maxAge time.Duration) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return err
	}
	store, err := memory.Open(cfg.LessonsPath())
	if err != nil {
		return err
	}
	defer store.Close()

	removed, err := store.Prune(time.Now().Add(-maxAge))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pruned %d lesson(s) older than %s, %d remain\n",
		removed, maxAge, store.Len())
	return nil
}
