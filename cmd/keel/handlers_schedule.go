package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/keel/pkg/models"
)

// =============================================================================
// Schedule Command Handlers
// =============================================================================

type scheduleCreateFlags struct {
	configPath     string
	server         string
	name           string
	task           string
	every          string
	cron           string
	at             string
	timezone       string
	maxFailures    int
	missedPolicy   string
	deleteAfterRun bool
	description    string
	tags           []string
}

// buildTrigger maps the mutually exclusive trigger flags onto a Trigger.
func (f scheduleCreateFlags) buildTrigger() (models.Trigger, error) {
	set := 0
	for _, v := range []string{f.every, f.cron, f.at} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return models.Trigger{}, fmt.Errorf("exactly one of --every, --cron, or --at is required")
	}
	switch {
	case f.every != "":
		return models.Trigger{Type: models.TriggerEvery, Interval: f.every}, nil
	case f.cron != "":
		return models.Trigger{Type: models.TriggerCron, Expression: f.cron, Timezone: f.timezone}, nil
	default:
		at, err := time.Parse(time.RFC3339, f.at)
		if err != nil {
			return models.Trigger{}, fmt.Errorf("parse --at: %w", err)
		}
		return models.Trigger{Type: models.TriggerAt, At: &at}, nil
	}
}

func runScheduleCreate(cmd *cobra.Command, flags scheduleCreateFlags) error {
	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return err
	}
	trigger, err := flags.buildTrigger()
	if err != nil {
		return err
	}

	payload := map[string]any{
		"name":    flags.name,
		"trigger": trigger,
		"action": models.Action{
			Type:     models.ActionCreateSession,
			TaskText: flags.task,
		},
		"options": models.ScheduleOptions{
			MaxFailures:    flags.maxFailures,
			MissedPolicy:   models.MissedPolicy(flags.missedPolicy),
			DeleteAfterRun: flags.deleteAfterRun,
			Description:    flags.description,
			Tags:           flags.tags,
		},
	}

	client := newAPIClient(serverURL(flags.server, cfg))
	var sched models.Schedule
	if err := client.postJSON(cmd.Context(), "/v1/schedules", payload, &sched); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "schedule %s created (%s)\n", sched.ScheduleID, sched.Name)
	if sched.NextRunAt != nil {
		fmt.Fprintf(out, "next run: %s\n", sched.NextRunAt.Format(time.RFC3339))
	}
	return nil
}

func runScheduleList(cmd *cobra.Command, configPath, server string, asJSON bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	client := newAPIClient(serverURL(server, cfg))

	var resp struct {
		Schedules []models.Schedule `json:"schedules"`
		Count     int               `json:"count"`
	}
	if err := client.getJSON(cmd.Context(), "/v1/schedules", &resp); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		raw, err := json.MarshalIndent(resp.Schedules, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(raw))
		return nil
	}
	if len(resp.Schedules) == 0 {
		fmt.Fprintln(out, "No schedules found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTRIGGER\tSTATUS\tRUNS\tNEXT RUN")
	for _, s := range resp.Schedules {
		next := "-"
		if s.NextRunAt != nil {
			next = s.NextRunAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			s.ScheduleID, s.Name, triggerSummary(s.Trigger), s.Status, s.RunCount, next)
	}
	return w.Flush()
}

// triggerSummary renders a trigger as a single table cell.
func triggerSummary(t models.Trigger) string {
	switch t.Type {
	case models.TriggerEvery:
		return "every " + t.Interval
	case models.TriggerCron:
		if t.Timezone != "" {
			return fmt.Sprintf("cron %q %s", t.Expression, t.Timezone)
		}
		return fmt.Sprintf("cron %q", t.Expression)
	case models.TriggerAt:
		if t.At != nil {
			return "at " + t.At.Format(time.RFC3339)
		}
		return "at"
	default:
		return string(t.Type)
	}
}

func runScheduleGet(cmd *cobra.Command, configPath, server, id string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	client := newAPIClient(serverURL(server, cfg))

	var sched models.Schedule
	if err := client.getJSON(cmd.Context(), "/v1/schedules/"+id, &sched); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(sched, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(raw))
	return nil
}

func runScheduleTransition(cmd *cobra.Command, configPath, server, id, verb string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	client := newAPIClient(serverURL(server, cfg))

	var sched models.Schedule
	if err := client.postJSON(cmd.Context(), "/v1/schedules/"+id+"/"+verb, nil, &sched); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "schedule %s is now %s\n", sched.ScheduleID, sched.Status)
	if sched.NextRunAt != nil {
		fmt.Fprintf(out, "next run: %s\n", sched.NextRunAt.Format(time.RFC3339))
	}
	return nil
}

func runScheduleDelete(cmd *cobra.Command, configPath, server, id string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	client := newAPIClient(serverURL(server, cfg))

	if err := client.delete(cmd.Context(), "/v1/schedules/"+id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schedule %s deleted\n", id)
	return nil
}
