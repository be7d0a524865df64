package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/keel/pkg/models"
)

// =============================================================================
// Run Command Handler
// =============================================================================

type runFlags struct {
	configPath string
	mode       string
	agentic    bool
	agenticSet bool
	maxSteps   int
	approve    string
	asJSON     bool
	events     bool
}

// closeTimeout bounds app teardown after a one-shot command.
const closeTimeout = 15 * time.Second

func runRun(cmd *cobra.Command, flags runFlags, task string) error {
	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return err
	}
	if flags.mode != "" && !models.RunMode(flags.mode).Valid() {
		return fmt.Errorf("invalid --mode %q (want real, dry_run, or mock)", flags.mode)
	}
	prompter, err := buildPrompter(flags.approve, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	app, err := buildApp(cfg, prompter, false)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		app.Close(closeCtx)
	}()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	submit := app.submitOptions()
	submit.SubmittedBy = "cli"
	if flags.mode != "" {
		submit.Mode = models.RunMode(flags.mode)
	}
	if flags.agenticSet {
		submit.Agentic = flags.agentic
	}
	if flags.maxSteps > 0 {
		limits := cfg.Session.Limits()
		limits.MaxSteps = flags.maxSteps
		submit.Limits = &limits
	}

	sess, err := app.kernel.Submit(ctx, task, submit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "session %s submitted (mode %s)\n", sess.SessionID, sess.Mode)

	if flags.events {
		unsubscribe := app.journal.Subscribe(func(ev models.Event) {
			if ev.SessionID == sess.SessionID {
				fmt.Fprintf(out, "  %-20s seq=%d\n", ev.Type, ev.Seq)
			}
		})
		defer unsubscribe()
	}

	final, err := app.kernel.Wait(ctx, sess.SessionID)
	if err != nil {
		if ctx.Err() == nil {
			return err
		}
		// Interrupted: abort the session and collect its terminal state so
		// the journal records a clean ending.
		fmt.Fprintf(out, "interrupt received, aborting session %s\n", sess.SessionID)
		if aerr := app.kernel.Abort(sess.SessionID); aerr != nil {
			return fmt.Errorf("abort session %s: %w", sess.SessionID, aerr)
		}
		waitCtx, waitCancel := context.WithTimeout(context.Background(), closeTimeout)
		defer waitCancel()
		final, err = app.kernel.Wait(waitCtx, sess.SessionID)
		if err != nil {
			return fmt.Errorf("session %s did not stop: %w", sess.SessionID, err)
		}
	}

	if flags.asJSON {
		raw, err := json.MarshalIndent(final, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(raw))
	} else {
		printSession(out, final)
	}

	if final.Status != models.SessionCompleted {
		if final.LastError != nil {
			return fmt.Errorf("session %s %s: %s", final.SessionID, final.Status, final.LastError.Message)
		}
		return fmt.Errorf("session %s %s", final.SessionID, final.Status)
	}
	return nil
}

// printSession writes the human-readable session summary.
func printSession(out io.Writer, sess *models.Session) {
	fmt.Fprintf(out, "status:      %s\n", sess.Status)
	fmt.Fprintf(out, "duration:    %s\n", sess.UpdatedAt.Sub(sess.CreatedAt).Round(time.Millisecond))
	fmt.Fprintf(out, "iterations:  %d\n", sess.PlanIteration)
	if sess.Usage.PlannerCalls > 0 {
		fmt.Fprintf(out, "usage:       %d in / %d out tokens, $%.4f, %d planner call(s)\n",
			sess.Usage.InputTokens, sess.Usage.OutputTokens, sess.Usage.CostUSD, sess.Usage.PlannerCalls)
	}
	if sess.LastError != nil {
		fmt.Fprintf(out, "error:       [%s] %s\n", sess.LastError.Code, sess.LastError.Message)
	}
}
