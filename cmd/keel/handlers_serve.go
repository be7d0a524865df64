package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/keel/internal/api"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

func runServe(cmd *cobra.Command, configPath, approve string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	if approve != "auto" && approve != "deny" {
		return fmt.Errorf("invalid --approve value %q (serve supports auto or deny)", approve)
	}
	prompter, err := buildPrompter(approve, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	app, err := buildApp(cfg, prompter, true)
	if err != nil {
		return err
	}

	app.logger.Info("starting keel server",
		"version", version,
		"commit", commit,
		"data_dir", cfg.DataDir,
		"planner", cfg.Planner.Provider,
	)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.scheduler.Start(ctx); err != nil {
		app.Close(context.Background())
		return fmt.Errorf("start scheduler: %w", err)
	}

	server, err := api.New(api.Config{
		Addr:      cfg.Server.Addr(),
		Tasks:     app.kernel,
		Sessions:  app.store,
		Events:    app.journal,
		Schedules: app.scheduler,
		Lessons:   app.lessons,
		Submit:    app.submitOptions(),
	},
		api.WithLogger(app.logger),
		api.WithMetrics(app.metrics),
		api.WithTracer(app.tracer))
	if err != nil {
		app.Close(context.Background())
		return err
	}
	if err := server.Start(ctx); err != nil {
		app.Close(context.Background())
		return err
	}
	app.logger.Info("keel server started", "addr", server.Addr())

	<-ctx.Done()
	app.logger.Info("shutdown signal received")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer shutCancel()
	if err := server.Shutdown(shutCtx); err != nil {
		app.logger.Warn("api shutdown failed", "error", err)
	}
	app.Close(shutCtx)
	app.logger.Info("keel server stopped")
	return nil
}
