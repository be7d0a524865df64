package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/keel/internal/config"
	"github.com/haasonsaas/keel/internal/journal"
	"github.com/haasonsaas/keel/internal/kernel"
	"github.com/haasonsaas/keel/internal/memory"
	"github.com/haasonsaas/keel/internal/observability"
	"github.com/haasonsaas/keel/internal/permissions"
	"github.com/haasonsaas/keel/internal/planner"
	"github.com/haasonsaas/keel/internal/registry"
	"github.com/haasonsaas/keel/internal/runtime"
	"github.com/haasonsaas/keel/internal/scheduler"
	"github.com/haasonsaas/keel/internal/sessions"
	"github.com/haasonsaas/keel/internal/tools"
)

// defaultConfigFile is picked up from the working directory when neither
// --config nor KEEL_CONFIG names a file.
const defaultConfigFile = "keel.yaml"

// loadConfig resolves the configuration: an explicit path wins, then
// KEEL_CONFIG, then keel.yaml if it exists, then built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("KEEL_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		} else {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

// app bundles the wired runtime components behind one build/close pair. The
// scheduler is optional; one-shot commands skip it.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	tracerStop func(context.Context) error
	journal    *journal.Journal
	registry   *registry.Registry
	perms      *permissions.Engine
	runtime    *runtime.Runtime
	planner    planner.Planner
	store      sessions.Store
	lessons    *memory.Store
	kernel     *kernel.Kernel
	schedStore *scheduler.Store
	scheduler  *scheduler.Scheduler
}

// buildApp wires every component from the config. The prompter answers
// interactive permission requests; headless commands pass a static one.
func buildApp(cfg *config.Config, prompter permissions.Prompter, withScheduler bool) (a *app, err error) {
	a = &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	if err := cfg.EnsureDataDir(); err != nil {
		return a, err
	}

	a.logger = observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(a.logger)
	a.metrics = observability.NewMetrics()
	a.tracer, a.tracerStop = observability.NewTracer(observability.TraceConfig{
		ServiceName:    "keel",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})

	a.journal, err = journal.Open(cfg.JournalPath(), journal.WithLogger(a.logger))
	if err != nil {
		return a, err
	}

	a.registry = registry.New(registry.WithLogger(a.logger))
	a.perms = permissions.New(prompter, a.journal,
		permissions.WithLogger(a.logger),
		permissions.WithPromptTimeout(cfg.Permissions.ApprovalTimeout()))
	a.runtime = runtime.New(a.registry, a.perms, a.journal,
		runtime.WithLogger(a.logger),
		runtime.WithDefaultTimeout(cfg.Runtime.StepTimeout()))

	if err := tools.Register(a.registry, a.runtime, tools.Config{
		Workspace:      cfg.Runtime.Workspace,
		MaxReadBytes:   cfg.Runtime.MaxReadBytes,
		MaxWriteBytes:  cfg.Runtime.MaxWriteBytes,
		MaxOutputBytes: cfg.Runtime.MaxOutputBytes,
		MaxFetchBytes:  cfg.Runtime.MaxFetchBytes,
	}); err != nil {
		return a, err
	}
	if cfg.Runtime.ManifestDir != "" {
		n, err := a.registry.LoadFromDirectory(cfg.Runtime.ManifestDir)
		if err != nil {
			return a, err
		}
		a.logger.Info("loaded tool manifests", "dir", cfg.Runtime.ManifestDir, "count", n)
		if cfg.Runtime.WatchManifests {
			if err := a.registry.Watch(context.Background(), cfg.Runtime.ManifestDir); err != nil {
				return a, err
			}
		}
	}

	a.planner, err = buildPlanner(cfg, a.logger)
	if err != nil {
		return a, err
	}

	a.store, err = sessions.NewSQLiteStore(cfg.SessionsDBPath())
	if err != nil {
		return a, err
	}
	a.lessons, err = memory.Open(cfg.LessonsPath(),
		memory.WithLogger(a.logger),
		memory.WithMaxLessons(cfg.Memory.MaxLessons))
	if err != nil {
		return a, err
	}

	a.kernel, err = kernel.New(kernel.Config{
		Journal:       a.journal,
		Catalog:       a.registry,
		Runtime:       a.runtime,
		Planner:       a.planner,
		Permissions:   a.perms,
		Memory:        a.lessons,
		Sessions:      a.store,
		Limits:        cfg.Session.Limits(),
		CheckpointDir: cfg.CheckpointDir(),
	},
		kernel.WithLogger(a.logger),
		kernel.WithMetrics(a.metrics),
		kernel.WithTracer(a.tracer))
	if err != nil {
		return a, err
	}

	if withScheduler {
		a.schedStore, err = scheduler.OpenStore(cfg.SchedulesPath(),
			scheduler.WithStoreLogger(a.logger))
		if err != nil {
			return a, err
		}
		factory := func(ctx context.Context, taskText, scheduleID string) (scheduler.SessionRef, error) {
			opts := a.submitOptions()
			opts.SubmittedBy = "scheduler:" + scheduleID
			sess, err := a.kernel.Submit(ctx, taskText, opts)
			if err != nil {
				return scheduler.SessionRef{}, err
			}
			return scheduler.SessionRef{SessionID: sess.SessionID}, nil
		}
		a.scheduler, err = scheduler.New(a.schedStore, a.journal, factory,
			scheduler.WithTickInterval(cfg.Scheduler.TickInterval()),
			scheduler.WithMaxConcurrentJobs(cfg.Scheduler.MaxConcurrentJobs),
			scheduler.WithMissedGrace(cfg.Scheduler.MissedGrace()),
			scheduler.WithCatchupCap(cfg.Scheduler.CatchupCap),
			scheduler.WithJobTimeout(cfg.Scheduler.JobTimeout()),
			scheduler.WithLogger(a.logger),
			scheduler.WithMetrics(a.metrics))
		if err != nil {
			return a, err
		}
	}

	return a, nil
}

// submitOptions builds the config-derived defaults for a session submission.
// Callers override mode, limits, and SubmittedBy per command.
func (a *app) submitOptions() kernel.SubmitOptions {
	return kernel.SubmitOptions{
		Mode:      a.cfg.Mode(),
		Agentic:   a.cfg.Session.Agentic,
		Policy:    a.cfg.Permissions.Policy.Profile(),
		PreGrants: a.cfg.Permissions.PreGrants,
	}
}

// Close tears the app down in reverse dependency order. Safe on a partially
// built app.
func (a *app) Close(ctx context.Context) {
	if a.scheduler != nil {
		if err := a.scheduler.Stop(ctx); err != nil {
			slog.Warn("scheduler stop failed", "error", err)
		}
	}
	if a.kernel != nil {
		if err := a.kernel.Shutdown(ctx); err != nil {
			slog.Warn("kernel shutdown failed", "error", err)
		}
	}
	if a.registry != nil {
		a.registry.Close()
	}
	if a.schedStore != nil {
		a.schedStore.Close()
	}
	if a.lessons != nil {
		a.lessons.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.journal != nil {
		a.journal.Close()
	}
	if a.tracerStop != nil {
		if err := a.tracerStop(ctx); err != nil {
			slog.Warn("tracer shutdown failed", "error", err)
		}
	}
}

// buildPlanner constructs the configured plan provider.
func buildPlanner(cfg *config.Config, logger *slog.Logger) (planner.Planner, error) {
	switch cfg.Planner.Provider {
	case "mock":
		return &planner.MockPlanner{ToolName: "files.list"}, nil
	case "anthropic":
		opts := []planner.AnthropicOption{planner.WithAnthropicLogger(logger)}
		if cfg.Planner.Model != "" {
			opts = append(opts, planner.WithAnthropicModel(cfg.Planner.Model))
		}
		if cfg.Planner.MaxTokens > 0 {
			opts = append(opts, planner.WithAnthropicMaxTokens(cfg.Planner.MaxTokens))
		}
		return planner.NewAnthropicPlanner(cfg.Planner.APIKey, opts...)
	case "openai":
		opts := []planner.OpenAIOption{planner.WithOpenAILogger(logger)}
		if cfg.Planner.Model != "" {
			opts = append(opts, planner.WithOpenAIModel(cfg.Planner.Model))
		}
		if cfg.Planner.BaseURL != "" {
			clientCfg := openai.DefaultConfig(cfg.Planner.APIKey)
			clientCfg.BaseURL = cfg.Planner.BaseURL
			return planner.NewOpenAIPlannerWithClient(openai.NewClientWithConfig(clientCfg), opts...)
		}
		return planner.NewOpenAIPlanner(cfg.Planner.APIKey, opts...)
	default:
		return nil, fmt.Errorf("unknown planner provider %q", cfg.Planner.Provider)
	}
}
