// Package config loads the keel configuration file: YAML with environment
// variable expansion, strict field checking, defaults, and validation. A JSON
// schema for the file is generated from the Config struct via
// invopop/jsonschema and served by `keel config schema`.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/keel/pkg/models"
)

// Config is the root of the keel configuration file.
type Config struct {
	// DataDir roots every durable store: journal, schedules, lessons,
	// session index, checkpoints, and the tool manifest directory.
	DataDir string `yaml:"data_dir"`

	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Planner     PlannerConfig     `yaml:"planner"`
	Runtime     RuntimeConfig     `yaml:"runtime"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Session     SessionConfig     `yaml:"session"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Memory      MemoryConfig      `yaml:"memory"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// ServerConfig configures the event-stream API server.
type ServerConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	ShutdownTimeoutMs int64  `yaml:"shutdown_timeout_ms"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ShutdownTimeout returns the graceful shutdown bound.
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutMs) * time.Millisecond
}

// LoggingConfig configures the process-wide slog logger.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// PlannerConfig selects and configures the plan provider.
type PlannerConfig struct {
	// Provider is one of "mock", "anthropic", "openai".
	Provider string `yaml:"provider"`

	// Model overrides the adapter's default model.
	Model string `yaml:"model"`

	// APIKey is usually supplied via env expansion, e.g. ${ANTHROPIC_API_KEY}.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the API endpoint (openai-compatible gateways).
	BaseURL string `yaml:"base_url"`

	// MaxTokens caps each planner response.
	MaxTokens int64 `yaml:"max_tokens"`
}

// RuntimeConfig configures tool dispatch and the built-in tools.
type RuntimeConfig struct {
	// Workspace roots the files and exec tools. Defaults to the working
	// directory.
	Workspace string `yaml:"workspace"`

	// ManifestDir holds extra tool manifests loaded at startup. Empty means
	// only the built-ins.
	ManifestDir string `yaml:"manifest_dir"`

	// WatchManifests enables fsnotify hot reload of ManifestDir.
	WatchManifests bool `yaml:"watch_manifests"`

	StepTimeoutMs  int64 `yaml:"step_timeout_ms"`
	MaxReadBytes   int   `yaml:"max_read_bytes"`
	MaxWriteBytes  int   `yaml:"max_write_bytes"`
	MaxOutputBytes int   `yaml:"max_output_bytes"`
	MaxFetchBytes  int   `yaml:"max_fetch_bytes"`
}

// StepTimeout returns the per-step dispatch bound.
func (r RuntimeConfig) StepTimeout() time.Duration {
	return time.Duration(r.StepTimeoutMs) * time.Millisecond
}

// SchedulerConfig configures the durable job engine.
type SchedulerConfig struct {
	TickIntervalMs    int64 `yaml:"tick_interval_ms"`
	MaxConcurrentJobs int   `yaml:"max_concurrent_jobs"`
	MissedGraceMs     int64 `yaml:"missed_grace_ms"`
	CatchupCap        int   `yaml:"catchup_cap"`
	JobTimeoutMs      int64 `yaml:"job_timeout_ms"`
}

// TickInterval returns the scan cadence.
func (s SchedulerConfig) TickInterval() time.Duration {
	return time.Duration(s.TickIntervalMs) * time.Millisecond
}

// MissedGrace returns the window after which a due recurring run counts as
// missed.
func (s SchedulerConfig) MissedGrace() time.Duration {
	return time.Duration(s.MissedGraceMs) * time.Millisecond
}

// JobTimeout returns the per-job execution bound.
func (s SchedulerConfig) JobTimeout() time.Duration {
	return time.Duration(s.JobTimeoutMs) * time.Millisecond
}

// SessionConfig holds the default session limits and mode.
type SessionConfig struct {
	// Mode is the default run mode: "real", "dry_run", or "mock".
	Mode string `yaml:"mode"`

	// Agentic enables the multi-iteration planning loop by default.
	Agentic bool `yaml:"agentic"`

	MaxSteps      int     `yaml:"max_steps"`
	MaxIterations int     `yaml:"max_iterations"`
	MaxDurationMs int64   `yaml:"max_duration_ms"`
	MaxTokens     int64   `yaml:"max_tokens"`
	MaxCostUSD    float64 `yaml:"max_cost_usd"`
}

// Limits maps the section onto the session limit model.
func (s SessionConfig) Limits() models.Limits {
	return models.Limits{
		MaxSteps:      s.MaxSteps,
		MaxIterations: s.MaxIterations,
		MaxDurationMs: s.MaxDurationMs,
		MaxTokens:     s.MaxTokens,
		MaxCostUSD:    s.MaxCostUSD,
	}
}

// PermissionsConfig configures the permission engine and the default policy
// profile applied to sessions.
type PermissionsConfig struct {
	ApprovalTimeoutMs int64 `yaml:"approval_timeout_ms"`

	// PreGrants are scope strings granted to every session up front.
	PreGrants []string `yaml:"pre_grants"`

	Policy PolicyConfig `yaml:"policy"`
}

// ApprovalTimeout returns how long a pending approval prompt may wait.
func (p PermissionsConfig) ApprovalTimeout() time.Duration {
	return time.Duration(p.ApprovalTimeoutMs) * time.Millisecond
}

// PolicyConfig is the yaml shape of the hard session policy. Each list mixes
// two kinds of entry: scope area labels ("workspace", "public", globs) that
// the permission gate matches before dispatch, and concrete values (absolute
// paths, URL prefixes, command names) that the built-in tool handlers enforce
// on the actual resource. An empty list leaves its category unrestricted.
type PolicyConfig struct {
	AllowedPaths             []string `yaml:"allowed_paths"`
	AllowedEndpoints         []string `yaml:"allowed_endpoints"`
	AllowedCommands          []string `yaml:"allowed_commands"`
	RequireApprovalForWrites bool     `yaml:"require_approval_for_writes"`
}

// Profile maps the section onto the policy model.
func (p PolicyConfig) Profile() models.PolicyProfile {
	return models.PolicyProfile{
		AllowedPaths:             append([]string(nil), p.AllowedPaths...),
		AllowedEndpoints:         append([]string(nil), p.AllowedEndpoints...),
		AllowedCommands:          append([]string(nil), p.AllowedCommands...),
		RequireApprovalForWrites: p.RequireApprovalForWrites,
	}
}

// MemoryConfig configures the lesson store.
type MemoryConfig struct {
	MaxLessons int `yaml:"max_lessons"`
}

// TracingConfig configures OTel export. An empty endpoint disables tracing.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads path, expands environment variables, and decodes it strictly:
// unknown fields are errors. Defaults are applied before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("config: parse %s: expected a single document", path)
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = ".keel"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeoutMs == 0 {
		cfg.Server.ShutdownTimeoutMs = 10000
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Planner.Provider == "" {
		cfg.Planner.Provider = "mock"
	}
	if cfg.Planner.MaxTokens == 0 {
		cfg.Planner.MaxTokens = 4096
	}
	if cfg.Runtime.Workspace == "" {
		cfg.Runtime.Workspace = "."
	}
	if cfg.Runtime.StepTimeoutMs == 0 {
		cfg.Runtime.StepTimeoutMs = 30000
	}
	if cfg.Scheduler.TickIntervalMs == 0 {
		cfg.Scheduler.TickIntervalMs = 60000
	}
	if cfg.Scheduler.MaxConcurrentJobs == 0 {
		cfg.Scheduler.MaxConcurrentJobs = 5
	}
	if cfg.Scheduler.MissedGraceMs == 0 {
		cfg.Scheduler.MissedGraceMs = 120000
	}
	if cfg.Scheduler.CatchupCap == 0 {
		cfg.Scheduler.CatchupCap = 10
	}
	if cfg.Scheduler.JobTimeoutMs == 0 {
		cfg.Scheduler.JobTimeoutMs = 60000
	}
	if cfg.Session.Mode == "" {
		cfg.Session.Mode = "real"
	}
	if cfg.Session.MaxSteps == 0 {
		cfg.Session.MaxSteps = 20
	}
	if cfg.Session.MaxIterations == 0 {
		cfg.Session.MaxIterations = 5
	}
	if cfg.Permissions.ApprovalTimeoutMs == 0 {
		cfg.Permissions.ApprovalTimeoutMs = 120000
	}
	if cfg.Memory.MaxLessons == 0 {
		cfg.Memory.MaxLessons = 1000
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}

// Validate checks field values after defaults. It returns the first problem
// found, named by its yaml path.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config: logging.format %q is not one of json, text", c.Logging.Format)
	}
	switch c.Planner.Provider {
	case "mock":
	case "anthropic", "openai":
		if c.Planner.APIKey == "" {
			return fmt.Errorf("config: planner.api_key is required for provider %q", c.Planner.Provider)
		}
	default:
		return fmt.Errorf("config: planner.provider %q is not one of mock, anthropic, openai", c.Planner.Provider)
	}
	switch models.RunMode(c.Session.Mode) {
	case models.ModeReal, models.ModeDryRun, models.ModeMock:
	default:
		return fmt.Errorf("config: session.mode %q is not one of real, dry_run, mock", c.Session.Mode)
	}
	if c.Scheduler.MaxConcurrentJobs < 1 {
		return fmt.Errorf("config: scheduler.max_concurrent_jobs must be positive")
	}
	if c.Scheduler.CatchupCap < 1 {
		return fmt.Errorf("config: scheduler.catchup_cap must be positive")
	}
	if c.Memory.MaxLessons < 1 {
		return fmt.Errorf("config: memory.max_lessons must be positive")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("config: tracing.sampling_rate %v out of [0, 1]", c.Tracing.SamplingRate)
	}
	return nil
}

// Mode returns the default run mode as the model type.
func (c *Config) Mode() models.RunMode {
	return models.RunMode(c.Session.Mode)
}

// JournalPath is the hash-chained event log file.
func (c *Config) JournalPath() string {
	return filepath.Join(c.DataDir, "journal.jsonl")
}

// SchedulesPath is the schedule store file.
func (c *Config) SchedulesPath() string {
	return filepath.Join(c.DataDir, "schedules.jsonl")
}

// LessonsPath is the lesson store file.
func (c *Config) LessonsPath() string {
	return filepath.Join(c.DataDir, "lessons.jsonl")
}

// SessionsDBPath is the SQLite session index.
func (c *Config) SessionsDBPath() string {
	return filepath.Join(c.DataDir, "sessions.db")
}

// CheckpointDir holds agentic session checkpoints.
func (c *Config) CheckpointDir() string {
	return filepath.Join(c.DataDir, "checkpoints")
}

// EnsureDataDir creates the data directory tree.
func (c *Config) EnsureDataDir() error {
	for _, dir := range []string{c.DataDir, c.CheckpointDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	return nil
}
