// Package kernel orchestrates sessions. It owns the session state machine,
// drives the plan/execute loop, enforces limits, and is the only component
// that emits session lifecycle events. Everything else (runtime, planner,
// permissions, memory) is injected as a capability interface.
package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/keel/internal/backoff"
	"github.com/haasonsaas/keel/internal/observability"
	"github.com/haasonsaas/keel/internal/planner"
	"github.com/haasonsaas/keel/internal/registry"
	"github.com/haasonsaas/keel/internal/runtime"
	"github.com/haasonsaas/keel/internal/sessions"
	"github.com/haasonsaas/keel/internal/state"
	"github.com/haasonsaas/keel/pkg/models"
)

const (
	// DefaultPlannerTimeout bounds a single planner call.
	DefaultPlannerTimeout = 60 * time.Second

	// DefaultAgenticIterations caps agentic sessions that set no explicit
	// max_iterations limit.
	DefaultAgenticIterations = 10

	// memorySearchLimit is how many lessons are retrieved per session.
	memorySearchLimit = 5

	// maxFindings bounds the accumulated findings digest; older lines are
	// folded away once the budget assessor triggers a summarize.
	maxFindings = 40
)

// Journal is the event sink. *journal.Journal satisfies it.
type Journal interface {
	Append(ctx context.Context, typ models.EventType, sessionID string, payload map[string]any) (models.Event, error)
}

// StepRunner executes a single step attempt. *runtime.Runtime satisfies it.
type StepRunner interface {
	Run(ctx context.Context, req runtime.RunRequest) models.StepResult
	ResetSession(sessionID string)
}

// Catalog exposes the tool surface handed to the planner.
// *registry.Registry satisfies it.
type Catalog interface {
	SchemasForPlanner() []registry.PlannerSchema
}

// PermissionManager is the session-scoped slice of the permission engine the
// kernel needs: seeding pre-grants and releasing session state at terminal
// transitions. *permissions.Engine satisfies it.
type PermissionManager interface {
	PreGrant(sessionID string, scopes []string)
	ResolveSession(sessionID string)
}

// LessonStore is the cross-session memory surface. *memory.Store satisfies
// it.
type LessonStore interface {
	Search(taskText string, toolNames []string, limit int) ([]models.Lesson, error)
	Append(lesson models.Lesson) (models.Lesson, error)
}

// ContextBudget configures the agentic context-pressure check. Zero value
// disables it.
type ContextBudget struct {
	// WindowTokens is the model context window the session budgets against.
	WindowTokens int64

	// Fraction of the window at which summarization triggers. Defaults to
	// 0.8 when WindowTokens is set.
	Fraction float64
}

// Enabled reports whether the budget check runs.
func (b ContextBudget) Enabled() bool {
	return b.WindowTokens > 0
}

func (b ContextBudget) threshold() int64 {
	fraction := b.Fraction
	if fraction <= 0 || fraction > 1 {
		fraction = 0.8
	}
	return int64(float64(b.WindowTokens) * fraction)
}

// Config wires the kernel's collaborators. Journal, Catalog, Runtime, and
// Planner are required; the rest degrade gracefully when absent.
type Config struct {
	Journal     Journal
	Catalog     Catalog
	Runtime     StepRunner
	Planner     planner.Planner
	Permissions PermissionManager
	Memory      LessonStore
	Sessions    sessions.Store

	// Limits are the session defaults applied when SubmitOptions carries
	// none. Zero fields mean unlimited.
	Limits models.Limits

	// PlannerTimeout bounds each planner call. Defaults to
	// DefaultPlannerTimeout.
	PlannerTimeout time.Duration

	// PlanMaxSteps caps the steps a single plan may carry, independent of
	// the session's max_steps execution limit. 0 leaves it to the planner.
	PlanMaxSteps int

	// CheckpointDir enables durable checkpoint files between agentic
	// iterations. Empty disables file checkpoints; the session.checkpoint
	// event is emitted regardless.
	CheckpointDir string

	// Budget enables the agentic context-pressure check.
	Budget ContextBudget
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithLogger sets the slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(k *Kernel) { k.logger = logger }
}

// WithNow injects the clock.
func WithNow(now func() time.Time) Option {
	return func(k *Kernel) { k.now = now }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(k *Kernel) { k.metrics = m }
}

// WithTracer attaches OpenTelemetry spans to sessions, planner calls, and
// steps.
func WithTracer(t *observability.Tracer) Option {
	return func(k *Kernel) { k.tracer = t }
}

// WithRetryPolicy overrides the step retry backoff policy.
func WithRetryPolicy(p backoff.Policy) Option {
	return func(k *Kernel) { k.retry = p }
}

// SubmitOptions tune one session.
type SubmitOptions struct {
	// Mode selects dispatch: real, dry_run, or mock. Defaults to real.
	Mode models.RunMode

	// Agentic enables the multi-iteration planning loop.
	Agentic bool

	// Limits override the kernel defaults when non-nil.
	Limits *models.Limits

	// Policy is the session's permission policy profile.
	Policy models.PolicyProfile

	// PreGrants are scope strings granted for the whole session up front.
	PreGrants []string

	// SubmittedBy labels the task's origin ("cli", "api", "scheduler:<id>").
	SubmittedBy string
}

// sessionRun is the kernel's in-flight record of one session.
type sessionRun struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	state  *state.TaskState

	// firstIteration is 1 for fresh sessions, checkpoint+1 for resumed ones.
	firstIteration int

	mu            sync.Mutex
	session       *models.Session
	aborted       bool
	stepsExecuted int
	planDigests   []planner.PlanDigest
	outcomes      []planner.StepOutcome
	findings      []string
	lessons       []models.Lesson
}

func (sr *sessionRun) isAborted() bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.aborted
}

func (sr *sessionRun) snapshotSession() *models.Session {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.session.Clone()
}

// Kernel runs sessions.
type Kernel struct {
	journal     Journal
	catalog     Catalog
	runtime     StepRunner
	planner     planner.Planner
	permissions PermissionManager
	memory      LessonStore
	store       sessions.Store

	defaults       models.Limits
	plannerTimeout time.Duration
	planMaxSteps   int
	checkpointDir  string
	budget         ContextBudget

	logger  *slog.Logger
	now     func() time.Time
	metrics *observability.Metrics
	tracer  *observability.Tracer
	retry   backoff.Policy
	working *state.WorkingMemory

	mu   sync.Mutex
	runs map[string]*sessionRun
}

// New creates a Kernel. Journal, Catalog, Runtime, and Planner are required;
// Sessions defaults to an in-memory store.
func New(cfg Config, opts ...Option) (*Kernel, error) {
	if cfg.Journal == nil {
		return nil, fmt.Errorf("kernel: journal is required")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("kernel: tool catalog is required")
	}
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("kernel: runtime is required")
	}
	if cfg.Planner == nil {
		return nil, fmt.Errorf("kernel: planner is required")
	}
	store := cfg.Sessions
	if store == nil {
		store = sessions.NewMemoryStore()
	}
	timeout := cfg.PlannerTimeout
	if timeout <= 0 {
		timeout = DefaultPlannerTimeout
	}

	k := &Kernel{
		journal:        cfg.Journal,
		catalog:        cfg.Catalog,
		runtime:        cfg.Runtime,
		planner:        cfg.Planner,
		permissions:    cfg.Permissions,
		memory:         cfg.Memory,
		store:          store,
		defaults:       cfg.Limits,
		plannerTimeout: timeout,
		planMaxSteps:   cfg.PlanMaxSteps,
		checkpointDir:  cfg.CheckpointDir,
		budget:         cfg.Budget,
		logger:         slog.Default().With("component", "kernel"),
		now:            time.Now,
		retry:          backoff.Step(),
		working:        state.NewWorkingMemory(0),
		runs:           make(map[string]*sessionRun),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k, nil
}

// WorkingMemory exposes the kernel's per-session scratch store, for tool
// handlers and the API layer.
func (k *Kernel) WorkingMemory() *state.WorkingMemory {
	return k.working
}

// Submit creates a session and starts its loop in a goroutine. The returned
// session is a snapshot taken at creation.
func (k *Kernel) Submit(ctx context.Context, text string, opts SubmitOptions) (*models.Session, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("kernel: task text is required")
	}
	mode := opts.Mode
	if mode == "" {
		mode = models.ModeReal
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("kernel: invalid run mode %q", mode)
	}

	now := k.now().UTC()
	session := &models.Session{
		SessionID: uuid.NewString(),
		Task: models.Task{
			TaskID:      uuid.NewString(),
			Text:        text,
			CreatedAt:   now,
			SubmittedBy: opts.SubmittedBy,
		},
		Mode:      mode,
		Status:    models.SessionCreated,
		Agentic:   opts.Agentic,
		CreatedAt: now,
		UpdatedAt: now,
		Limits:    k.resolveLimits(opts),
		Policy:    opts.Policy.Clone(),
	}

	if err := k.store.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("kernel: persist session: %w", err)
	}
	k.emit(ctx, models.EventSessionCreated, session.SessionID, models.SessionEventPayload{
		Task:   session.Task.Text,
		Mode:   string(session.Mode),
		Status: string(session.Status),
	})
	if k.permissions != nil && len(opts.PreGrants) > 0 {
		k.permissions.PreGrant(session.SessionID, opts.PreGrants)
	}
	if k.metrics != nil {
		k.metrics.SessionStarted(string(session.Mode))
	}

	sr := k.register(session, 1, nil)
	go k.run(sr)

	k.logger.Info("session submitted",
		"session_id", session.SessionID,
		"mode", session.Mode,
		"agentic", session.Agentic)
	return session.Clone(), nil
}

// register installs a run record for a session about to start its loop.
func (k *Kernel) register(session *models.Session, firstIteration int, restored *sessionRun) *sessionRun {
	runCtx, cancel := context.WithCancel(context.Background())
	sr := &sessionRun{
		id:             session.SessionID,
		ctx:            runCtx,
		cancel:         cancel,
		done:           make(chan struct{}),
		state:          state.NewTaskState(session.SessionID),
		firstIteration: firstIteration,
		session:        session,
	}
	if restored != nil {
		sr.stepsExecuted = restored.stepsExecuted
		sr.planDigests = restored.planDigests
		sr.outcomes = restored.outcomes
		sr.findings = restored.findings
	}
	k.mu.Lock()
	k.runs[session.SessionID] = sr
	k.mu.Unlock()
	return sr
}

// resolveLimits merges submit-time limits over the kernel defaults and
// applies the iteration floor.
func (k *Kernel) resolveLimits(opts SubmitOptions) models.Limits {
	limits := k.defaults
	if opts.Limits != nil {
		limits = *opts.Limits
	}
	if limits.MaxIterations <= 0 {
		if opts.Agentic {
			limits.MaxIterations = DefaultAgenticIterations
		} else {
			limits.MaxIterations = 1
		}
	}
	return limits
}

// Run submits the task and blocks until the session reaches a terminal
// status.
func (k *Kernel) Run(ctx context.Context, text string, opts SubmitOptions) (*models.Session, error) {
	session, err := k.Submit(ctx, text, opts)
	if err != nil {
		return nil, err
	}
	return k.Wait(ctx, session.SessionID)
}

// Wait blocks until the session terminates and returns its final record.
// Sessions that already finished are served from the store.
func (k *Kernel) Wait(ctx context.Context, sessionID string) (*models.Session, error) {
	k.mu.Lock()
	sr := k.runs[sessionID]
	k.mu.Unlock()

	if sr == nil {
		session, err := k.store.Get(ctx, sessionID)
		if err != nil {
			return nil, ErrSessionNotFound
		}
		return session, nil
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-sr.done:
	}
	return sr.snapshotSession(), nil
}

// Abort cancels an active session. Valid only from planning or running; the
// in-flight step is given the runtime's grace window to observe cancellation
// and pending permission prompts resolve as deny.
func (k *Kernel) Abort(sessionID string) error {
	k.mu.Lock()
	sr := k.runs[sessionID]
	k.mu.Unlock()
	if sr == nil {
		if session, err := k.store.Get(context.Background(), sessionID); err == nil {
			return fmt.Errorf("%w: session is %s", ErrNotAbortable, session.Status)
		}
		return ErrSessionNotFound
	}

	sr.mu.Lock()
	status := sr.session.Status
	if status != models.SessionPlanning && status != models.SessionRunning {
		sr.mu.Unlock()
		return fmt.Errorf("%w: session is %s", ErrNotAbortable, status)
	}
	sr.aborted = true
	sr.mu.Unlock()

	sr.cancel()
	k.logger.Info("session abort requested", "session_id", sessionID)
	return nil
}

// Session returns the stored record for a session.
func (k *Kernel) Session(ctx context.Context, sessionID string) (*models.Session, error) {
	session, err := k.store.Get(ctx, sessionID)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Snapshot returns the live task state for an active session.
func (k *Kernel) Snapshot(sessionID string) (state.Snapshot, bool) {
	k.mu.Lock()
	sr := k.runs[sessionID]
	k.mu.Unlock()
	if sr == nil {
		return state.Snapshot{}, false
	}
	return sr.state.Snapshot(), true
}

// Active returns the IDs of sessions whose loops are still running.
func (k *Kernel) Active() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	ids := make([]string, 0, len(k.runs))
	for id := range k.runs {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown aborts every active session and waits for their loops to drain,
// bounded by ctx.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.mu.Lock()
	active := make([]*sessionRun, 0, len(k.runs))
	for _, sr := range k.runs {
		active = append(active, sr)
	}
	k.mu.Unlock()

	for _, sr := range active {
		sr.mu.Lock()
		if !sr.session.Status.IsTerminal() {
			sr.aborted = true
		}
		sr.mu.Unlock()
		sr.cancel()
	}
	for _, sr := range active {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sr.done:
		}
	}
	return nil
}

// transition moves the session to next under the state-machine guard,
// persists the record, and returns the updated snapshot.
func (k *Kernel) transition(sr *sessionRun, next models.SessionStatus) (*models.Session, error) {
	sr.mu.Lock()
	current := sr.session.Status
	if !current.CanTransitionTo(next) {
		sr.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}
	sr.session.Status = next
	sr.session.UpdatedAt = k.now().UTC()
	snapshot := sr.session.Clone()
	sr.mu.Unlock()

	k.persist(snapshot)
	return snapshot, nil
}

// persist writes the session snapshot to the store. Store failures are
// logged, not fatal: the journal remains the source of truth.
func (k *Kernel) persist(session *models.Session) {
	if err := k.store.Update(context.Background(), session); err != nil {
		k.logger.Warn("session store update failed",
			"session_id", session.SessionID, "error", err)
	}
}

// emit appends a journal event, logging failures. Journal appends use a
// background context so a canceled session context cannot lose its own
// terminal event.
func (k *Kernel) emit(ctx context.Context, typ models.EventType, sessionID string, payload any) {
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	if _, err := k.journal.Append(ctx, typ, sessionID, models.PayloadMap(payload)); err != nil {
		k.logger.Warn("journal append failed",
			"type", typ, "session_id", sessionID, "error", err)
	}
}
