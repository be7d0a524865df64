// Package runtime executes plan steps against registered tool handlers.
// The pipeline is fixed: resolve the manifest, validate input, check
// permissions, check mode support, dispatch, validate output, journal the
// outcome. The runtime never retries; the kernel owns retry policy.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/keel/internal/permissions"
	"github.com/haasonsaas/keel/internal/registry"
	"github.com/haasonsaas/keel/pkg/models"
)

// DefaultStepTimeout applies when neither the step nor the manifest sets
// one.
const DefaultStepTimeout = 30 * time.Second

// handlerGracePeriod is how long a timed-out handler gets to notice
// cancellation before its eventual result is abandoned.
const handlerGracePeriod = 100 * time.Millisecond

// HandlerRequest is what a real-mode handler receives.
type HandlerRequest struct {
	Input       map[string]any
	Policy      models.PolicyProfile
	Constraints map[string]map[string]any // scope -> constraint structure
	Mode        models.RunMode
}

// Handler executes a tool in real mode. Handlers must honor ctx
// cancellation; a handler that ignores it has its result discarded after
// the grace period.
type Handler func(ctx context.Context, req HandlerRequest) (map[string]any, error)

// Journal is the event sink for tool.* events.
type Journal interface {
	Append(ctx context.Context, typ models.EventType, sessionID string, payload map[string]any) (models.Event, error)
}

// PermissionChecker resolves scopes for a step. *permissions.Engine
// satisfies it.
type PermissionChecker interface {
	Check(ctx context.Context, req permissions.CheckRequest) models.Decision
}

// RunRequest carries one step execution.
type RunRequest struct {
	SessionID string
	Step      models.Step
	Mode      models.RunMode
	Policy    models.PolicyProfile
	Attempt   int
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) { r.logger = logger }
}

// WithNow injects the clock.
func WithNow(now func() time.Time) Option {
	return func(r *Runtime) { r.now = now }
}

// WithDefaultTimeout overrides the fallback step timeout applied when
// neither the step nor the manifest sets one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

// Runtime dispatches steps to tool handlers.
type Runtime struct {
	registry       *registry.Registry
	permissions    PermissionChecker
	journal        Journal
	logger         *slog.Logger
	now            func() time.Time
	defaultTimeout time.Duration

	mu          sync.Mutex
	handlers    map[string]Handler
	mockCursors map[string]int // sessionID+"\x00"+tool -> next mock index
}

// New creates a Runtime bound to a registry, permission checker, and
// journal.
func New(reg *registry.Registry, perms PermissionChecker, journal Journal, opts ...Option) *Runtime {
	r := &Runtime{
		registry:       reg,
		permissions:    perms,
		journal:        journal,
		logger:         slog.Default().With("component", "runtime"),
		now:            time.Now,
		defaultTimeout: DefaultStepTimeout,
		handlers:       make(map[string]Handler),
		mockCursors:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterHandler binds a real-mode executable to a tool name, replacing
// any previous binding.
func (r *Runtime) RegisterHandler(name string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// ResetSession clears per-session dispatch state (the mock round-robin
// cursors). The kernel calls it when a session terminates.
func (r *Runtime) ResetSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := sessionID + "\x00"
	for key := range r.mockCursors {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(r.mockCursors, key)
		}
	}
}

// Run executes one step and always returns a StepResult; every failure is
// folded into {status: failed, error: {code, message}}.
func (r *Runtime) Run(ctx context.Context, req RunRequest) models.StepResult {
	started := r.now().UTC()
	attempt := req.Attempt
	if attempt <= 0 {
		attempt = 1
	}
	result := models.StepResult{
		StepID:    req.Step.StepID,
		StartedAt: started,
		Attempts:  attempt,
	}

	output, runErr := r.execute(ctx, req)
	result.FinishedAt = r.now().UTC()

	if runErr != nil {
		result.Status = models.StepFailed
		result.Error = ToErrorInfo(runErr)
		r.emitToolEvent(ctx, models.EventToolFailed, req, result, output)
		return result
	}

	result.Status = models.StepSucceeded
	result.Output = output
	r.emitToolEvent(ctx, models.EventToolSucceeded, req, result, nil)
	return result
}

// execute walks the dispatch pipeline and returns the validated output.
func (r *Runtime) execute(ctx context.Context, req RunRequest) (map[string]any, error) {
	name := req.Step.ToolRef.Name

	// 1. Resolve the manifest.
	manifest, ok := r.registry.Get(name)
	if !ok {
		return nil, NewToolError(CodeToolNotFound, name, "tool %q is not registered", name)
	}

	// 2. Validate input.
	if schema, ok := r.registry.InputSchema(name); ok {
		instance, err := registry.JSONInstance(req.Step.Input)
		if err != nil {
			return nil, NewToolError(CodeInvalidInput, name, "input not encodable: %v", err)
		}
		if err := schema.Validate(instance); err != nil {
			return nil, NewToolError(CodeInvalidInput, name, "input rejected: %v", err)
		}
	}

	// 3. Resolve permissions; any deny fails the step.
	constraints := make(map[string]map[string]any)
	for _, scope := range manifest.Permissions {
		decision := r.permissions.Check(ctx, permissions.CheckRequest{
			SessionID: req.SessionID,
			StepID:    req.Step.StepID,
			ToolName:  name,
			Scope:     scope,
			Policy:    req.Policy,
		})
		if !decision.Allowed() {
			return nil, NewToolError(CodePermissionDenied, name, "scope %q denied", scope)
		}
		if decision.Type == models.DecisionAllowConstrained && decision.Constraints != nil {
			constraints[scope] = decision.Constraints
		}
		if decision.Type == models.DecisionAllowObserved {
			r.logger.Info("observed grant",
				"tool", name, "scope", scope, "telemetry", decision.TelemetryLevel)
		}
	}

	// 4. Mode support.
	if !manifest.SupportsMode(req.Mode) {
		return nil, NewToolError(CodeModeUnsupported, name, "mode %q not supported", req.Mode)
	}
	var handler Handler
	if req.Mode == models.ModeReal {
		r.mu.Lock()
		handler = r.handlers[name]
		r.mu.Unlock()
		if handler == nil {
			return nil, NewToolError(CodeModeUnsupported, name, "no handler bound for real mode")
		}
	}

	r.emitStarted(ctx, req)

	// 5. Dispatch by mode.
	var output map[string]any
	var err error
	switch req.Mode {
	case models.ModeMock:
		output = r.nextMockResponse(req.SessionID, manifest)
	case models.ModeDryRun:
		output = map[string]any{
			"dry_run": true,
			"would":   fmt.Sprintf("invoke %s with %d input field(s)", name, len(req.Step.Input)),
			"input":   req.Step.Input,
		}
	case models.ModeReal:
		output, err = r.invokeHandler(ctx, req, manifest, handler, constraints)
	default:
		err = NewToolError(CodeModeUnsupported, name, "unknown mode %q", req.Mode)
	}
	if err != nil {
		return nil, WrapToolError(name, err)
	}

	// 6. Validate output. The dry_run envelope is synthetic and skips the
	// tool's own output schema.
	if req.Mode != models.ModeDryRun {
		if schema, ok := r.registry.OutputSchema(name); ok {
			instance, ierr := registry.JSONInstance(output)
			if ierr != nil {
				return output, NewToolError(CodeOutputInvalid, name, "output not encodable: %v", ierr)
			}
			if verr := schema.Validate(instance); verr != nil {
				return output, NewToolError(CodeOutputInvalid, name, "output rejected: %v", verr)
			}
		}
	}
	return output, nil
}

// invokeHandler runs the real handler under the step timeout.
func (r *Runtime) invokeHandler(ctx context.Context, req RunRequest, manifest models.ToolManifest, handler Handler, constraints map[string]map[string]any) (map[string]any, error) {
	timeout := r.defaultTimeout
	if manifest.TimeoutMs > 0 {
		timeout = time.Duration(manifest.TimeoutMs) * time.Millisecond
	}
	if req.Step.TimeoutMs > 0 {
		timeout = time.Duration(req.Step.TimeoutMs) * time.Millisecond
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type handlerResult struct {
		output map[string]any
		err    error
	}
	done := make(chan handlerResult, 1)
	go func() {
		output, err := handler(runCtx, HandlerRequest{
			Input:       req.Step.Input,
			Policy:      req.Policy,
			Constraints: constraints,
			Mode:        req.Mode,
		})
		done <- handlerResult{output: output, err: err}
	}()

	select {
	case res := <-done:
		return res.output, res.err
	case <-runCtx.Done():
	}

	// Give a cooperative handler a moment to observe cancellation; after
	// the grace period its eventual result is discarded.
	grace := time.NewTimer(handlerGracePeriod)
	defer grace.Stop()
	select {
	case res := <-done:
		if res.err != nil {
			return res.output, res.err
		}
	case <-grace.C:
	}

	name := req.Step.ToolRef.Name
	if ctx.Err() == context.Canceled {
		return nil, NewToolError(CodeAborted, name, "step canceled")
	}
	return nil, NewToolError(CodeTimedOut, name, "handler exceeded %s", timeout)
}

// nextMockResponse returns the session's next mock response for the tool,
// round-robin across the manifest's deterministic responses.
func (r *Runtime) nextMockResponse(sessionID string, manifest models.ToolManifest) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := sessionID + "\x00" + manifest.Name
	idx := r.mockCursors[key] % len(manifest.MockResponses)
	r.mockCursors[key]++
	return manifest.MockResponses[idx]
}

func (r *Runtime) emitStarted(ctx context.Context, req RunRequest) {
	r.appendEvent(ctx, models.EventToolStarted, req.SessionID, models.ToolEventPayload{
		StepID: req.Step.StepID,
		Tool:   req.Step.ToolRef.Name,
		Mode:   string(req.Mode),
	})
}

func (r *Runtime) emitToolEvent(ctx context.Context, typ models.EventType, req RunRequest, result models.StepResult, rawOutput map[string]any) {
	payload := models.ToolEventPayload{
		StepID:     req.Step.StepID,
		Tool:       req.Step.ToolRef.Name,
		Mode:       string(req.Mode),
		DurationMs: result.FinishedAt.Sub(result.StartedAt).Milliseconds(),
		Error:      result.Error,
	}
	if result.Error != nil && result.Error.Code == string(CodeOutputInvalid) {
		payload.RawOutput = rawOutput
	}
	r.appendEvent(ctx, typ, req.SessionID, payload)
}

func (r *Runtime) appendEvent(ctx context.Context, typ models.EventType, sessionID string, payload any) {
	if r.journal == nil {
		return
	}
	if _, err := r.journal.Append(ctx, typ, sessionID, models.PayloadMap(payload)); err != nil {
		r.logger.Warn("journal append failed", "type", typ, "error", err)
	}
}
