// Package permissions resolves capability scopes for tool executions. Every
// check walks the same ladder: hard policy gate, pre-grants, session cache,
// global cache, and finally the injected prompter with a timeout. Decisions
// are journaled as permission.* events.
package permissions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/keel/pkg/models"
)

// Prompter is the injected approval surface. Implementations must honor the
// context deadline; a slow or broken prompter degrades to deny, never to a
// hang.
type Prompter interface {
	Prompt(ctx context.Context, req models.PermissionRequest) (models.Decision, error)
}

// PrompterFunc adapts a function to the Prompter interface.
type PrompterFunc func(ctx context.Context, req models.PermissionRequest) (models.Decision, error)

// Prompt implements Prompter.
func (f PrompterFunc) Prompt(ctx context.Context, req models.PermissionRequest) (models.Decision, error) {
	return f(ctx, req)
}

// StaticPrompter always answers with a fixed decision. Useful for headless
// runs and tests.
type StaticPrompter struct {
	Decision models.Decision
}

// Prompt implements Prompter.
func (s StaticPrompter) Prompt(context.Context, models.PermissionRequest) (models.Decision, error) {
	return s.Decision, nil
}

// Journal is the event sink the engine records decisions through.
type Journal interface {
	Append(ctx context.Context, typ models.EventType, sessionID string, payload map[string]any) (models.Event, error)
}

// CheckRequest asks for one scope on behalf of a step.
type CheckRequest struct {
	SessionID string
	StepID    string
	ToolName  string
	Scope     string
	Policy    models.PolicyProfile
}

type cacheKey struct {
	tool  string
	scope string
}

type pendingPrompt struct {
	done     chan struct{}
	decision models.Decision
	err      error
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithPromptTimeout sets how long a prompt may stay unanswered before the
// check resolves to deny.
func WithPromptTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// Engine evaluates permission checks for tool executions.
type Engine struct {
	prompter Prompter
	journal  Journal
	timeout  time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	preGrants map[string]map[string]struct{}      // session -> scope patterns
	session   map[string]map[cacheKey]models.Decision
	global    map[cacheKey]models.Decision
	inflight  map[cacheKey]*pendingPrompt
}

// New creates an Engine backed by the given prompter and journal.
func New(prompter Prompter, journal Journal, opts ...Option) *Engine {
	e := &Engine{
		prompter:  prompter,
		journal:   journal,
		timeout:   60 * time.Second,
		logger:    slog.Default().With("component", "permissions"),
		preGrants: make(map[string]map[string]struct{}),
		session:   make(map[string]map[cacheKey]models.Decision),
		global:    make(map[cacheKey]models.Decision),
		inflight:  make(map[cacheKey]*pendingPrompt),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PreGrant registers caller-supplied scopes for a session. Patterns are
// matched like policy allowlists, so "filesystem:read:*" grants every read
// area.
func (e *Engine) PreGrant(sessionID string, scopes []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	set := e.preGrants[sessionID]
	if set == nil {
		set = make(map[string]struct{})
		e.preGrants[sessionID] = set
	}
	for _, scope := range scopes {
		set[scope] = struct{}{}
	}
}

// ResolveSession drops the session cache and pre-grants once a session
// terminates. allow_always grants survive.
func (e *Engine) ResolveSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.session, sessionID)
	delete(e.preGrants, sessionID)
}

// Check resolves one scope. It never returns an error: prompt failures,
// timeouts, and context cancellation all map to deny.
func (e *Engine) Check(ctx context.Context, req CheckRequest) models.Decision {
	requestID := uuid.NewString()
	e.emit(ctx, models.EventPermissionRequested, req, requestID, models.Decision{}, "")

	decision, source := e.resolve(ctx, req, requestID)

	outcome := models.EventPermissionDenied
	if decision.Allowed() {
		outcome = models.EventPermissionGranted
	}
	e.emit(ctx, outcome, req, requestID, decision, source)
	return decision
}

func (e *Engine) resolve(ctx context.Context, req CheckRequest, requestID string) (models.Decision, string) {
	scope := ParseScope(req.Scope)

	// 1. Hard policy gate.
	if !passesGate(scope, req.Policy) {
		return models.Decision{Type: models.DecisionDeny, Scope: req.Scope}, "policy_gate"
	}

	key := cacheKey{tool: req.ToolName, scope: req.Scope}
	forceApproval := scope.IsWrite() && req.Policy.RequireApprovalForWrites

	e.mu.Lock()
	// 2. Pre-grant set.
	if grants, ok := e.preGrants[req.SessionID]; ok {
		for pattern := range grants {
			if pattern == req.Scope || matchAny(req.Scope, []string{pattern}) {
				e.mu.Unlock()
				return models.Decision{Type: models.DecisionAllowOnce, Scope: req.Scope}, "pre_grant"
			}
		}
	}
	if !forceApproval {
		// 3. Session cache of allow_session decisions.
		if cached, ok := e.session[req.SessionID][key]; ok {
			e.mu.Unlock()
			return cached, "session_cache"
		}
		// 4. Global cache of allow_always decisions.
		if cached, ok := e.global[key]; ok {
			e.mu.Unlock()
			return cached, "global_cache"
		}
	}

	// 5. Interactive prompt, coalesced by (tool, scope).
	if e.prompter == nil {
		e.mu.Unlock()
		return models.Decision{Type: models.DecisionDeny, Scope: req.Scope}, "no_prompter"
	}
	pending, leader := e.inflight[key], false
	if pending == nil {
		pending = &pendingPrompt{done: make(chan struct{})}
		e.inflight[key] = pending
		leader = true
	}
	e.mu.Unlock()

	if leader {
		go e.runPrompt(key, pending, models.PermissionRequest{
			RequestID: requestID,
			SessionID: req.SessionID,
			StepID:    req.StepID,
			ToolName:  req.ToolName,
			Scopes:    []string{req.Scope},
		})
	}

	select {
	case <-ctx.Done():
		return models.Decision{Type: models.DecisionDeny, Scope: req.Scope}, "prompt_canceled"
	case <-time.After(e.timeout):
		return models.Decision{Type: models.DecisionDeny, Scope: req.Scope}, "prompt_timeout"
	case <-pending.done:
	}

	if pending.err != nil {
		e.logger.Warn("prompt failed", "tool", req.ToolName, "scope", req.Scope, "error", pending.err)
		return models.Decision{Type: models.DecisionDeny, Scope: req.Scope}, "prompt_error"
	}

	decision := pending.decision
	if decision.Scope == "" {
		decision.Scope = req.Scope
	}

	switch decision.Type {
	case models.DecisionAllowSession:
		e.mu.Lock()
		if e.session[req.SessionID] == nil {
			e.session[req.SessionID] = make(map[cacheKey]models.Decision)
		}
		e.session[req.SessionID][key] = decision
		e.mu.Unlock()
	case models.DecisionAllowAlways:
		e.mu.Lock()
		e.global[key] = decision
		e.mu.Unlock()
	}
	return decision, "prompt"
}

// runPrompt executes the actual prompt on a context detached from any single
// waiter, so one canceled step cannot kill the answer for coalesced peers.
func (e *Engine) runPrompt(key cacheKey, pending *pendingPrompt, req models.PermissionRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	pending.decision, pending.err = e.prompter.Prompt(ctx, req)

	e.mu.Lock()
	delete(e.inflight, key)
	e.mu.Unlock()
	close(pending.done)
}

func (e *Engine) emit(ctx context.Context, typ models.EventType, req CheckRequest, requestID string, decision models.Decision, source string) {
	if e.journal == nil {
		return
	}
	payload := models.PayloadMap(models.PermissionEventPayload{
		RequestID:   requestID,
		StepID:      req.StepID,
		Tool:        req.ToolName,
		Scope:       req.Scope,
		Decision:    string(decision.Type),
		Source:      source,
		Constraints: decision.Constraints,
	})
	if _, err := e.journal.Append(ctx, typ, req.SessionID, payload); err != nil {
		e.logger.Warn("journal append failed", "type", typ, "error", err)
	}
}
