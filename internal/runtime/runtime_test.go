package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/keel/internal/permissions"
	"github.com/haasonsaas/keel/internal/registry"
	"github.com/haasonsaas/keel/pkg/models"
)

type captureJournal struct {
	mu     sync.Mutex
	events []models.Event
}

func (c *captureJournal) Append(_ context.Context, typ models.EventType, sessionID string, payload map[string]any) (models.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev := models.Event{
		Seq:       int64(len(c.events) + 1),
		SessionID: sessionID,
		Type:      typ,
		Payload:   payload,
	}
	c.events = append(c.events, ev)
	return ev, nil
}

func (c *captureJournal) count(typ models.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (c *captureJournal) eventsOf(typ models.EventType) []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Event
	for _, ev := range c.events {
		if ev.Type == typ {
			out = append(out, ev.Clone())
		}
	}
	return out
}

type allowAll struct{}

func (allowAll) Check(_ context.Context, req permissions.CheckRequest) models.Decision {
	return models.Decision{Type: models.DecisionAllowOnce, Scope: req.Scope}
}

type denyAll struct{}

func (denyAll) Check(_ context.Context, req permissions.CheckRequest) models.Decision {
	return models.Decision{Type: models.DecisionDeny, Scope: req.Scope}
}

type constrainAll struct {
	constraints map[string]any
}

func (c constrainAll) Check(_ context.Context, req permissions.CheckRequest) models.Decision {
	return models.Decision{
		Type:        models.DecisionAllowConstrained,
		Scope:       req.Scope,
		Constraints: c.constraints,
	}
}

// testClock advances one millisecond per reading so durations are positive
// and deterministic.
func testClock() func() time.Time {
	var mu sync.Mutex
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Millisecond)
		return current
	}
}

func echoManifest(mods ...func(*models.ToolManifest)) models.ToolManifest {
	m := models.ToolManifest{
		Name:        "echo",
		Version:     "1.0.0",
		Description: "test fixture tool",
		InputSchema: map[string]any{
			"type":                 "object",
			"required":             []string{"text"},
			"properties":           map[string]any{"text": map[string]any{"type": "string"}},
			"additionalProperties": false,
		},
		OutputSchema: map[string]any{
			"type":       "object",
			"required":   []string{"result"},
			"properties": map[string]any{"result": map[string]any{"type": "string"}},
		},
		Permissions: []string{"filesystem:read:workspace"},
		Supports:    models.ModeSupport{Real: true, DryRun: true, Mock: true},
		MockResponses: []map[string]any{
			{"result": "one"}, {"result": "two"}, {"result": "three"},
		},
	}
	for _, mod := range mods {
		mod(&m)
	}
	return m
}

func newTestRuntime(t *testing.T, checker PermissionChecker, manifests ...models.ToolManifest) (*Runtime, *captureJournal) {
	t.Helper()
	reg := registry.New()
	for _, m := range manifests {
		if err := reg.Register(m); err != nil {
			t.Fatalf("Register(%s) error = %v", m.Name, err)
		}
	}
	jrnl := &captureJournal{}
	return New(reg, checker, jrnl, WithNow(testClock())), jrnl
}

func echoStep(input map[string]any) models.Step {
	return models.Step{
		StepID:  "s-1",
		Title:   "echo the text",
		ToolRef: models.ToolRef{Name: "echo"},
		Input:   input,
	}
}

func TestRunMockRoundRobin(t *testing.T) {
	rt, jrnl := newTestRuntime(t, allowAll{}, echoManifest())
	step := echoStep(map[string]any{"text": "hi"})

	for i, want := range []string{"one", "two", "three", "one"} {
		res := rt.Run(context.Background(), RunRequest{
			SessionID: "sess-1", Step: step, Mode: models.ModeMock,
		})
		if res.Status != models.StepSucceeded {
			t.Fatalf("run #%d status = %s, error = %v", i, res.Status, res.Error)
		}
		if res.Output["result"] != want {
			t.Fatalf("run #%d result = %v, want %q", i, res.Output["result"], want)
		}
	}

	// Cursors are per session.
	res := rt.Run(context.Background(), RunRequest{
		SessionID: "sess-2", Step: step, Mode: models.ModeMock,
	})
	if res.Output["result"] != "one" {
		t.Fatalf("fresh session result = %v, want one", res.Output["result"])
	}

	// ResetSession rewinds the round-robin.
	rt.ResetSession("sess-1")
	res = rt.Run(context.Background(), RunRequest{
		SessionID: "sess-1", Step: step, Mode: models.ModeMock,
	})
	if res.Output["result"] != "one" {
		t.Fatalf("post-reset result = %v, want one", res.Output["result"])
	}

	if got := jrnl.count(models.EventToolStarted); got != 6 {
		t.Fatalf("tool.started = %d, want 6", got)
	}
	if got := jrnl.count(models.EventToolSucceeded); got != 6 {
		t.Fatalf("tool.succeeded = %d, want 6", got)
	}
}

func TestRunDryRunEnvelopeSkipsOutputSchema(t *testing.T) {
	// The output schema requires "result", which the synthetic dry_run
	// envelope never carries; dry runs must still succeed.
	rt, jrnl := newTestRuntime(t, allowAll{}, echoManifest())

	res := rt.Run(context.Background(), RunRequest{
		SessionID: "sess-1",
		Step:      echoStep(map[string]any{"text": "hello"}),
		Mode:      models.ModeDryRun,
	})
	if res.Status != models.StepSucceeded {
		t.Fatalf("status = %s, error = %v", res.Status, res.Error)
	}
	if res.Output["dry_run"] != true {
		t.Fatalf("dry_run = %v, want true", res.Output["dry_run"])
	}
	input, ok := res.Output["input"].(map[string]any)
	if !ok || input["text"] != "hello" {
		t.Fatalf("input echo = %v, want the original input", res.Output["input"])
	}
	if jrnl.count(models.EventToolSucceeded) != 1 {
		t.Fatal("expected a tool.succeeded event")
	}
}

func TestRunToolNotFound(t *testing.T) {
	rt, jrnl := newTestRuntime(t, allowAll{})

	res := rt.Run(context.Background(), RunRequest{
		SessionID: "sess-1",
		Step: models.Step{
			StepID:  "s-1",
			ToolRef: models.ToolRef{Name: "ghost"},
			Input:   map[string]any{},
		},
		Mode: models.ModeMock,
	})
	if res.Status != models.StepFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.Error == nil || res.Error.Code != string(CodeToolNotFound) {
		t.Fatalf("error = %+v, want code tool_not_found", res.Error)
	}
	if jrnl.count(models.EventToolStarted) != 0 {
		t.Fatal("resolution failures must not emit tool.started")
	}
	if jrnl.count(models.EventToolFailed) != 1 {
		t.Fatal("expected a tool.failed event")
	}
}

func TestRunInputValidation(t *testing.T) {
	rt, jrnl := newTestRuntime(t, allowAll{}, echoManifest())

	// Missing required field, wrong type, undeclared property.
	invalid := []map[string]any{
		{},
		{"text": 7},
		{"text": "ok", "extra": 1},
	}
	for _, input := range invalid {
		res := rt.Run(context.Background(), RunRequest{
			SessionID: "sess-1", Step: echoStep(input), Mode: models.ModeMock,
		})
		if res.Status != models.StepFailed {
			t.Fatalf("input %v: status = %s, want failed", input, res.Status)
		}
		if res.Error == nil || res.Error.Code != string(CodeInvalidInput) {
			t.Fatalf("input %v: error = %+v, want code invalid_input", input, res.Error)
		}
	}
	if jrnl.count(models.EventToolStarted) != 0 {
		t.Fatal("validation failures must not emit tool.started")
	}
}

func TestRunPermissionDenied(t *testing.T) {
	rt, jrnl := newTestRuntime(t, denyAll{}, echoManifest())

	called := false
	rt.RegisterHandler("echo", func(context.Context, HandlerRequest) (map[string]any, error) {
		called = true
		return map[string]any{"result": "leak"}, nil
	})

	res := rt.Run(context.Background(), RunRequest{
		SessionID: "sess-1",
		Step:      echoStep(map[string]any{"text": "hi"}),
		Mode:      models.ModeReal,
	})
	if res.Status != models.StepFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.Error == nil || res.Error.Code != string(CodePermissionDenied) {
		t.Fatalf("error = %+v, want code permission_denied", res.Error)
	}
	if called {
		t.Fatal("denied steps must never reach the handler")
	}
	if jrnl.count(models.EventToolStarted) != 0 {
		t.Fatal("denied steps must not emit tool.started")
	}
}

func TestRunModeUnsupported(t *testing.T) {
	noReal := echoManifest(func(m *models.ToolManifest) {
		m.Supports.Real = false
	})
	rt, _ := newTestRuntime(t, allowAll{}, noReal)

	res := rt.Run(context.Background(), RunRequest{
		SessionID: "sess-1",
		Step:      echoStep(map[string]any{"text": "hi"}),
		Mode:      models.ModeReal,
	})
	if res.Error == nil || res.Error.Code != string(CodeModeUnsupported) {
		t.Fatalf("error = %+v, want code mode_unsupported", res.Error)
	}
}

func TestRunRealModeRequiresHandler(t *testing.T) {
	rt, _ := newTestRuntime(t, allowAll{}, echoManifest())

	res := rt.Run(context.Background(), RunRequest{
		SessionID: "sess-1",
		Step:      echoStep(map[string]any{"text": "hi"}),
		Mode:      models.ModeReal,
	})
	if res.Error == nil || res.Error.Code != string(CodeModeUnsupported) {
		t.Fatalf("error = %+v, want code mode_unsupported", res.Error)
	}
}

func TestRunRealHandlerReceivesConstraints(t *testing.T) {
	checker := constrainAll{constraints: map[string]any{"path_prefix": "/tmp"}}
	rt, jrnl := newTestRuntime(t, checker, echoManifest())

	var got HandlerRequest
	rt.RegisterHandler("echo", func(_ context.Context, req HandlerRequest) (map[string]any, error) {
		got = req
		return map[string]any{"result": "ok"}, nil
	})

	policy := models.PolicyProfile{AllowedPaths: []string{"/tmp"}}
	res := rt.Run(context.Background(), RunRequest{
		SessionID: "sess-1",
		Step:      echoStep(map[string]any{"text": "hi"}),
		Mode:      models.ModeReal,
		Policy:    policy,
	})
	if res.Status != models.StepSucceeded {
		t.Fatalf("status = %s, error = %v", res.Status, res.Error)
	}
	if res.Output["result"] != "ok" {
		t.Fatalf("result = %v, want ok", res.Output["result"])
	}

	scoped, ok := got.Constraints["filesystem:read:workspace"]
	if !ok || scoped["path_prefix"] != "/tmp" {
		t.Fatalf("handler constraints = %v, want filesystem:read:workspace path_prefix /tmp", got.Constraints)
	}
	if got.Input["text"] != "hi" {
		t.Fatalf("handler input = %v", got.Input)
	}
	if len(got.Policy.AllowedPaths) != 1 || got.Policy.AllowedPaths[0] != "/tmp" {
		t.Fatalf("handler policy = %+v", got.Policy)
	}
	if got.Mode != models.ModeReal {
		t.Fatalf("handler mode = %s, want real", got.Mode)
	}
	if jrnl.count(models.EventToolSucceeded) != 1 {
		t.Fatal("expected a tool.succeeded event")
	}
}

func TestRunRealHandlerErrorClassified(t *testing.T) {
	rt, _ := newTestRuntime(t, allowAll{}, echoManifest())
	rt.RegisterHandler("echo", func(context.Context, HandlerRequest) (map[string]any, error) {
		return nil, errors.New("dial tcp: connection refused")
	})

	res := rt.Run(context.Background(), RunRequest{
		SessionID: "sess-1",
		Step:      echoStep(map[string]any{"text": "hi"}),
		Mode:      models.ModeReal,
	})
	if res.Status != models.StepFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.Error == nil || res.Error.Code != string(CodeNetwork) {
		t.Fatalf("error = %+v, want code network", res.Error)
	}
}

func TestRunRealHandlerTimeout(t *testing.T) {
	rt, _ := newTestRuntime(t, allowAll{}, echoManifest())
	rt.RegisterHandler("echo", func(ctx context.Context, _ HandlerRequest) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	step := echoStep(map[string]any{"text": "hi"})
	step.TimeoutMs = 20
	res := rt.Run(context.Background(), RunRequest{
		SessionID: "sess-1", Step: step, Mode: models.ModeReal,
	})
	if res.Status != models.StepFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.Error == nil || res.Error.Code != string(CodeTimedOut) {
		t.Fatalf("error = %+v, want code timed_out", res.Error)
	}
}

func TestRunStubbornHandlerAbandonedAfterGrace(t *testing.T) {
	rt, _ := newTestRuntime(t, allowAll{}, echoManifest())
	rt.RegisterHandler("echo", func(context.Context, HandlerRequest) (map[string]any, error) {
		time.Sleep(250 * time.Millisecond) // ignores cancellation
		return map[string]any{"result": "late"}, nil
	})

	step := echoStep(map[string]any{"text": "hi"})
	step.TimeoutMs = 10
	res := rt.Run(context.Background(), RunRequest{
		SessionID: "sess-1", Step: step, Mode: models.ModeReal,
	})
	if res.Status != models.StepFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.Error == nil || res.Error.Code != string(CodeTimedOut) {
		t.Fatalf("error = %+v, want code timed_out", res.Error)
	}
	if res.Output != nil {
		t.Fatal("abandoned handler output must be discarded")
	}
}

func TestRunAbortedOnCancel(t *testing.T) {
	rt, _ := newTestRuntime(t, allowAll{}, echoManifest())
	rt.RegisterHandler("echo", func(ctx context.Context, _ HandlerRequest) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := rt.Run(ctx, RunRequest{
		SessionID: "sess-1",
		Step:      echoStep(map[string]any{"text": "hi"}),
		Mode:      models.ModeReal,
	})
	if res.Status != models.StepFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.Error == nil || res.Error.Code != string(CodeAborted) {
		t.Fatalf("error = %+v, want code aborted", res.Error)
	}
}

func TestRunOutputValidation(t *testing.T) {
	rt, jrnl := newTestRuntime(t, allowAll{}, echoManifest())
	rt.RegisterHandler("echo", func(context.Context, HandlerRequest) (map[string]any, error) {
		return map[string]any{"unexpected": true}, nil
	})

	res := rt.Run(context.Background(), RunRequest{
		SessionID: "sess-1",
		Step:      echoStep(map[string]any{"text": "hi"}),
		Mode:      models.ModeReal,
	})
	if res.Status != models.StepFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.Error == nil || res.Error.Code != string(CodeOutputInvalid) {
		t.Fatalf("error = %+v, want code output_invalid", res.Error)
	}

	failed := jrnl.eventsOf(models.EventToolFailed)
	if len(failed) != 1 {
		t.Fatalf("tool.failed = %d, want 1", len(failed))
	}
	if failed[0].Payload["raw_output"] == nil {
		t.Fatal("tool.failed must carry the rejected raw output")
	}
}

func TestRunAttemptNumberCarried(t *testing.T) {
	rt, _ := newTestRuntime(t, allowAll{}, echoManifest())
	step := echoStep(map[string]any{"text": "hi"})

	res := rt.Run(context.Background(), RunRequest{
		SessionID: "sess-1", Step: step, Mode: models.ModeMock, Attempt: 3,
	})
	if res.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", res.Attempts)
	}

	res = rt.Run(context.Background(), RunRequest{
		SessionID: "sess-1", Step: step, Mode: models.ModeMock,
	})
	if res.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (default)", res.Attempts)
	}
}
