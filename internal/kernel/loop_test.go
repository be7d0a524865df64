package kernel

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/keel/internal/planner"
	"github.com/haasonsaas/keel/internal/registry"
	"github.com/haasonsaas/keel/internal/runtime"
	"github.com/haasonsaas/keel/pkg/models"
)

func TestTransientErrorsRetryUntilSuccess(t *testing.T) {
	step := mockStep("s1", "flaky")
	step.MaxRetries = 3
	p := planner.NewScriptedPlanner(scriptedPlan("survive the flake", step))
	h := newHarness(t, p, nil)

	var calls int32
	h.runtime.RegisterHandler("flaky", func(_ context.Context, _ runtime.HandlerRequest) (map[string]any, error) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			return nil, errors.New("upstream 503 service unavailable")
		}
		return map[string]any{"ok": true}, nil
	})

	session, err := h.kernel.Run(context.Background(), "ride out the 503s", SubmitOptions{Mode: models.ModeReal})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if session.Status != models.SessionCompleted {
		t.Fatalf("status = %s, want completed (last error %+v)", session.Status, session.LastError)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("handler calls = %d, want 3", got)
	}

	// Two failed attempts precede the success on the tool stream; the step
	// stream sees exactly one started/succeeded pair.
	if got := h.journal.count(models.EventToolFailed); got != 2 {
		t.Errorf("tool.failed events = %d, want 2", got)
	}
	if got := h.journal.count(models.EventToolSucceeded); got != 1 {
		t.Errorf("tool.succeeded events = %d, want 1", got)
	}
	if got := h.journal.count(models.EventStepStarted); got != 1 {
		t.Errorf("step.started events = %d, want 1", got)
	}

	succeeded := h.journal.eventsOf(models.EventStepSucceeded)
	if len(succeeded) != 1 {
		t.Fatalf("step.succeeded events = %d, want 1", len(succeeded))
	}
	var payload models.StepEventPayload
	if err := models.DecodePayload(succeeded[0], &payload); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if payload.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", payload.Attempts)
	}
}

func TestValidationErrorsNeverRetry(t *testing.T) {
	step := mockStep("s1", "flaky")
	step.MaxRetries = 5
	p := planner.NewScriptedPlanner(scriptedPlan("fail fast", step))
	h := newHarness(t, p, nil)

	var calls int32
	h.runtime.RegisterHandler("flaky", func(_ context.Context, _ runtime.HandlerRequest) (map[string]any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, runtime.NewToolError(runtime.CodeInvalidInput, "flaky", "bad argument shape")
	})

	session, err := h.kernel.Run(context.Background(), "no retry for validation", SubmitOptions{Mode: models.ModeReal})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if session.Status != models.SessionFailed {
		t.Fatalf("status = %s, want failed", session.Status)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("handler calls = %d, want 1 (no retries)", got)
	}
	if session.LastError == nil || session.LastError.Code != string(runtime.CodeInvalidInput) {
		t.Errorf("last error = %+v, want invalid_input", session.LastError)
	}
}

func TestPermissionDeniedFailsSessionWithoutRetry(t *testing.T) {
	reg := registry.New()
	if err := reg.Register(testManifest("guarded", "net:fetch")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	jrnl := &captureJournal{}
	rt := runtime.New(reg, denyAll{}, jrnl, runtime.WithNow(testClock()))

	step := mockStep("s1", "guarded")
	step.MaxRetries = 2
	p := planner.NewScriptedPlanner(scriptedPlan("denied", step))
	k, err := New(Config{Journal: jrnl, Catalog: reg, Runtime: rt, Planner: p},
		WithNow(testClock()), WithRetryPolicy(fastRetry()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	session, err := k.Run(context.Background(), "try a guarded tool", SubmitOptions{Mode: models.ModeMock})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if session.Status != models.SessionFailed {
		t.Fatalf("status = %s, want failed", session.Status)
	}
	if session.LastError == nil || session.LastError.Code != string(runtime.CodePermissionDenied) {
		t.Fatalf("last error = %+v, want permission_denied", session.LastError)
	}
	if got := jrnl.count(models.EventToolFailed); got != 1 {
		t.Errorf("tool.failed events = %d, want 1 (denials must not retry)", got)
	}
}

func TestMaxStepsLimitFailsAfterAllowedSteps(t *testing.T) {
	p := planner.NewScriptedPlanner(
		scriptedPlan("two steps", mockStep("s1", "echo"), mockStep("s2", "echo")),
	)
	h := newHarness(t, p, nil)

	session, err := h.kernel.Run(context.Background(), "stop after one", SubmitOptions{
		Mode:   models.ModeMock,
		Limits: &models.Limits{MaxSteps: 1},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if session.Status != models.SessionFailed {
		t.Fatalf("status = %s, want failed", session.Status)
	}
	if session.LastError == nil || session.LastError.Code != CodeLimitExceeded {
		t.Fatalf("last error = %+v, want %s", session.LastError, CodeLimitExceeded)
	}
	if !strings.Contains(session.LastError.Message, "max_steps") {
		t.Errorf("message = %q, want max_steps mention", session.LastError.Message)
	}

	// The first step runs to completion; the second is never started.
	if got := h.journal.count(models.EventStepStarted); got != 1 {
		t.Errorf("step.started events = %d, want 1", got)
	}
	if got := h.journal.count(models.EventStepSucceeded); got != 1 {
		t.Errorf("step.succeeded events = %d, want 1", got)
	}
}

func TestMaxTokensLimitFailsSession(t *testing.T) {
	p := planner.NewScriptedPlanner(scriptedPlan("expensive", mockStep("s1", "echo")))
	p.UsagePerCall = models.Usage{InputTokens: 100, OutputTokens: 50}
	h := newHarness(t, p, nil)

	session, err := h.kernel.Run(context.Background(), "token budget", SubmitOptions{
		Mode:   models.ModeMock,
		Limits: &models.Limits{MaxTokens: 120},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if session.Status != models.SessionFailed {
		t.Fatalf("status = %s, want failed", session.Status)
	}
	if session.LastError == nil || !strings.Contains(session.LastError.Message, "max_tokens") {
		t.Errorf("last error = %+v, want max_tokens breach", session.LastError)
	}
	// The plan still executed before the post-iteration check tripped.
	if got := h.journal.count(models.EventStepSucceeded); got != 1 {
		t.Errorf("step.succeeded events = %d, want 1", got)
	}
}

func TestAgenticSessionCompletesOnEmptyPlan(t *testing.T) {
	h := newHarness(t, &planner.MockPlanner{ToolName: "echo"}, nil)

	session, err := h.kernel.Run(context.Background(), "two round trip", SubmitOptions{
		Mode:    models.ModeMock,
		Agentic: true,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if session.Status != models.SessionCompleted {
		t.Fatalf("status = %s, want completed", session.Status)
	}
	if session.PlanIteration != 2 {
		t.Errorf("plan iteration = %d, want 2", session.PlanIteration)
	}
	if got := h.journal.count(models.EventPlanAccepted); got != 1 {
		t.Errorf("plan.accepted events = %d, want 1", got)
	}
	if got := h.journal.count(models.EventPlanReplaced); got != 1 {
		t.Errorf("plan.replaced events = %d, want 1", got)
	}
	if got := h.journal.count(models.EventSessionCheckpoint); got != 1 {
		t.Errorf("session.checkpoint events = %d, want 1", got)
	}
}

func TestAgenticMaxIterationsBreachFails(t *testing.T) {
	p := planner.NewScriptedPlanner(
		scriptedPlan("round 1", mockStep("s1", "echo")),
		scriptedPlan("round 2", mockStep("s2", "echo")),
		scriptedPlan("round 3", mockStep("s3", "echo")),
	)
	h := newHarness(t, p, nil)

	session, err := h.kernel.Run(context.Background(), "never finishes", SubmitOptions{
		Mode:    models.ModeMock,
		Agentic: true,
		Limits:  &models.Limits{MaxIterations: 2},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if session.Status != models.SessionFailed {
		t.Fatalf("status = %s, want failed", session.Status)
	}
	if session.LastError == nil || !strings.Contains(session.LastError.Message, "max_iterations") {
		t.Errorf("last error = %+v, want max_iterations breach", session.LastError)
	}
	if len(p.Calls()) != 2 {
		t.Errorf("planner calls = %d, want 2", len(p.Calls()))
	}
}

func TestReplanPolicyStartsNewIteration(t *testing.T) {
	step := mockStep("s1", "flaky")
	step.FailurePolicy = models.FailReplan
	p := planner.NewScriptedPlanner(scriptedPlan("first try", step))
	h := newHarness(t, p, nil)

	h.runtime.RegisterHandler("flaky", func(_ context.Context, _ runtime.HandlerRequest) (map[string]any, error) {
		return nil, errors.New("wrong approach")
	})

	session, err := h.kernel.Run(context.Background(), "replan after failure", SubmitOptions{
		Mode:    models.ModeReal,
		Agentic: true,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if session.Status != models.SessionCompleted {
		t.Fatalf("status = %s, want completed (last error %+v)", session.Status, session.LastError)
	}

	calls := p.Calls()
	if len(calls) != 2 {
		t.Fatalf("planner calls = %d, want 2", len(calls))
	}
	outcomes := calls[1].Context.StepOutcomes
	if len(outcomes) != 1 || outcomes[0].Status != models.StepFailed {
		t.Errorf("second iteration outcomes = %+v, want the failed step", outcomes)
	}
	if got := h.journal.count(models.EventPlanReplaced); got != 1 {
		t.Errorf("plan.replaced events = %d, want 1", got)
	}
}

func TestReplanPolicyFailsNonAgenticSession(t *testing.T) {
	step := mockStep("s1", "flaky")
	step.FailurePolicy = models.FailReplan
	p := planner.NewScriptedPlanner(scriptedPlan("single pass", step))
	h := newHarness(t, p, nil)

	h.runtime.RegisterHandler("flaky", func(_ context.Context, _ runtime.HandlerRequest) (map[string]any, error) {
		return nil, errors.New("wrong approach")
	})

	session, err := h.kernel.Run(context.Background(), "no planner to return to", SubmitOptions{Mode: models.ModeReal})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if session.Status != models.SessionFailed {
		t.Fatalf("status = %s, want failed", session.Status)
	}
	if len(p.Calls()) != 1 {
		t.Errorf("planner calls = %d, want 1", len(p.Calls()))
	}
}

func TestContinuePolicyKeepsSessionAlive(t *testing.T) {
	failing := mockStep("s1", "flaky")
	failing.FailurePolicy = models.FailContinue
	p := planner.NewScriptedPlanner(scriptedPlan("tolerate failure", failing, mockStep("s2", "echo")))
	h := newHarness(t, p, nil)

	h.runtime.RegisterHandler("flaky", func(_ context.Context, _ runtime.HandlerRequest) (map[string]any, error) {
		return nil, errors.New("optional step broke")
	})
	h.runtime.RegisterHandler("echo", func(_ context.Context, req runtime.HandlerRequest) (map[string]any, error) {
		return map[string]any{"echo": req.Input}, nil
	})

	session, err := h.kernel.Run(context.Background(), "carry on", SubmitOptions{Mode: models.ModeReal})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if session.Status != models.SessionCompleted {
		t.Fatalf("status = %s, want completed (last error %+v)", session.Status, session.LastError)
	}
	if got := h.journal.count(models.EventStepFailed); got != 1 {
		t.Errorf("step.failed events = %d, want 1", got)
	}
	if got := h.journal.count(models.EventStepSucceeded); got != 1 {
		t.Errorf("step.succeeded events = %d, want 1", got)
	}
}

func TestPlannerErrorFailsSession(t *testing.T) {
	p := planner.NewScriptedPlanner()
	p.Err = errors.New("model backend returned 500")
	h := newHarness(t, p, nil)

	session, err := h.kernel.Run(context.Background(), "doomed", SubmitOptions{Mode: models.ModeMock})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if session.Status != models.SessionFailed {
		t.Fatalf("status = %s, want failed", session.Status)
	}
	if session.LastError == nil || session.LastError.Code != string(runtime.CodeServerError) {
		t.Errorf("last error = %+v, want server_error", session.LastError)
	}
	if got := h.journal.count(models.EventPlannerPlanReceived); got != 0 {
		t.Errorf("planner.plan_received events = %d, want 0", got)
	}
	if got := h.journal.count(models.EventSessionFailed); got != 1 {
		t.Errorf("session.failed events = %d, want 1", got)
	}
}

type blockingPlanner struct{}

func (blockingPlanner) GeneratePlan(ctx context.Context, _ planner.Request) (*planner.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestPlannerTimeoutClassifiedTimedOut(t *testing.T) {
	h := newHarness(t, blockingPlanner{}, func(cfg *Config) {
		cfg.PlannerTimeout = 20 * time.Millisecond
	})

	session, err := h.kernel.Run(context.Background(), "slow planner", SubmitOptions{Mode: models.ModeMock})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if session.Status != models.SessionFailed {
		t.Fatalf("status = %s, want failed", session.Status)
	}
	if session.LastError == nil || session.LastError.Code != string(runtime.CodeTimedOut) {
		t.Errorf("last error = %+v, want timed_out", session.LastError)
	}
}

func TestFindingsAccumulateForLaterIterations(t *testing.T) {
	p := planner.NewScriptedPlanner(
		scriptedPlan("probe", mockStep("s1", "echo")),
	)
	h := newHarness(t, p, nil)

	h.runtime.RegisterHandler("echo", func(_ context.Context, _ runtime.HandlerRequest) (map[string]any, error) {
		return map[string]any{"summary": "found 3 open ports"}, nil
	})

	session, err := h.kernel.Run(context.Background(), "scan and report", SubmitOptions{
		Mode:    models.ModeReal,
		Agentic: true,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if session.Status != models.SessionCompleted {
		t.Fatalf("status = %s, want completed", session.Status)
	}

	calls := p.Calls()
	if len(calls) != 2 {
		t.Fatalf("planner calls = %d, want 2", len(calls))
	}
	if !strings.Contains(calls[1].Context.FindingsDigest, "found 3 open ports") {
		t.Errorf("findings digest = %q, want step summary", calls[1].Context.FindingsDigest)
	}
	if len(calls[1].Context.PreviousPlans) != 1 {
		t.Errorf("previous plans = %d, want 1", len(calls[1].Context.PreviousPlans))
	}
}
