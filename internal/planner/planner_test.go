package planner

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/keel/internal/registry"
	"github.com/haasonsaas/keel/pkg/models"
)

func catalog(names ...string) []registry.PlannerSchema {
	out := make([]registry.PlannerSchema, len(names))
	for i, name := range names {
		out[i] = registry.PlannerSchema{
			Name:        name,
			Description: "test tool",
			InputSchema: map[string]any{"type": "object"},
		}
	}
	return out
}

func TestNormalizePlanFillsDefaults(t *testing.T) {
	plan := models.Plan{
		Goal: "fetch",
		Steps: []models.Step{
			{Title: "get page", ToolRef: models.ToolRef{Name: "http.fetch"}},
		},
	}
	if err := NormalizePlan(&plan, catalog("http.fetch"), 0); err != nil {
		t.Fatalf("NormalizePlan: %v", err)
	}
	if plan.PlanID == "" {
		t.Fatal("expected plan_id to be minted")
	}
	if plan.SchemaVersion != models.PlanSchemaVersion {
		t.Fatalf("schema_version = %d, want %d", plan.SchemaVersion, models.PlanSchemaVersion)
	}
	if plan.Steps[0].StepID == "" {
		t.Fatal("expected step_id to be minted")
	}
	if plan.Steps[0].FailurePolicy != models.FailAbort {
		t.Fatalf("failure_policy = %q, want abort", plan.Steps[0].FailurePolicy)
	}
}

func TestNormalizePlanRejectsUnknownTool(t *testing.T) {
	plan := models.Plan{
		Steps: []models.Step{
			{ToolRef: models.ToolRef{Name: "no.such.tool"}},
		},
	}
	err := NormalizePlan(&plan, catalog("http.fetch"), 0)
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
}

func TestNormalizePlanRejectsTooManySteps(t *testing.T) {
	plan := models.Plan{
		Steps: []models.Step{
			{ToolRef: models.ToolRef{Name: "a"}},
			{ToolRef: models.ToolRef{Name: "a"}},
		},
	}
	if err := NormalizePlan(&plan, catalog("a"), 1); err == nil {
		t.Fatal("expected error for plan over step limit")
	}
}

func TestNormalizePlanRejectsBadSchemaVersion(t *testing.T) {
	plan := models.Plan{SchemaVersion: 99}
	if err := NormalizePlan(&plan, nil, 0); err == nil {
		t.Fatal("expected error for unsupported schema version")
	}
}

func TestNormalizePlanRejectsBadFailurePolicy(t *testing.T) {
	plan := models.Plan{
		Steps: []models.Step{
			{ToolRef: models.ToolRef{Name: "a"}, FailurePolicy: "explode"},
		},
	}
	if err := NormalizePlan(&plan, catalog("a"), 0); err == nil {
		t.Fatal("expected error for unknown failure policy")
	}
}

func TestMockPlannerEmitsOneStepThenEmpty(t *testing.T) {
	p := &MockPlanner{ToolName: "echo"}
	req := Request{
		Task:    models.Task{TaskID: "t1", Text: "say hi"},
		Tools:   catalog("echo"),
		Options: Options{Iteration: 1},
	}
	resp, err := p.GeneratePlan(context.Background(), req)
	if err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	if len(resp.Plan.Steps) != 1 {
		t.Fatalf("steps = %d, want 1", len(resp.Plan.Steps))
	}
	if resp.Plan.Steps[0].ToolRef.Name != "echo" {
		t.Fatalf("tool = %q, want echo", resp.Plan.Steps[0].ToolRef.Name)
	}

	req.Options.Iteration = 2
	resp, err = p.GeneratePlan(context.Background(), req)
	if err != nil {
		t.Fatalf("GeneratePlan iteration 2: %v", err)
	}
	if !resp.Plan.Empty() {
		t.Fatalf("expected empty plan on iteration 2, got %d steps", len(resp.Plan.Steps))
	}
}

func TestScriptedPlannerReplaysQueueThenEmpty(t *testing.T) {
	first := models.Plan{
		Goal: "first",
		Steps: []models.Step{
			{Title: "s1", ToolRef: models.ToolRef{Name: "echo"}},
		},
	}
	p := NewScriptedPlanner(first)
	p.UsagePerCall = models.Usage{InputTokens: 7, OutputTokens: 3, PlannerCalls: 1}

	req := Request{
		Task:    models.Task{Text: "run"},
		Tools:   catalog("echo"),
		Options: Options{Iteration: 1},
	}
	resp, err := p.GeneratePlan(context.Background(), req)
	if err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	if resp.Plan.Goal != "first" || len(resp.Plan.Steps) != 1 {
		t.Fatalf("unexpected first plan: %+v", resp.Plan)
	}
	if resp.Usage.InputTokens != 7 {
		t.Fatalf("usage input tokens = %d, want 7", resp.Usage.InputTokens)
	}

	resp, err = p.GeneratePlan(context.Background(), req)
	if err != nil {
		t.Fatalf("GeneratePlan after queue drained: %v", err)
	}
	if !resp.Plan.Empty() {
		t.Fatal("expected empty plan after queue drained")
	}
	if calls := p.Calls(); len(calls) != 2 {
		t.Fatalf("recorded calls = %d, want 2", len(calls))
	}
}

func TestPlanJSONSchemaIsObjectSchema(t *testing.T) {
	schema, err := planJSONSchema()
	if err != nil {
		t.Fatalf("planJSONSchema: %v", err)
	}
	if schema["type"] != "object" {
		t.Fatalf("schema type = %v, want object", schema["type"])
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("schema properties missing: %v", schema)
	}
	for _, key := range []string{"plan_id", "goal", "steps"} {
		if _, ok := props[key]; !ok {
			t.Fatalf("schema missing property %q", key)
		}
	}
}

func TestBuildUserPromptCarriesContext(t *testing.T) {
	req := Request{
		Task: models.Task{Text: "deploy the service"},
		Context: IterationContext{
			PreviousPlans: []PlanDigest{{PlanID: "p1", Iteration: 1, Goal: "build", StepCount: 2}},
			StepOutcomes: []StepOutcome{
				{StepID: "s1", Title: "compile", Tool: "exec", Status: models.StepSucceeded},
				{StepID: "s2", Title: "push", Tool: "exec", Status: models.StepFailed,
					Error: &models.ErrorInfo{Code: "timeout", Message: "deadline exceeded"}},
			},
			FindingsDigest: "registry credentials rotated",
			Lessons: []models.Lesson{
				{Outcome: models.OutcomeFailed, Lesson: "push needs --force on first deploy"},
			},
		},
		Options: Options{Iteration: 2},
	}
	prompt := buildUserPrompt(req)
	for _, want := range []string{
		"deploy the service",
		"iteration 2",
		"compile (exec): succeeded",
		"timeout: deadline exceeded",
		"registry credentials rotated",
		"push needs --force",
	} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

type stubMessagesClient struct {
	lastParams anthropic.MessageNewParams
	resp       *anthropic.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body anthropic.MessageNewParams, _ ...option.RequestOption) (*anthropic.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func TestAnthropicPlannerDecodesForcedToolCall(t *testing.T) {
	planJSON := `{"goal":"respond","steps":[{"title":"say hi","tool_ref":{"name":"echo"},"input":{"text":"hi"}}]}`
	stub := &stubMessagesClient{
		resp: &anthropic.Message{
			Content: []anthropic.ContentBlockUnion{
				{Type: "tool_use", Name: submitPlanTool, ID: "call-1", Input: json.RawMessage(planJSON)},
			},
			Usage: anthropic.Usage{InputTokens: 120, OutputTokens: 40},
		},
	}
	p, err := NewAnthropicPlannerWithClient(stub,
		WithAnthropicPricing(Pricing{InputPerMTok: 3, OutputPerMTok: 15}))
	if err != nil {
		t.Fatalf("NewAnthropicPlannerWithClient: %v", err)
	}

	resp, err := p.GeneratePlan(context.Background(), Request{
		Task:    models.Task{Text: "say hi"},
		Tools:   catalog("echo"),
		Options: Options{Iteration: 1},
	})
	if err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	if len(resp.Plan.Steps) != 1 || resp.Plan.Steps[0].ToolRef.Name != "echo" {
		t.Fatalf("unexpected plan: %+v", resp.Plan)
	}
	if resp.Plan.PlanID == "" || resp.Plan.Steps[0].StepID == "" {
		t.Fatal("expected normalized plan with minted ids")
	}
	if resp.Usage.InputTokens != 120 || resp.Usage.OutputTokens != 40 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
	wantCost := 120.0/1e6*3 + 40.0/1e6*15
	if resp.Usage.CostUSD != wantCost {
		t.Fatalf("cost = %v, want %v", resp.Usage.CostUSD, wantCost)
	}

	if len(stub.lastParams.Tools) != 1 {
		t.Fatalf("advertised tools = %d, want 1", len(stub.lastParams.Tools))
	}
	if stub.lastParams.ToolChoice.OfTool == nil || stub.lastParams.ToolChoice.OfTool.Name != submitPlanTool {
		t.Fatalf("tool choice not pinned to %s", submitPlanTool)
	}
}

func TestAnthropicPlannerNoToolUseIsErrNoPlan(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &anthropic.Message{
			Content: []anthropic.ContentBlockUnion{{Type: "text", Text: "cannot comply"}},
		},
	}
	p, err := NewAnthropicPlannerWithClient(stub)
	if err != nil {
		t.Fatalf("NewAnthropicPlannerWithClient: %v", err)
	}
	_, err = p.GeneratePlan(context.Background(), Request{
		Task:  models.Task{Text: "say hi"},
		Tools: catalog("echo"),
	})
	if !errors.Is(err, ErrNoPlan) {
		t.Fatalf("expected ErrNoPlan, got %v", err)
	}
}

func TestAnthropicPlannerRequiresTask(t *testing.T) {
	p, err := NewAnthropicPlannerWithClient(&stubMessagesClient{})
	if err != nil {
		t.Fatalf("NewAnthropicPlannerWithClient: %v", err)
	}
	if _, err := p.GeneratePlan(context.Background(), Request{}); !errors.Is(err, ErrEmptyTask) {
		t.Fatalf("expected ErrEmptyTask, got %v", err)
	}
}

type stubChatCompleter struct {
	lastReq openai.ChatCompletionRequest
	resp    openai.ChatCompletionResponse
	err     error
}

func (s *stubChatCompleter) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.lastReq = req
	return s.resp, s.err
}

func TestOpenAIPlannerDecodesForcedToolCall(t *testing.T) {
	planJSON := `{"goal":"respond","steps":[{"title":"say hi","tool_ref":{"name":"echo"}}]}`
	stub := &stubChatCompleter{
		resp: openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{
					ToolCalls: []openai.ToolCall{{
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      submitPlanTool,
							Arguments: planJSON,
						},
					}},
				},
			}},
			Usage: openai.Usage{PromptTokens: 50, CompletionTokens: 20},
		},
	}
	p, err := NewOpenAIPlannerWithClient(stub)
	if err != nil {
		t.Fatalf("NewOpenAIPlannerWithClient: %v", err)
	}

	resp, err := p.GeneratePlan(context.Background(), Request{
		Task:  models.Task{Text: "say hi"},
		Tools: catalog("echo"),
	})
	if err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	if len(resp.Plan.Steps) != 1 || resp.Plan.Steps[0].ToolRef.Name != "echo" {
		t.Fatalf("unexpected plan: %+v", resp.Plan)
	}
	if resp.Usage.InputTokens != 50 || resp.Usage.OutputTokens != 20 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
	if len(stub.lastReq.Tools) != 1 || stub.lastReq.Tools[0].Function.Name != submitPlanTool {
		t.Fatalf("submit_plan function not advertised: %+v", stub.lastReq.Tools)
	}
}

func TestOpenAIPlannerErrorPassthrough(t *testing.T) {
	stub := &stubChatCompleter{err: errors.New("boom")}
	p, err := NewOpenAIPlannerWithClient(stub)
	if err != nil {
		t.Fatalf("NewOpenAIPlannerWithClient: %v", err)
	}
	if _, err := p.GeneratePlan(context.Background(), Request{
		Task: models.Task{Text: "x"},
	}); err == nil {
		t.Fatal("expected error from transport")
	}
}
