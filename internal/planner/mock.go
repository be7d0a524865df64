package planner

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/keel/pkg/models"
)

// MockPlanner emits one deterministic single-step plan targeting ToolName,
// then an empty plan on every later iteration so agentic sessions complete.
// It never spends tokens.
type MockPlanner struct {
	// ToolName is the tool the canned step invokes.
	ToolName string

	// Input is the step input; nil means an empty object.
	Input map[string]any

	// FailurePolicy for the canned step; defaults to abort.
	FailurePolicy models.FailurePolicy
}

// Provider implements the Provider metrics label.
func (m *MockPlanner) Provider() string { return "mock" }

// GeneratePlan implements Planner.
func (m *MockPlanner) GeneratePlan(_ context.Context, req Request) (*Response, error) {
	if req.Task.Text == "" {
		return nil, ErrEmptyTask
	}
	if req.Options.Iteration > 1 {
		return &Response{Plan: models.Plan{
			PlanID:        uuid.NewString(),
			SchemaVersion: models.PlanSchemaVersion,
			Goal:          "task complete",
		}}, nil
	}

	input := m.Input
	if input == nil {
		input = map[string]any{}
	}
	policy := m.FailurePolicy
	if policy == "" {
		policy = models.FailAbort
	}
	plan := models.Plan{
		PlanID:        uuid.NewString(),
		SchemaVersion: models.PlanSchemaVersion,
		Goal:          req.Task.Text,
		Steps: []models.Step{{
			StepID:        uuid.NewString(),
			Title:         "execute " + m.ToolName,
			ToolRef:       models.ToolRef{Name: m.ToolName},
			Input:         input,
			FailurePolicy: policy,
		}},
	}
	if err := NormalizePlan(&plan, req.Tools, req.Options.MaxSteps); err != nil {
		return nil, err
	}
	return &Response{Plan: plan}, nil
}

// ScriptedPlanner replays a fixed queue of plans, one per call, then keeps
// returning empty plans. Calls are recorded so tests can inspect the
// iteration contexts the kernel built.
type ScriptedPlanner struct {
	mu    sync.Mutex
	plans []models.Plan
	calls []Request

	// Err, when set, is returned instead of the next plan.
	Err error

	// UsagePerCall is added to every response's usage.
	UsagePerCall models.Usage
}

// NewScriptedPlanner queues the given plans in order.
func NewScriptedPlanner(plans ...models.Plan) *ScriptedPlanner {
	return &ScriptedPlanner{plans: plans}
}

// Provider implements the Provider metrics label.
func (s *ScriptedPlanner) Provider() string { return "scripted" }

// GeneratePlan implements Planner.
func (s *ScriptedPlanner) GeneratePlan(_ context.Context, req Request) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)

	if s.Err != nil {
		return nil, s.Err
	}

	var plan models.Plan
	if len(s.plans) > 0 {
		plan = s.plans[0].Clone()
		s.plans = s.plans[1:]
	} else {
		plan = models.Plan{Goal: "done"}
	}
	if err := NormalizePlan(&plan, req.Tools, req.Options.MaxSteps); err != nil {
		return nil, err
	}
	return &Response{Plan: plan, Usage: s.UsagePerCall}, nil
}

// Calls returns the recorded requests in order.
func (s *ScriptedPlanner) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}
