// Package planner defines the planning capability the kernel drives and its
// implementations: deterministic planners for tests and headless runs, plus
// adapters for the Anthropic and OpenAI APIs that extract plans through a
// single forced tool call.
package planner

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/haasonsaas/keel/internal/registry"
	"github.com/haasonsaas/keel/pkg/models"
)

var (
	// ErrEmptyTask is returned when the request carries no task text.
	ErrEmptyTask = errors.New("planner: task text is required")

	// ErrNoPlan is returned when a remote planner reply carried no usable
	// plan payload.
	ErrNoPlan = errors.New("planner: response contained no plan")

	// ErrUnknownTool wraps plan validation failures for unregistered tools.
	ErrUnknownTool = errors.New("planner: plan references unknown tool")
)

// Planner produces a plan for a task. Implementations are bounded by the
// caller's context deadline and must be safe for concurrent use.
type Planner interface {
	GeneratePlan(ctx context.Context, req Request) (*Response, error)
}

// Provider is implemented by planners that identify their backing provider
// for metrics and tracing labels.
type Provider interface {
	Provider() string
}

// Request is everything a planner sees for one iteration.
type Request struct {
	// Task is the natural-language work item.
	Task models.Task

	// Tools is the compact catalog of available tools.
	Tools []registry.PlannerSchema

	// Context carries accumulated agentic state; zero on the first
	// iteration.
	Context IterationContext

	// Options tune this planning call.
	Options Options
}

// Options bound one planning call.
type Options struct {
	// MaxSteps caps the steps a plan may carry; 0 means the planner's
	// default.
	MaxSteps int

	// Iteration is the agentic iteration number, starting at 1.
	Iteration int
}

// IterationContext is the stable envelope of accumulated context passed
// between agentic iterations: digests of earlier plans, per-step outcomes,
// a running findings digest, the session's working-memory snapshot, and
// relevant cross-session lessons.
type IterationContext struct {
	PreviousPlans  []PlanDigest    `json:"previous_plans,omitempty"`
	StepOutcomes   []StepOutcome   `json:"step_outcomes,omitempty"`
	FindingsDigest string          `json:"findings_digest,omitempty"`
	WorkingMemory  map[string]any  `json:"working_memory,omitempty"`
	Lessons        []models.Lesson `json:"lessons,omitempty"`
}

// PlanDigest summarizes one earlier plan without its full step inputs.
type PlanDigest struct {
	PlanID    string `json:"plan_id"`
	Iteration int    `json:"iteration"`
	Goal      string `json:"goal"`
	StepCount int    `json:"step_count"`
}

// StepOutcome summarizes one executed step for the next iteration.
type StepOutcome struct {
	StepID   string            `json:"step_id"`
	Title    string            `json:"title,omitempty"`
	Tool     string            `json:"tool"`
	Status   models.StepStatus `json:"status"`
	Error    *models.ErrorInfo `json:"error,omitempty"`
	Attempts int               `json:"attempts,omitempty"`
}

// Response is a planner reply: the plan plus what it cost to produce.
type Response struct {
	Plan  models.Plan
	Usage models.Usage
}

// NormalizePlan fills in the fields remote planners routinely omit and
// validates the plan against the advertised catalog. IDs are minted when
// absent, the schema version is pinned, failure policies default to abort,
// and every step must reference a known tool. maxSteps 0 means unlimited.
func NormalizePlan(plan *models.Plan, tools []registry.PlannerSchema, maxSteps int) error {
	if plan == nil {
		return ErrNoPlan
	}
	if plan.PlanID == "" {
		plan.PlanID = uuid.NewString()
	}
	if plan.SchemaVersion == 0 {
		plan.SchemaVersion = models.PlanSchemaVersion
	}
	if plan.SchemaVersion != models.PlanSchemaVersion {
		return fmt.Errorf("planner: unsupported plan schema version %d", plan.SchemaVersion)
	}
	if maxSteps > 0 && len(plan.Steps) > maxSteps {
		return fmt.Errorf("planner: plan has %d steps, limit is %d", len(plan.Steps), maxSteps)
	}

	known := make(map[string]struct{}, len(tools))
	for _, tool := range tools {
		known[tool.Name] = struct{}{}
	}

	for i := range plan.Steps {
		step := &plan.Steps[i]
		if step.StepID == "" {
			step.StepID = uuid.NewString()
		}
		if step.ToolRef.Name == "" {
			return fmt.Errorf("planner: step %d (%s) has no tool", i, step.Title)
		}
		if _, ok := known[step.ToolRef.Name]; !ok {
			return fmt.Errorf("%w: %q (step %d)", ErrUnknownTool, step.ToolRef.Name, i)
		}
		switch step.FailurePolicy {
		case models.FailAbort, models.FailContinue, models.FailReplan:
		case "":
			step.FailurePolicy = models.FailAbort
		default:
			return fmt.Errorf("planner: step %d has unknown failure policy %q", i, step.FailurePolicy)
		}
		if step.MaxRetries < 0 {
			step.MaxRetries = 0
		}
		if step.TimeoutMs < 0 {
			step.TimeoutMs = 0
		}
	}
	return nil
}
