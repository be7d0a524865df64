package planner

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/haasonsaas/keel/pkg/models"
)

// submitPlanTool is the single tool advertised to LLM planners. Forcing the
// reply through it gives us schema-shaped plan JSON instead of prose.
const submitPlanTool = "submit_plan"

var (
	planSchemaOnce sync.Once
	planSchemaMap  map[string]any
	planSchemaErr  error
)

// planJSONSchema reflects models.Plan into a self-contained JSON schema,
// once. Both LLM adapters advertise it as the submit_plan input schema.
func planJSONSchema() (map[string]any, error) {
	planSchemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			DoNotReference: true,
			ExpandedStruct: true,
		}
		schema := r.Reflect(&models.Plan{})
		raw, err := json.Marshal(schema)
		if err != nil {
			planSchemaErr = fmt.Errorf("planner: marshal plan schema: %w", err)
			return
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			planSchemaErr = fmt.Errorf("planner: decode plan schema: %w", err)
			return
		}
		planSchemaMap = m
	})
	return planSchemaMap, planSchemaErr
}

// buildSystemPrompt renders the planning instructions both adapters share.
func buildSystemPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You are the planning component of a deterministic agent runtime. ")
	b.WriteString("Produce a plan that accomplishes the task using only the tools listed below, ")
	b.WriteString("then submit it by calling the ")
	b.WriteString(submitPlanTool)
	b.WriteString(" tool exactly once. Each step's input must satisfy that tool's input schema. ")
	b.WriteString("If the task is already complete, submit a plan with an empty steps array.\n\nTools:\n")
	for _, tool := range req.Tools {
		raw, err := json.Marshal(tool.InputSchema)
		if err != nil {
			raw = []byte("{}")
		}
		fmt.Fprintf(&b, "- %s: %s (input schema: %s)\n", tool.Name, tool.Description, raw)
	}
	if req.Options.MaxSteps > 0 {
		fmt.Fprintf(&b, "\nThe plan may contain at most %d steps.\n", req.Options.MaxSteps)
	}
	return b.String()
}

// buildUserPrompt renders the task plus the accumulated iteration context.
func buildUserPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", req.Task.Text)

	ctx := req.Context
	if len(ctx.Lessons) > 0 {
		b.WriteString("\nLessons from past sessions:\n")
		for _, lesson := range ctx.Lessons {
			fmt.Fprintf(&b, "- [%s] %s\n", lesson.Outcome, lesson.Lesson)
		}
	}
	if len(ctx.PreviousPlans) > 0 {
		fmt.Fprintf(&b, "\nThis is iteration %d. Earlier plans:\n", req.Options.Iteration)
		for _, digest := range ctx.PreviousPlans {
			fmt.Fprintf(&b, "- iteration %d: %q (%d steps)\n",
				digest.Iteration, digest.Goal, digest.StepCount)
		}
	}
	if len(ctx.StepOutcomes) > 0 {
		b.WriteString("\nStep outcomes so far:\n")
		for _, outcome := range ctx.StepOutcomes {
			if outcome.Error != nil {
				fmt.Fprintf(&b, "- %s (%s): %s, error %s: %s\n",
					outcome.Title, outcome.Tool, outcome.Status,
					outcome.Error.Code, outcome.Error.Message)
				continue
			}
			fmt.Fprintf(&b, "- %s (%s): %s\n", outcome.Title, outcome.Tool, outcome.Status)
		}
		b.WriteString("\nSubmit an empty plan if nothing remains to do; otherwise plan only the remaining work.\n")
	}
	if ctx.FindingsDigest != "" {
		fmt.Fprintf(&b, "\nFindings so far:\n%s\n", ctx.FindingsDigest)
	}
	if len(ctx.WorkingMemory) > 0 {
		if raw, err := json.Marshal(ctx.WorkingMemory); err == nil {
			fmt.Fprintf(&b, "\nWorking memory:\n%s\n", raw)
		}
	}
	return b.String()
}

// decodePlanPayload unmarshals a submit_plan tool-call payload into a Plan.
func decodePlanPayload(raw []byte) (models.Plan, error) {
	var plan models.Plan
	if len(raw) == 0 {
		return plan, ErrNoPlan
	}
	if err := json.Unmarshal(raw, &plan); err != nil {
		return plan, fmt.Errorf("planner: decode plan payload: %w", err)
	}
	return plan, nil
}
