package models

import "time"

// PlanSchemaVersion is the current plan envelope version. Planners emitting
// an older version are rejected at validation.
const PlanSchemaVersion = 1

// Plan is an ordered sequence of steps produced by the planner. Immutable
// once accepted; a session may accumulate several plans across agentic
// iterations and the active one is the last accepted.
type Plan struct {
	PlanID        string   `json:"plan_id"`
	SchemaVersion int      `json:"schema_version"`
	Goal          string   `json:"goal"`
	Assumptions   []string `json:"assumptions,omitempty"`
	Steps         []Step   `json:"steps"`
}

// Empty reports whether the plan carries no steps, which in agentic mode is
// the planner's signal that the task is done.
func (p Plan) Empty() bool {
	return len(p.Steps) == 0
}

// Clone returns a deep copy of the plan.
func (p Plan) Clone() Plan {
	out := p
	out.Assumptions = append([]string(nil), p.Assumptions...)
	out.Steps = make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		out.Steps[i] = s.Clone()
	}
	return out
}

// ToolRef names the tool a step is bound to. Version is advisory; the
// registry resolves by name.
type ToolRef struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// FailurePolicy decides what the kernel does when a step exhausts its
// retries.
type FailurePolicy string

const (
	FailAbort    FailurePolicy = "abort"
	FailContinue FailurePolicy = "continue"
	FailReplan   FailurePolicy = "replan"
)

// Step is one unit of work within a plan.
type Step struct {
	StepID          string         `json:"step_id"`
	Title           string         `json:"title"`
	ToolRef         ToolRef        `json:"tool_ref"`
	Input           map[string]any `json:"input,omitempty"`
	SuccessCriteria []string       `json:"success_criteria,omitempty"`
	FailurePolicy   FailurePolicy  `json:"failure_policy,omitempty"`
	TimeoutMs       int64          `json:"timeout_ms,omitempty"`
	MaxRetries      int            `json:"max_retries,omitempty"`
}

// Clone returns a deep copy of the step.
func (s Step) Clone() Step {
	out := s
	out.Input = cloneMap(s.Input)
	out.SuccessCriteria = append([]string(nil), s.SuccessCriteria...)
	return out
}

// StepStatus is the terminal state of one step execution.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult records the outcome of executing one step, including retries.
type StepResult struct {
	StepID     string         `json:"step_id"`
	Status     StepStatus     `json:"status"`
	Output     map[string]any `json:"output,omitempty"`
	Error      *ErrorInfo     `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Attempts   int            `json:"attempts"`
}

// Clone returns a deep copy of the result.
func (r StepResult) Clone() StepResult {
	out := r
	out.Output = cloneMap(r.Output)
	if r.Error != nil {
		errCopy := *r.Error
		out.Error = &errCopy
	}
	return out
}
