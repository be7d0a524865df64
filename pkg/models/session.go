package models

import "time"

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionCreated   SessionStatus = "created"
	SessionPlanning  SessionStatus = "planning"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionAborted   SessionStatus = "aborted"
)

// IsTerminal reports whether the status is absorbing.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionAborted:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine allows moving from s to
// next. Terminal states absorb everything; abort is only reachable from
// planning and running.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case SessionCreated:
		return next == SessionPlanning || next == SessionFailed
	case SessionPlanning:
		return next == SessionRunning || next == SessionCompleted ||
			next == SessionFailed || next == SessionAborted
	case SessionRunning:
		return next == SessionPlanning || next == SessionCompleted ||
			next == SessionFailed || next == SessionAborted
	}
	return false
}

// RunMode selects how tool steps are dispatched.
type RunMode string

const (
	ModeReal   RunMode = "real"
	ModeDryRun RunMode = "dry_run"
	ModeMock   RunMode = "mock"
)

// Valid reports whether the mode is one of the three dispatch modes.
func (m RunMode) Valid() bool {
	return m == ModeReal || m == ModeDryRun || m == ModeMock
}

// Task is the natural-language work item a session executes.
type Task struct {
	TaskID      string    `json:"task_id"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"created_at"`
	SubmittedBy string    `json:"submitted_by,omitempty"`
}

// Limits bound a session. Zero values mean "no limit" except MaxIterations,
// which the kernel defaults to 1 for non-agentic sessions.
type Limits struct {
	MaxSteps      int     `json:"max_steps,omitempty"`
	MaxDurationMs int64   `json:"max_duration_ms,omitempty"`
	MaxCostUSD    float64 `json:"max_cost_usd,omitempty"`
	MaxTokens     int64   `json:"max_tokens,omitempty"`
	MaxIterations int     `json:"max_iterations,omitempty"`
}

// Usage aggregates planner spend for one session.
type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	PlannerCalls int     `json:"planner_calls"`
}

// Add accumulates another usage sample.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CostUSD += other.CostUSD
	u.PlannerCalls += other.PlannerCalls
}

// TotalTokens is the combined input and output token count.
func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}

// ErrorInfo is the serializable {code, message} pair carried by failed
// steps and terminal session events.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Session is the kernel's record of one end-to-end task execution.
// Only the kernel mutates it; everything else reads clones.
type Session struct {
	SessionID     string        `json:"session_id"`
	Task          Task          `json:"task"`
	Mode          RunMode       `json:"mode"`
	Status        SessionStatus `json:"status"`
	Agentic       bool          `json:"agentic,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Limits        Limits        `json:"limits"`
	Policy        PolicyProfile `json:"policy"`
	PlanIteration int           `json:"plan_iteration"`
	Usage         Usage         `json:"usage"`
	LastError     *ErrorInfo    `json:"last_error,omitempty"`
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Policy = s.Policy.Clone()
	if s.LastError != nil {
		errCopy := *s.LastError
		out.LastError = &errCopy
	}
	return &out
}
