package models

// PermissionRequest asks for one or more capability scopes on behalf of a
// step about to execute a tool.
type PermissionRequest struct {
	RequestID string   `json:"request_id"`
	SessionID string   `json:"session_id"`
	StepID    string   `json:"step_id,omitempty"`
	ToolName  string   `json:"tool_name"`
	Scopes    []string `json:"scopes"`
}

// DecisionType is the kind of answer a prompter (or cache, or policy gate)
// returns for a permission request.
type DecisionType string

const (
	DecisionAllowOnce        DecisionType = "allow_once"
	DecisionAllowSession     DecisionType = "allow_session"
	DecisionAllowAlways      DecisionType = "allow_always"
	DecisionDeny             DecisionType = "deny"
	DecisionAllowConstrained DecisionType = "allow_constrained"
	DecisionAllowObserved    DecisionType = "allow_observed"
)

// Decision is the resolved answer for a single scope.
type Decision struct {
	Type           DecisionType   `json:"type"`
	Scope          string         `json:"scope,omitempty"`
	Constraints    map[string]any `json:"constraints,omitempty"`
	TelemetryLevel string         `json:"telemetry_level,omitempty"`
}

// Allowed reports whether the decision permits execution.
func (d Decision) Allowed() bool {
	switch d.Type {
	case DecisionAllowOnce, DecisionAllowSession, DecisionAllowAlways,
		DecisionAllowConstrained, DecisionAllowObserved:
		return true
	}
	return false
}

// PolicyProfile is the per-session hard policy: scopes outside the allowed
// sets are denied without prompting. Empty lists leave that category
// unrestricted.
type PolicyProfile struct {
	AllowedPaths             []string `json:"allowed_paths,omitempty"`
	AllowedEndpoints         []string `json:"allowed_endpoints,omitempty"`
	AllowedCommands          []string `json:"allowed_commands,omitempty"`
	RequireApprovalForWrites bool     `json:"require_approval_for_writes,omitempty"`
}

// Clone returns a deep copy of the profile.
func (p PolicyProfile) Clone() PolicyProfile {
	return PolicyProfile{
		AllowedPaths:             append([]string(nil), p.AllowedPaths...),
		AllowedEndpoints:         append([]string(nil), p.AllowedEndpoints...),
		AllowedCommands:          append([]string(nil), p.AllowedCommands...),
		RequireApprovalForWrites: p.RequireApprovalForWrites,
	}
}
