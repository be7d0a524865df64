package permissions

import (
	"path"
	"strings"

	"github.com/haasonsaas/keel/pkg/models"
)

// Scope is the parsed form of a capability scope string such as
// "filesystem:write:workspace" or "network:http:api.example.com". Tools may
// declare domain-specific categories; those pass the structural parse and
// skip the built-in policy gates.
type Scope struct {
	Category string
	Action   string
	Area     string
}

// ParseScope splits a raw scope into category:action:area. Missing segments
// are left empty.
func ParseScope(raw string) Scope {
	parts := strings.SplitN(raw, ":", 3)
	s := Scope{Category: parts[0]}
	if len(parts) > 1 {
		s.Action = parts[1]
	}
	if len(parts) > 2 {
		s.Area = parts[2]
	}
	return s
}

// String reassembles the scope.
func (s Scope) String() string {
	out := s.Category
	if s.Action != "" || s.Area != "" {
		out += ":" + s.Action
	}
	if s.Area != "" {
		out += ":" + s.Area
	}
	return out
}

// IsWrite reports whether the scope mutates state: filesystem writes and
// command execution. Used by the require_approval_for_writes policy knob.
func (s Scope) IsWrite() bool {
	switch s.Category {
	case "filesystem":
		return s.Action == "write"
	case "system":
		return s.Action == "exec"
	}
	return false
}

// passesGate applies the hard policy gate: a scope whose area falls outside
// the applicable allowlist is denied without prompting. An empty allowlist
// leaves that category unrestricted. Domain-specific categories have no
// built-in gate.
func passesGate(s Scope, policy models.PolicyProfile) bool {
	switch s.Category {
	case "filesystem":
		return matchAny(s.Area, policy.AllowedPaths)
	case "network":
		return matchAny(s.Area, policy.AllowedEndpoints)
	case "system":
		return matchAny(s.Area, policy.AllowedCommands)
	}
	return true
}

// matchAny reports whether area matches one of the patterns. Patterns are
// compared literally first, then as path globs, so "workspace", "*", and
// "tmp/*" all behave as expected.
func matchAny(area string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pattern := range patterns {
		if pattern == "*" || pattern == area {
			return true
		}
		if ok, err := path.Match(pattern, area); err == nil && ok {
			return true
		}
	}
	return false
}
