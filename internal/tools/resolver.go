package tools

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/keel/internal/runtime"
	"github.com/haasonsaas/keel/pkg/models"
)

// Resolver maps tool-supplied paths into a workspace root and refuses
// escapes. Relative paths resolve against the root; absolute paths are
// allowed only when they stay inside it.
type Resolver struct {
	Root string
}

// Resolve returns the absolute path for p, or an error when p would land
// outside the workspace.
func (r Resolver) Resolve(p string) (string, error) {
	root, err := filepath.Abs(r.Root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, abs)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes workspace", p)
	}
	return abs, nil
}

// permitPath enforces the concrete half of the session path policy and any
// constrained-grant path_prefix on an already-resolved absolute path. Area
// labels in allowed_paths ("workspace") are the permission gate's business
// and do not constrain the handler. Violations surface as permission_denied
// so callers fail the step the same way the permission engine would.
func permitPath(tool, abs string, policy models.PolicyProfile, constraints map[string]map[string]any, scope string) error {
	if !pathAllowed(abs, policy.AllowedPaths) {
		return runtime.NewToolError(runtime.CodePermissionDenied, tool, "path %q outside allowed paths", abs)
	}
	if prefix, ok := scopeConstraint(constraints, scope, "path_prefix"); ok {
		if !hasPathPrefix(abs, prefix) {
			return runtime.NewToolError(runtime.CodePermissionDenied, tool, "path %q outside granted prefix %q", abs, prefix)
		}
	}
	return nil
}

// pathAllowed checks abs against the absolute entries of the allow-list.
// A list with no absolute entries leaves the handler unrestricted; the
// workspace resolver still bounds every path.
func pathAllowed(abs string, allowed []string) bool {
	restricted := false
	for _, prefix := range allowed {
		if !filepath.IsAbs(prefix) {
			continue
		}
		restricted = true
		if hasPathPrefix(abs, prefix) {
			return true
		}
	}
	return !restricted
}

// hasPathPrefix reports whether abs is prefix itself or a descendant of it.
// Comparison is by path segment so /tmp/foo does not match /tmp/foobar.
func hasPathPrefix(abs, prefix string) bool {
	prefix = filepath.Clean(prefix)
	if abs == prefix {
		return true
	}
	return strings.HasPrefix(abs, prefix+string(filepath.Separator))
}
