// Package tools ships the built-in tool set: workspace file access, command
// execution, and HTTP fetch. Each built-in couples a manifest (schemas,
// scopes, mock responses) with a real-mode handler that re-checks the
// session policy and any constrained-grant limits before touching the host.
package tools

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/keel/internal/registry"
	"github.com/haasonsaas/keel/internal/runtime"
	"github.com/haasonsaas/keel/pkg/models"
)

// Permission scopes declared by the built-in manifests. The area segment is
// what the permission gate matches against the session policy allow-lists;
// handlers separately enforce the concrete entries of those lists.
const (
	ScopeFSRead  = "filesystem:read:workspace"
	ScopeFSWrite = "filesystem:write:workspace"
	ScopeExec    = "system:exec:workspace"
	ScopeNet     = "network:http:public"
)

// Config controls workspace scoping and safety limits for the built-ins.
// The zero value works: the workspace defaults to the current directory and
// all limits take their documented defaults.
type Config struct {
	// Workspace roots every relative path; files tools refuse to escape it.
	Workspace string

	// MaxReadBytes caps files.read content (default 200000).
	MaxReadBytes int

	// MaxWriteBytes caps files.write content (default 1 MiB).
	MaxWriteBytes int

	// MaxOutputBytes caps each captured exec stream (default 64000).
	MaxOutputBytes int

	// MaxFetchBytes caps http.fetch bodies (default 65536).
	MaxFetchBytes int

	// HTTPClient overrides the fetch client, mainly for tests.
	HTTPClient *http.Client
}

func (c Config) withDefaults() Config {
	if c.Workspace == "" {
		c.Workspace = "."
	}
	if c.MaxReadBytes <= 0 {
		c.MaxReadBytes = 200000
	}
	if c.MaxWriteBytes <= 0 {
		c.MaxWriteBytes = 1 << 20
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = 64000
	}
	if c.MaxFetchBytes <= 0 {
		c.MaxFetchBytes = 65536
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	return c
}

// Builtin couples a manifest with its real-mode handler.
type Builtin struct {
	Manifest models.ToolManifest
	Handler  runtime.Handler
}

// Builtins returns the built-in tool set scoped to cfg.
func Builtins(cfg Config) []Builtin {
	cfg = cfg.withDefaults()
	resolver := Resolver{Root: cfg.Workspace}
	return []Builtin{
		readTool(cfg, resolver),
		writeTool(cfg, resolver),
		listTool(resolver),
		execTool(cfg, resolver),
		fetchTool(cfg),
	}
}

// Register installs the built-ins into the registry and binds their
// real-mode handlers on the runtime.
func Register(reg *registry.Registry, rt *runtime.Runtime, cfg Config) error {
	for _, builtin := range Builtins(cfg) {
		if err := reg.Register(builtin.Manifest); err != nil {
			return fmt.Errorf("tools: register %s: %w", builtin.Manifest.Name, err)
		}
		rt.RegisterHandler(builtin.Manifest.Name, builtin.Handler)
	}
	return nil
}

// WriteManifests dumps each manifest as pretty-printed JSON under dir, one
// <name>.json per tool, for registries loading from a manifest directory.
func WriteManifests(dir string, manifests []models.ToolManifest) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("tools: create manifest directory: %w", err)
	}
	for _, manifest := range manifests {
		raw, err := json.MarshalIndent(manifest, "", "  ")
		if err != nil {
			return fmt.Errorf("tools: encode %s: %w", manifest.Name, err)
		}
		path := filepath.Join(dir, manifest.Name+".json")
		if err := os.WriteFile(path, append(raw, '\n'), 0o644); err != nil {
			return fmt.Errorf("tools: write %s: %w", path, err)
		}
	}
	return nil
}

// decodeInput maps the schema-validated input onto a typed struct.
func decodeInput(input map[string]any, out any) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode input: %w", err)
	}
	return nil
}

// scopeConstraint returns the named constraint value for a scope, if a
// constrained grant supplied one.
func scopeConstraint(constraints map[string]map[string]any, scope, key string) (string, bool) {
	scoped, ok := constraints[scope]
	if !ok {
		return "", false
	}
	value, ok := scoped[key].(string)
	return value, ok && value != ""
}

// scopeArea returns the area segment of a category:action:area scope.
func scopeArea(scope string) string {
	if i := strings.LastIndex(scope, ":"); i >= 0 {
		return scope[i+1:]
	}
	return ""
}
