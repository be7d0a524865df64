// Package registry manages the tool manifest catalog: loading manifests
// from disk, validating them, compiling their JSON Schemas once, and
// handing the planner a compact tool catalog.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/keel/pkg/models"
)

const maxToolNameLength = 128

var toolNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// ErrManifestInvalid wraps all manifest validation failures.
var ErrManifestInvalid = errors.New("registry: invalid manifest")

// PlannerSchema is one entry of the compact catalog handed to the planner.
type PlannerSchema struct {
	Name        string         `json:"name"`
	Version     string         `json:"version,omitempty"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
	Permissions []string       `json:"permissions,omitempty"`
}

type compiledSchemas struct {
	input  *jsonschema.Schema
	output *jsonschema.Schema
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithWatchDebounce sets the quiet period before a watched directory is
// reloaded after file events.
func WithWatchDebounce(d time.Duration) Option {
	return func(r *Registry) { r.debounce = d }
}

// Registry holds the registered tool manifests. Reads hand out copies so
// callers can never mutate the catalog in place.
type Registry struct {
	mu        sync.RWMutex
	manifests map[string]*models.ToolManifest
	compiled  map[string]compiledSchemas

	logger   *slog.Logger
	debounce time.Duration

	watchMu     sync.Mutex
	watchWg     sync.WaitGroup
	watchCancel func()
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		manifests: make(map[string]*models.ToolManifest),
		compiled:  make(map[string]compiledSchemas),
		logger:    slog.Default().With("component", "registry"),
		debounce:  250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates the manifest, compiles its schemas, and adds it to the
// catalog, replacing any previous manifest with the same name.
func (r *Registry) Register(manifest models.ToolManifest) error {
	if err := validateManifest(manifest); err != nil {
		return err
	}

	input, err := compileSchema(manifest.Name+"/input", manifest.InputSchema)
	if err != nil {
		return fmt.Errorf("%w: %s: input_schema: %v", ErrManifestInvalid, manifest.Name, err)
	}
	output, err := compileSchema(manifest.Name+"/output", manifest.OutputSchema)
	if err != nil {
		return fmt.Errorf("%w: %s: output_schema: %v", ErrManifestInvalid, manifest.Name, err)
	}

	if manifest.Supports.Mock {
		for i, resp := range manifest.MockResponses {
			instance, err := JSONInstance(resp)
			if err != nil {
				return fmt.Errorf("%w: %s: mock_responses[%d]: %v", ErrManifestInvalid, manifest.Name, i, err)
			}
			if err := output.Validate(instance); err != nil {
				return fmt.Errorf("%w: %s: mock_responses[%d] does not satisfy output_schema: %v",
					ErrManifestInvalid, manifest.Name, i, err)
			}
		}
	}

	clone := manifest.Clone()
	r.mu.Lock()
	r.manifests[manifest.Name] = &clone
	r.compiled[manifest.Name] = compiledSchemas{input: input, output: output}
	r.mu.Unlock()

	r.logger.Debug("registered tool", "name", manifest.Name, "version", manifest.Version)
	return nil
}

// LoadFromDirectory reads every *.json manifest in dir in lexicographic
// order and registers each. Files that fail to parse or validate are
// skipped; their errors come back joined so the caller can decide whether a
// partial catalog is acceptable. Returns the number registered.
func (r *Registry) LoadFromDirectory(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("registry: read directory %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var errs []error
	loaded := 0
	for _, name := range names {
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		var manifest models.ToolManifest
		if err := json.Unmarshal(raw, &manifest); err != nil {
			errs = append(errs, fmt.Errorf("%s: parse: %w", name, err))
			continue
		}
		if err := r.Register(manifest); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		loaded++
	}

	r.logger.Info("loaded tool manifests", "dir", dir, "loaded", loaded, "skipped", len(errs))
	return loaded, errors.Join(errs...)
}

// Get returns a copy of the named manifest.
func (r *Registry) Get(name string) (models.ToolManifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	manifest, ok := r.manifests[name]
	if !ok {
		return models.ToolManifest{}, false
	}
	return manifest.Clone(), true
}

// List returns copies of all manifests sorted by name.
func (r *Registry) List() []models.ToolManifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.ToolManifest, 0, len(r.manifests))
	for _, manifest := range r.manifests {
		out = append(out, manifest.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SchemasForPlanner returns the compact catalog used to prompt the planner,
// sorted by name.
func (r *Registry) SchemasForPlanner() []PlannerSchema {
	manifests := r.List()
	out := make([]PlannerSchema, len(manifests))
	for i, manifest := range manifests {
		out[i] = PlannerSchema{
			Name:        manifest.Name,
			Version:     manifest.Version,
			Description: manifest.Description,
			InputSchema: manifest.InputSchema,
			Permissions: manifest.Permissions,
		}
	}
	return out
}

// InputSchema returns the compiled input schema for a registered tool.
func (r *Registry) InputSchema(name string) (*jsonschema.Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.compiled[name]
	if !ok {
		return nil, false
	}
	return c.input, true
}

// OutputSchema returns the compiled output schema for a registered tool.
func (r *Registry) OutputSchema(name string) (*jsonschema.Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.compiled[name]
	if !ok {
		return nil, false
	}
	return c.output, true
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.manifests)
}

// JSONInstance converts v into the generic decoded-JSON shape the schema
// validator expects, regardless of the Go types used to build it.
func JSONInstance(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func compileSchema(id string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	return jsonschema.CompileString("manifest://"+id+".json", string(raw))
}

func validateManifest(manifest models.ToolManifest) error {
	switch {
	case manifest.Name == "":
		return fmt.Errorf("%w: name is required", ErrManifestInvalid)
	case len(manifest.Name) > maxToolNameLength:
		return fmt.Errorf("%w: %s: name exceeds %d characters", ErrManifestInvalid, manifest.Name, maxToolNameLength)
	case !toolNamePattern.MatchString(manifest.Name):
		return fmt.Errorf("%w: %s: name must match %s", ErrManifestInvalid, manifest.Name, toolNamePattern)
	case manifest.InputSchema == nil:
		return fmt.Errorf("%w: %s: input_schema is required", ErrManifestInvalid, manifest.Name)
	case manifest.OutputSchema == nil:
		return fmt.Errorf("%w: %s: output_schema is required", ErrManifestInvalid, manifest.Name)
	case !manifest.Supports.Real && !manifest.Supports.DryRun && !manifest.Supports.Mock:
		return fmt.Errorf("%w: %s: at least one mode must be supported", ErrManifestInvalid, manifest.Name)
	case manifest.Supports.Mock && len(manifest.MockResponses) == 0:
		return fmt.Errorf("%w: %s: mock support requires mock_responses", ErrManifestInvalid, manifest.Name)
	case manifest.TimeoutMs < 0:
		return fmt.Errorf("%w: %s: timeout_ms must not be negative", ErrManifestInvalid, manifest.Name)
	}
	return nil
}
