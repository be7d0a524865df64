package models

// ModeSupport declares which dispatch modes a tool implements.
type ModeSupport struct {
	Real   bool `json:"real"`
	DryRun bool `json:"dry_run"`
	Mock   bool `json:"mock"`
}

// ToolManifest is the typed catalog entry for one tool. Manifests are loaded
// at startup and immutable after registration; the registry hands out copies.
type ToolManifest struct {
	Name          string           `json:"name"`
	Version       string           `json:"version"`
	Description   string           `json:"description"`
	Runner        string           `json:"runner,omitempty"`
	InputSchema   map[string]any   `json:"input_schema"`
	OutputSchema  map[string]any   `json:"output_schema"`
	Permissions   []string         `json:"permissions,omitempty"`
	TimeoutMs     int64            `json:"timeout_ms,omitempty"`
	Supports      ModeSupport      `json:"supports"`
	MockResponses []map[string]any `json:"mock_responses,omitempty"`
}

// SupportsMode reports whether the manifest declares support for m.
func (t ToolManifest) SupportsMode(m RunMode) bool {
	switch m {
	case ModeReal:
		return t.Supports.Real
	case ModeDryRun:
		return t.Supports.DryRun
	case ModeMock:
		return t.Supports.Mock
	}
	return false
}

// Clone returns a deep copy of the manifest.
func (t ToolManifest) Clone() ToolManifest {
	out := t
	out.InputSchema = cloneMap(t.InputSchema)
	out.OutputSchema = cloneMap(t.OutputSchema)
	out.Permissions = append([]string(nil), t.Permissions...)
	if t.MockResponses != nil {
		out.MockResponses = make([]map[string]any, len(t.MockResponses))
		for i, r := range t.MockResponses {
			out.MockResponses[i] = cloneMap(r)
		}
	}
	return out
}
