package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/haasonsaas/keel/internal/runtime"
	"github.com/haasonsaas/keel/pkg/models"
)

const toolFetch = "http.fetch"

func fetchTool(cfg Config) Builtin {
	manifest := models.ToolManifest{
		Name:        toolFetch,
		Version:     "1.0.0",
		Description: "Fetch a URL over HTTP or HTTPS. Response status is returned as data.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url":       map[string]any{"type": "string", "minLength": 1},
				"method":    map[string]any{"type": "string", "enum": []any{"GET", "HEAD"}},
				"max_bytes": map[string]any{"type": "integer", "minimum": 1},
			},
			"required":             []any{"url"},
			"additionalProperties": false,
		},
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url":          map[string]any{"type": "string"},
				"status":       map[string]any{"type": "integer"},
				"content_type": map[string]any{"type": "string"},
				"body":         map[string]any{"type": "string"},
				"truncated":    map[string]any{"type": "boolean"},
			},
			"required":             []any{"url", "status", "body", "truncated"},
			"additionalProperties": false,
		},
		Permissions: []string{ScopeNet},
		TimeoutMs:   30000,
		Supports:    models.ModeSupport{Mock: true, DryRun: true, Real: true},
		MockResponses: []map[string]any{
			{"url": "https://example.com", "status": 200, "content_type": "text/html", "body": "<html>mock</html>", "truncated": false},
		},
	}

	handler := func(ctx context.Context, req runtime.HandlerRequest) (map[string]any, error) {
		var in struct {
			URL      string `json:"url"`
			Method   string `json:"method"`
			MaxBytes int    `json:"max_bytes"`
		}
		if err := decodeInput(req.Input, &in); err != nil {
			return nil, runtime.NewToolError(runtime.CodeInvalidInput, toolFetch, "%v", err)
		}
		if in.Method == "" {
			in.Method = http.MethodGet
		}
		parsed, err := url.Parse(in.URL)
		if err != nil {
			return nil, runtime.NewToolError(runtime.CodeInvalidInput, toolFetch, "parse url: %v", err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return nil, runtime.NewToolError(runtime.CodeInvalidInput, toolFetch, "scheme %q not supported", parsed.Scheme)
		}
		if err := permitURL(in.URL, req.Policy, req.Constraints); err != nil {
			return nil, err
		}

		httpReq, err := http.NewRequestWithContext(ctx, in.Method, in.URL, nil)
		if err != nil {
			return nil, runtime.NewToolError(runtime.CodeInvalidInput, toolFetch, "%v", err)
		}
		resp, err := cfg.HTTPClient.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", in.URL, err)
		}
		defer resp.Body.Close()

		limit := cfg.MaxFetchBytes
		if in.MaxBytes > 0 && in.MaxBytes < limit {
			limit = in.MaxBytes
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, int64(limit)+1))
		if err != nil {
			return nil, err
		}
		truncated := len(body) > limit
		if truncated {
			body = body[:limit]
		}
		return map[string]any{
			"url":          in.URL,
			"status":       resp.StatusCode,
			"content_type": resp.Header.Get("Content-Type"),
			"body":         string(body),
			"truncated":    truncated,
		}, nil
	}

	return Builtin{Manifest: manifest, Handler: handler}
}

// permitURL enforces the concrete half of the endpoint allow-list and any
// constrained-grant url_prefix. Only entries carrying a scheme constrain the
// handler; bare area labels belong to the permission gate. Matching is by
// string prefix so entries can pin a host or a path subtree.
func permitURL(raw string, policy models.PolicyProfile, constraints map[string]map[string]any) error {
	restricted := false
	allowed := false
	for _, prefix := range policy.AllowedEndpoints {
		if !strings.Contains(prefix, "://") {
			continue
		}
		restricted = true
		if strings.HasPrefix(raw, prefix) {
			allowed = true
			break
		}
	}
	if restricted && !allowed {
		return runtime.NewToolError(runtime.CodePermissionDenied, toolFetch, "url %q outside allowed endpoints", raw)
	}
	if prefix, ok := scopeConstraint(constraints, ScopeNet, "url_prefix"); ok {
		if !strings.HasPrefix(raw, prefix) {
			return runtime.NewToolError(runtime.CodePermissionDenied, toolFetch, "url %q outside granted prefix %q", raw, prefix)
		}
	}
	return nil
}
