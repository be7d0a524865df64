package tools

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/keel/internal/runtime"
	"github.com/haasonsaas/keel/pkg/models"
)

const toolExec = "exec.run"

func execTool(cfg Config, resolver Resolver) Builtin {
	manifest := models.ToolManifest{
		Name:        toolExec,
		Version:     "1.0.0",
		Description: "Run a command in the workspace without a shell. Non-zero exits are returned as data.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":     "array",
					"items":    map[string]any{"type": "string"},
					"minItems": 1,
				},
				"cwd": map[string]any{"type": "string"},
			},
			"required":             []any{"command"},
			"additionalProperties": false,
		},
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command":     map[string]any{"type": "string"},
				"exit_code":   map[string]any{"type": "integer"},
				"stdout":      map[string]any{"type": "string"},
				"stderr":      map[string]any{"type": "string"},
				"duration_ms": map[string]any{"type": "integer"},
				"truncated":   map[string]any{"type": "boolean"},
			},
			"required":             []any{"command", "exit_code", "stdout", "stderr", "duration_ms", "truncated"},
			"additionalProperties": false,
		},
		Permissions: []string{ScopeExec},
		TimeoutMs:   120000,
		Supports:    models.ModeSupport{Mock: true, DryRun: true, Real: true},
		MockResponses: []map[string]any{
			{"command": "echo hello", "exit_code": 0, "stdout": "hello\n", "stderr": "", "duration_ms": 3, "truncated": false},
		},
	}

	handler := func(ctx context.Context, req runtime.HandlerRequest) (map[string]any, error) {
		var in struct {
			Command []string `json:"command"`
			Cwd     string   `json:"cwd"`
		}
		if err := decodeInput(req.Input, &in); err != nil {
			return nil, runtime.NewToolError(runtime.CodeInvalidInput, toolExec, "%v", err)
		}
		if len(in.Command) == 0 || in.Command[0] == "" {
			return nil, runtime.NewToolError(runtime.CodeInvalidInput, toolExec, "command must not be empty")
		}
		if err := permitCommand(in.Command[0], req.Policy); err != nil {
			return nil, err
		}
		cwd := in.Cwd
		if cwd == "" {
			cwd = "."
		}
		absCwd, err := resolver.Resolve(cwd)
		if err != nil {
			return nil, runtime.NewToolError(runtime.CodePermissionDenied, toolExec, "%v", err)
		}

		cmd := exec.CommandContext(ctx, in.Command[0], in.Command[1:]...)
		cmd.Dir = absCwd
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		start := time.Now()
		runErr := cmd.Run()
		duration := time.Since(start)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		exitCode := 0
		if runErr != nil {
			var exitErr *exec.ExitError
			if errors.As(runErr, &exitErr) {
				exitCode = exitErr.ExitCode()
			} else {
				return nil, runtime.NewToolError(runtime.CodeInvalidInput, toolExec, "start %s: %v", in.Command[0], runErr)
			}
		}

		outStr, outTrunc := clipOutput(stdout.Bytes(), cfg.MaxOutputBytes)
		errStr, errTrunc := clipOutput(stderr.Bytes(), cfg.MaxOutputBytes)
		return map[string]any{
			"command":     strings.Join(in.Command, " "),
			"exit_code":   exitCode,
			"stdout":      outStr,
			"stderr":      errStr,
			"duration_ms": duration.Milliseconds(),
			"truncated":   outTrunc || errTrunc,
		}, nil
	}

	return Builtin{Manifest: manifest, Handler: handler}
}

// permitCommand enforces the concrete half of the command allow-list against
// the executable name. Entries matching the exec scope's area, and the "*"
// glob, are gate vocabulary rather than command names and are skipped here.
// Both the raw argv[0] and its basename count as a match so policies can
// list either "go" or "/usr/local/go/bin/go".
func permitCommand(argv0 string, policy models.PolicyProfile) error {
	area := scopeArea(ScopeExec)
	base := filepath.Base(argv0)
	restricted := false
	for _, allowed := range policy.AllowedCommands {
		if allowed == "*" || allowed == area {
			continue
		}
		restricted = true
		if argv0 == allowed || base == allowed {
			return nil
		}
	}
	if restricted {
		return runtime.NewToolError(runtime.CodePermissionDenied, toolExec, "command %q not in allowed commands", argv0)
	}
	return nil
}

func clipOutput(raw []byte, limit int) (string, bool) {
	if len(raw) <= limit {
		return string(raw), false
	}
	return string(raw[:limit]), true
}
