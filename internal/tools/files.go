package tools

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/haasonsaas/keel/internal/runtime"
	"github.com/haasonsaas/keel/pkg/models"
)

const (
	toolRead  = "files.read"
	toolWrite = "files.write"
	toolList  = "files.list"
)

func readTool(cfg Config, resolver Resolver) Builtin {
	manifest := models.ToolManifest{
		Name:        toolRead,
		Version:     "1.0.0",
		Description: "Read a file from the workspace, optionally from a byte offset.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":      map[string]any{"type": "string", "minLength": 1},
				"offset":    map[string]any{"type": "integer", "minimum": 0},
				"max_bytes": map[string]any{"type": "integer", "minimum": 1},
			},
			"required":             []any{"path"},
			"additionalProperties": false,
		},
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":      map[string]any{"type": "string"},
				"content":   map[string]any{"type": "string"},
				"size":      map[string]any{"type": "integer"},
				"truncated": map[string]any{"type": "boolean"},
			},
			"required":             []any{"path", "content", "size", "truncated"},
			"additionalProperties": false,
		},
		Permissions: []string{ScopeFSRead},
		Supports:    models.ModeSupport{Mock: true, DryRun: true, Real: true},
		MockResponses: []map[string]any{
			{"path": "notes.txt", "content": "mock file contents", "size": 18, "truncated": false},
		},
	}

	handler := func(ctx context.Context, req runtime.HandlerRequest) (map[string]any, error) {
		var in struct {
			Path     string `json:"path"`
			Offset   int64  `json:"offset"`
			MaxBytes int    `json:"max_bytes"`
		}
		if err := decodeInput(req.Input, &in); err != nil {
			return nil, runtime.NewToolError(runtime.CodeInvalidInput, toolRead, "%v", err)
		}
		abs, err := resolver.Resolve(in.Path)
		if err != nil {
			return nil, runtime.NewToolError(runtime.CodePermissionDenied, toolRead, "%v", err)
		}
		if err := permitPath(toolRead, abs, req.Policy, req.Constraints, ScopeFSRead); err != nil {
			return nil, err
		}

		f, err := os.Open(abs)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, runtime.NewToolError(runtime.CodeInvalidInput, toolRead, "%s not found", in.Path)
			}
			return nil, err
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			return nil, runtime.NewToolError(runtime.CodeInvalidInput, toolRead, "%s is a directory", in.Path)
		}
		if in.Offset > 0 {
			if _, err := f.Seek(in.Offset, 0); err != nil {
				return nil, err
			}
		}

		limit := cfg.MaxReadBytes
		if in.MaxBytes > 0 && in.MaxBytes < limit {
			limit = in.MaxBytes
		}
		buf := make([]byte, limit+1)
		n, err := io.ReadFull(f, buf)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, err
		}
		truncated := n > limit
		if truncated {
			n = limit
		}
		return map[string]any{
			"path":      in.Path,
			"content":   string(buf[:n]),
			"size":      info.Size(),
			"truncated": truncated,
		}, nil
	}

	return Builtin{Manifest: manifest, Handler: handler}
}

func writeTool(cfg Config, resolver Resolver) Builtin {
	manifest := models.ToolManifest{
		Name:        toolWrite,
		Version:     "1.0.0",
		Description: "Write or append a file inside the workspace.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":        map[string]any{"type": "string", "minLength": 1},
				"content":     map[string]any{"type": "string"},
				"append":      map[string]any{"type": "boolean"},
				"create_dirs": map[string]any{"type": "boolean"},
			},
			"required":             []any{"path", "content"},
			"additionalProperties": false,
		},
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":          map[string]any{"type": "string"},
				"bytes_written": map[string]any{"type": "integer"},
				"created":       map[string]any{"type": "boolean"},
			},
			"required":             []any{"path", "bytes_written", "created"},
			"additionalProperties": false,
		},
		Permissions: []string{ScopeFSWrite},
		Supports:    models.ModeSupport{Mock: true, DryRun: true, Real: true},
		MockResponses: []map[string]any{
			{"path": "notes.txt", "bytes_written": 18, "created": true},
		},
	}

	handler := func(ctx context.Context, req runtime.HandlerRequest) (map[string]any, error) {
		var in struct {
			Path       string `json:"path"`
			Content    string `json:"content"`
			Append     bool   `json:"append"`
			CreateDirs bool   `json:"create_dirs"`
		}
		if err := decodeInput(req.Input, &in); err != nil {
			return nil, runtime.NewToolError(runtime.CodeInvalidInput, toolWrite, "%v", err)
		}
		if len(in.Content) > cfg.MaxWriteBytes {
			return nil, runtime.NewToolError(runtime.CodeInvalidInput, toolWrite, "content exceeds %d byte limit", cfg.MaxWriteBytes)
		}
		abs, err := resolver.Resolve(in.Path)
		if err != nil {
			return nil, runtime.NewToolError(runtime.CodePermissionDenied, toolWrite, "%v", err)
		}
		if err := permitPath(toolWrite, abs, req.Policy, req.Constraints, ScopeFSWrite); err != nil {
			return nil, err
		}

		if in.CreateDirs {
			if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
				return nil, err
			}
		}
		_, statErr := os.Stat(abs)
		created := os.IsNotExist(statErr)

		flags := os.O_CREATE | os.O_WRONLY
		if in.Append {
			flags |= os.O_APPEND
		} else {
			flags |= os.O_TRUNC
		}
		f, err := os.OpenFile(abs, flags, 0o644)
		if err != nil {
			return nil, err
		}
		n, err := f.WriteString(in.Content)
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"path":          in.Path,
			"bytes_written": n,
			"created":       created,
		}, nil
	}

	return Builtin{Manifest: manifest, Handler: handler}
}

func listTool(resolver Resolver) Builtin {
	manifest := models.ToolManifest{
		Name:        toolList,
		Version:     "1.0.0",
		Description: "List directory entries inside the workspace.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":        map[string]any{"type": "string"},
				"max_entries": map[string]any{"type": "integer", "minimum": 1},
			},
			"additionalProperties": false,
		},
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string"},
				"entries": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"name": map[string]any{"type": "string"},
							"type": map[string]any{"type": "string", "enum": []any{"file", "dir"}},
							"size": map[string]any{"type": "integer"},
						},
						"required":             []any{"name", "type", "size"},
						"additionalProperties": false,
					},
				},
				"truncated": map[string]any{"type": "boolean"},
			},
			"required":             []any{"path", "entries", "truncated"},
			"additionalProperties": false,
		},
		Permissions: []string{ScopeFSRead},
		Supports:    models.ModeSupport{Mock: true, DryRun: true, Real: true},
		MockResponses: []map[string]any{
			{
				"path": ".",
				"entries": []any{
					map[string]any{"name": "notes.txt", "type": "file", "size": 18},
				},
				"truncated": false,
			},
		},
	}

	handler := func(ctx context.Context, req runtime.HandlerRequest) (map[string]any, error) {
		var in struct {
			Path       string `json:"path"`
			MaxEntries int    `json:"max_entries"`
		}
		if err := decodeInput(req.Input, &in); err != nil {
			return nil, runtime.NewToolError(runtime.CodeInvalidInput, toolList, "%v", err)
		}
		if in.Path == "" {
			in.Path = "."
		}
		if in.MaxEntries <= 0 {
			in.MaxEntries = 500
		}
		abs, err := resolver.Resolve(in.Path)
		if err != nil {
			return nil, runtime.NewToolError(runtime.CodePermissionDenied, toolList, "%v", err)
		}
		if err := permitPath(toolList, abs, req.Policy, req.Constraints, ScopeFSRead); err != nil {
			return nil, err
		}

		dirEntries, err := os.ReadDir(abs)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, runtime.NewToolError(runtime.CodeInvalidInput, toolList, "%s not found", in.Path)
			}
			return nil, err
		}
		sort.Slice(dirEntries, func(i, j int) bool { return dirEntries[i].Name() < dirEntries[j].Name() })

		truncated := len(dirEntries) > in.MaxEntries
		if truncated {
			dirEntries = dirEntries[:in.MaxEntries]
		}
		entries := make([]any, 0, len(dirEntries))
		for _, entry := range dirEntries {
			kind := "file"
			var size int64
			if entry.IsDir() {
				kind = "dir"
			} else if info, err := entry.Info(); err == nil {
				size = info.Size()
			}
			entries = append(entries, map[string]any{
				"name": entry.Name(),
				"type": kind,
				"size": size,
			})
		}
		return map[string]any{
			"path":      in.Path,
			"entries":   entries,
			"truncated": truncated,
		}, nil
	}

	return Builtin{Manifest: manifest, Handler: handler}
}
