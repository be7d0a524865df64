package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/haasonsaas/keel/pkg/models"
)

// Code categorizes why a tool execution failed. Codes are stable strings
// carried in events and step results; the kernel keys retry decisions off
// them.
type Code string

const (
	// CodeInvalidInput means the step input violated the tool's input schema.
	CodeInvalidInput Code = "invalid_input"

	// CodeOutputInvalid means the tool returned output violating its schema.
	CodeOutputInvalid Code = "output_invalid"

	// CodeToolNotFound means no manifest is registered under the step's tool.
	CodeToolNotFound Code = "tool_not_found"

	// CodeModeUnsupported means the manifest does not support the requested
	// mode, or real mode was requested with no handler bound.
	CodeModeUnsupported Code = "mode_unsupported"

	// CodePermissionDenied means the permission engine refused a scope.
	CodePermissionDenied Code = "permission_denied"

	// CodeTimedOut means the handler exceeded the step timeout.
	CodeTimedOut Code = "timed_out"

	// CodeNetwork covers connection resets, DNS failures, and similar.
	CodeNetwork Code = "network"

	// CodeRateLimited is an HTTP 429 or equivalent throttle.
	CodeRateLimited Code = "rate_limited"

	// CodeServerError is a 5xx-style upstream failure.
	CodeServerError Code = "server_error"

	// CodeAborted means the session canceled the step.
	CodeAborted Code = "aborted"

	// CodeInternal is an unclassified failure.
	CodeInternal Code = "internal"
)

// Retryable reports whether the kernel may retry a step failing with this
// code. Validation, permission, and abort failures never retry.
func (c Code) Retryable() bool {
	switch c {
	case CodeTimedOut, CodeNetwork, CodeRateLimited, CodeServerError:
		return true
	default:
		return false
	}
}

// ToolError is a classified tool execution failure.
type ToolError struct {
	Code    Code
	Tool    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	if e.Tool != "" {
		parts = append(parts, e.Tool)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ToolError) Unwrap() error {
	return e.Cause
}

// NewToolError creates a classified error for a tool.
func NewToolError(code Code, tool, format string, args ...any) *ToolError {
	return &ToolError{Code: code, Tool: tool, Message: fmt.Sprintf(format, args...)}
}

// WrapToolError classifies cause and attaches the tool name. An existing
// ToolError passes through unchanged.
func WrapToolError(tool string, cause error) *ToolError {
	var te *ToolError
	if errors.As(cause, &te) {
		return te
	}
	return &ToolError{Code: Classify(cause), Tool: tool, Cause: cause}
}

// Classify maps an arbitrary error onto a Code. Structured ToolErrors keep
// their code; context errors map to timed_out/aborted; everything else is
// matched against common transport failure patterns.
func Classify(err error) Code {
	if err == nil {
		return CodeInternal
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimedOut
	}
	if errors.Is(err, context.Canceled) {
		return CodeAborted
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "etimedout"):
		return CodeTimedOut
	case strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "429"):
		return CodeRateLimited
	case strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "network is unreachable"):
		return CodeNetwork
	case strings.Contains(msg, "internal server") ||
		strings.Contains(msg, "server error") ||
		strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "gateway timeout") ||
		strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504"):
		return CodeServerError
	}
	return CodeInternal
}

// ClassifyStatus maps an HTTP status onto a Code.
func ClassifyStatus(status int) Code {
	switch {
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return CodeTimedOut
	case status >= 500:
		return CodeServerError
	case status == http.StatusBadRequest:
		return CodeInvalidInput
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CodePermissionDenied
	default:
		return CodeInternal
	}
}

// ToErrorInfo converts any error into the wire-level {code, message} shape.
func ToErrorInfo(err error) *models.ErrorInfo {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		msg := te.Message
		if msg == "" && te.Cause != nil {
			msg = te.Cause.Error()
		}
		return &models.ErrorInfo{Code: string(te.Code), Message: msg}
	}
	return &models.ErrorInfo{Code: string(Classify(err)), Message: err.Error()}
}
