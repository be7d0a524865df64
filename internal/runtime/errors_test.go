package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{context.DeadlineExceeded, CodeTimedOut},
		{context.Canceled, CodeAborted},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), CodeTimedOut},
		{errors.New("dial tcp: i/o timeout"), CodeTimedOut},
		{errors.New("429 too many requests"), CodeRateLimited},
		{errors.New("rate limit exceeded, retry later"), CodeRateLimited},
		{errors.New("dial tcp: connection refused"), CodeNetwork},
		{errors.New("lookup api.example.com: no such host"), CodeNetwork},
		{errors.New("upstream returned 502 bad gateway"), CodeServerError},
		{errors.New("service unavailable"), CodeServerError},
		{errors.New("something odd happened"), CodeInternal},
		{nil, CodeInternal},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}

	// Structured errors keep their code regardless of message.
	te := NewToolError(CodePermissionDenied, "echo", "scope denied")
	if got := Classify(te); got != CodePermissionDenied {
		t.Fatalf("Classify(ToolError) = %s, want permission_denied", got)
	}
	if got := Classify(fmt.Errorf("wrapped: %w", te)); got != CodePermissionDenied {
		t.Fatalf("Classify(wrapped ToolError) = %s, want permission_denied", got)
	}
}

func TestCodeRetryable(t *testing.T) {
	retryable := []Code{CodeTimedOut, CodeNetwork, CodeRateLimited, CodeServerError}
	for _, code := range retryable {
		if !code.Retryable() {
			t.Fatalf("%s.Retryable() = false, want true", code)
		}
	}
	terminal := []Code{
		CodeInvalidInput, CodeOutputInvalid, CodeToolNotFound,
		CodeModeUnsupported, CodePermissionDenied, CodeAborted, CodeInternal,
	}
	for _, code := range terminal {
		if code.Retryable() {
			t.Fatalf("%s.Retryable() = true, want false", code)
		}
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   Code
	}{
		{http.StatusTooManyRequests, CodeRateLimited},
		{http.StatusRequestTimeout, CodeTimedOut},
		{http.StatusGatewayTimeout, CodeTimedOut},
		{http.StatusInternalServerError, CodeServerError},
		{http.StatusBadGateway, CodeServerError},
		{http.StatusBadRequest, CodeInvalidInput},
		{http.StatusUnauthorized, CodePermissionDenied},
		{http.StatusForbidden, CodePermissionDenied},
		{http.StatusTeapot, CodeInternal},
	}
	for _, tc := range cases {
		if got := ClassifyStatus(tc.status); got != tc.want {
			t.Fatalf("ClassifyStatus(%d) = %s, want %s", tc.status, got, tc.want)
		}
	}
}

func TestToolErrorFormatting(t *testing.T) {
	te := NewToolError(CodeInvalidInput, "files.read", "field %q missing", "path")
	want := `[invalid_input] files.read field "path" missing`
	if te.Error() != want {
		t.Fatalf("Error() = %q, want %q", te.Error(), want)
	}

	cause := errors.New("boom")
	wrapped := &ToolError{Code: CodeInternal, Tool: "x", Cause: cause}
	if wrapped.Error() != "[internal] x boom" {
		t.Fatalf("Error() = %q", wrapped.Error())
	}
	if !errors.Is(wrapped, cause) {
		t.Fatal("Unwrap must expose the cause")
	}
}

func TestWrapToolError(t *testing.T) {
	te := NewToolError(CodeRateLimited, "echo", "slow down")
	if got := WrapToolError("other", te); got != te {
		t.Fatal("existing ToolError must pass through unchanged")
	}

	wrapped := WrapToolError("echo", errors.New("connection reset by peer"))
	if wrapped.Code != CodeNetwork || wrapped.Tool != "echo" {
		t.Fatalf("WrapToolError() = %+v, want network/echo", wrapped)
	}
}

func TestToErrorInfo(t *testing.T) {
	if ToErrorInfo(nil) != nil {
		t.Fatal("ToErrorInfo(nil) must be nil")
	}

	info := ToErrorInfo(NewToolError(CodeTimedOut, "echo", "handler exceeded 30s"))
	if info.Code != "timed_out" || info.Message != "handler exceeded 30s" {
		t.Fatalf("ToErrorInfo() = %+v", info)
	}

	// A ToolError with only a cause falls back to the cause's message.
	info = ToErrorInfo(&ToolError{Code: CodeNetwork, Tool: "echo", Cause: errors.New("refused")})
	if info.Message != "refused" {
		t.Fatalf("message = %q, want refused", info.Message)
	}

	info = ToErrorInfo(errors.New("generic failure"))
	if info.Code != "internal" || info.Message != "generic failure" {
		t.Fatalf("ToErrorInfo() = %+v", info)
	}
}
