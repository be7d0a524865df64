package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/haasonsaas/keel/internal/permissions"
	"github.com/haasonsaas/keel/pkg/models"
)

// buildPrompter maps an --approve value onto a permission prompter. "prompt"
// needs stdin to be a terminal and degrades to deny otherwise, so headless
// invocations never hang on an approval.
func buildPrompter(approve string, out io.Writer) (permissions.Prompter, error) {
	switch approve {
	case "auto":
		return permissions.StaticPrompter{Decision: models.Decision{Type: models.DecisionAllowSession}}, nil
	case "deny":
		return permissions.StaticPrompter{Decision: models.Decision{Type: models.DecisionDeny}}, nil
	case "prompt":
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			slog.Warn("stdin is not a terminal, approval prompts will deny")
			return permissions.StaticPrompter{Decision: models.Decision{Type: models.DecisionDeny}}, nil
		}
		return &terminalPrompter{in: bufio.NewReader(os.Stdin), out: out}, nil
	default:
		return nil, fmt.Errorf("invalid --approve value %q (want auto, deny, or prompt)", approve)
	}
}

// terminalPrompter asks the operator on the controlling terminal. Prompts
// are serialized; the permission engine already coalesces duplicates.
type terminalPrompter struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

// Prompt implements permissions.Prompter. The engine treats a returned error
// as a denial, so an expired context needs no special handling here.
func (p *terminalPrompter) Prompt(ctx context.Context, req models.PermissionRequest) (models.Decision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "\npermission request: tool %s wants %s (session %s)\n",
		req.ToolName, strings.Join(req.Scopes, ", "), req.SessionID)
	fmt.Fprint(p.out, "  [y] allow once  [a] allow for session  [n] deny > ")

	type answer struct {
		text string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := p.in.ReadString('\n')
		ch <- answer{text: strings.ToLower(strings.TrimSpace(line)), err: err}
	}()

	scope := ""
	if len(req.Scopes) > 0 {
		scope = req.Scopes[0]
	}
	select {
	case <-ctx.Done():
		fmt.Fprintln(p.out, "(prompt expired, denying)")
		return models.Decision{}, ctx.Err()
	case ans := <-ch:
		if ans.err != nil && ans.text == "" {
			return models.Decision{}, ans.err
		}
		switch ans.text {
		case "y", "yes":
			return models.Decision{Type: models.DecisionAllowOnce, Scope: scope}, nil
		case "a", "always":
			return models.Decision{Type: models.DecisionAllowSession, Scope: scope}, nil
		default:
			return models.Decision{Type: models.DecisionDeny, Scope: scope}, nil
		}
	}
}
