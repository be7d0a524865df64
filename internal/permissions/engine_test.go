package permissions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/keel/pkg/models"
)

type captureJournal struct {
	mu     sync.Mutex
	events []models.Event
}

func (c *captureJournal) Append(_ context.Context, typ models.EventType, sessionID string, payload map[string]any) (models.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev := models.Event{Seq: int64(len(c.events) + 1), SessionID: sessionID, Type: typ, Payload: payload}
	c.events = append(c.events, ev)
	return ev, nil
}

func (c *captureJournal) types() []models.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.EventType, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

type countingPrompter struct {
	mu       sync.Mutex
	calls    int
	decision models.Decision
	err      error
	block    chan struct{}
}

func (p *countingPrompter) Prompt(ctx context.Context, _ models.PermissionRequest) (models.Decision, error) {
	p.mu.Lock()
	p.calls++
	block := p.block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return models.Decision{Type: models.DecisionDeny}, ctx.Err()
		}
	}
	return p.decision, p.err
}

func (p *countingPrompter) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func writeRequest(session string) CheckRequest {
	return CheckRequest{
		SessionID: session,
		StepID:    "step-1",
		ToolName:  "write_file",
		Scope:     "filesystem:write:workspace",
	}
}

func TestPolicyGateDeniesWithoutPrompting(t *testing.T) {
	prompter := &countingPrompter{decision: models.Decision{Type: models.DecisionAllowOnce}}
	engine := New(prompter, &captureJournal{})

	req := writeRequest("s-1")
	req.Scope = "filesystem:write:secrets"
	req.Policy = models.PolicyProfile{AllowedPaths: []string{"workspace"}}

	decision := engine.Check(context.Background(), req)
	if decision.Type != models.DecisionDeny {
		t.Errorf("decision = %q, want deny", decision.Type)
	}
	if prompter.count() != 0 {
		t.Errorf("prompter called %d times, want 0", prompter.count())
	}
}

func TestPreGrantAllowsImmediately(t *testing.T) {
	prompter := &countingPrompter{decision: models.Decision{Type: models.DecisionDeny}}
	engine := New(prompter, &captureJournal{})
	engine.PreGrant("s-1", []string{"filesystem:read:workspace"})

	decision := engine.Check(context.Background(), CheckRequest{
		SessionID: "s-1",
		ToolName:  "read_file",
		Scope:     "filesystem:read:workspace",
	})
	if decision.Type != models.DecisionAllowOnce {
		t.Errorf("decision = %q, want allow_once", decision.Type)
	}
	if prompter.count() != 0 {
		t.Errorf("prompter called %d times, want 0", prompter.count())
	}
}

func TestPreGrantWildcardMatches(t *testing.T) {
	engine := New(&countingPrompter{}, &captureJournal{})
	engine.PreGrant("s-1", []string{"filesystem:read:*"})

	decision := engine.Check(context.Background(), CheckRequest{
		SessionID: "s-1",
		ToolName:  "read_file",
		Scope:     "filesystem:read:notes",
	})
	if !decision.Allowed() {
		t.Errorf("decision = %q, want wildcard pre-grant to allow", decision.Type)
	}
}

func TestAllowSessionCachedPerSession(t *testing.T) {
	prompter := &countingPrompter{decision: models.Decision{Type: models.DecisionAllowSession}}
	engine := New(prompter, &captureJournal{}, WithPromptTimeout(time.Second))

	req := CheckRequest{SessionID: "s-1", ToolName: "read_file", Scope: "filesystem:read:workspace"}
	if d := engine.Check(context.Background(), req); d.Type != models.DecisionAllowSession {
		t.Fatalf("first check = %q, want allow_session", d.Type)
	}
	if d := engine.Check(context.Background(), req); !d.Allowed() {
		t.Fatalf("cached check = %q, want allow", d.Type)
	}
	if prompter.count() != 1 {
		t.Errorf("prompter called %d times, want 1 for same session", prompter.count())
	}

	// A new session re-prompts.
	req.SessionID = "s-2"
	engine.Check(context.Background(), req)
	if prompter.count() != 2 {
		t.Errorf("prompter called %d times, want 2 after new session", prompter.count())
	}
}

func TestAllowAlwaysCachedGlobally(t *testing.T) {
	prompter := &countingPrompter{decision: models.Decision{Type: models.DecisionAllowAlways}}
	engine := New(prompter, &captureJournal{}, WithPromptTimeout(time.Second))

	req := CheckRequest{SessionID: "s-1", ToolName: "http_get", Scope: "network:http:api.example.com"}
	engine.Check(context.Background(), req)

	req.SessionID = "s-2"
	if d := engine.Check(context.Background(), req); !d.Allowed() {
		t.Fatalf("cross-session check = %q, want allow from global cache", d.Type)
	}
	if prompter.count() != 1 {
		t.Errorf("prompter called %d times, want 1", prompter.count())
	}
}

func TestPromptTimeoutDenies(t *testing.T) {
	prompter := &countingPrompter{block: make(chan struct{})}
	engine := New(prompter, &captureJournal{}, WithPromptTimeout(30*time.Millisecond))

	start := time.Now()
	decision := engine.Check(context.Background(), writeRequest("s-1"))
	if decision.Type != models.DecisionDeny {
		t.Errorf("decision = %q, want deny on timeout", decision.Type)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v, want prompt resolution near 30ms", elapsed)
	}
}

func TestPromptErrorDenies(t *testing.T) {
	prompter := &countingPrompter{err: errors.New("prompter offline")}
	engine := New(prompter, &captureJournal{}, WithPromptTimeout(time.Second))

	decision := engine.Check(context.Background(), writeRequest("s-1"))
	if decision.Type != models.DecisionDeny {
		t.Errorf("decision = %q, want deny on prompt error", decision.Type)
	}
}

func TestConcurrentChecksShareOnePrompt(t *testing.T) {
	release := make(chan struct{})
	prompter := &countingPrompter{
		decision: models.Decision{Type: models.DecisionAllowOnce},
		block:    release,
	}
	engine := New(prompter, &captureJournal{}, WithPromptTimeout(5*time.Second))

	const waiters = 5
	var wg sync.WaitGroup
	decisions := make([]models.Decision, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decisions[i] = engine.Check(context.Background(), writeRequest("s-1"))
		}(i)
	}

	// Give all goroutines time to reach the shared pending prompt.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, d := range decisions {
		if !d.Allowed() {
			t.Errorf("waiter %d decision = %q, want allow", i, d.Type)
		}
	}
	if prompter.count() != 1 {
		t.Errorf("prompter called %d times, want 1 coalesced prompt", prompter.count())
	}
}

func TestRequireApprovalForWritesBypassesCaches(t *testing.T) {
	prompter := &countingPrompter{decision: models.Decision{Type: models.DecisionAllowSession}}
	engine := New(prompter, &captureJournal{}, WithPromptTimeout(time.Second))

	req := writeRequest("s-1")
	req.Policy = models.PolicyProfile{RequireApprovalForWrites: true}

	engine.Check(context.Background(), req)
	engine.Check(context.Background(), req)
	if prompter.count() != 2 {
		t.Errorf("prompter called %d times, want 2 with approval required for writes", prompter.count())
	}

	// Reads still use the session cache under the same policy.
	read := CheckRequest{
		SessionID: "s-1",
		ToolName:  "read_file",
		Scope:     "filesystem:read:workspace",
		Policy:    models.PolicyProfile{RequireApprovalForWrites: true},
	}
	engine.Check(context.Background(), read)
	engine.Check(context.Background(), read)
	if prompter.count() != 3 {
		t.Errorf("prompter called %d times, want 3 with cached read", prompter.count())
	}
}

func TestResolveSessionClearsCacheAndPreGrants(t *testing.T) {
	prompter := &countingPrompter{decision: models.Decision{Type: models.DecisionAllowSession}}
	engine := New(prompter, &captureJournal{}, WithPromptTimeout(time.Second))

	req := CheckRequest{SessionID: "s-1", ToolName: "read_file", Scope: "filesystem:read:workspace"}
	engine.Check(context.Background(), req)
	engine.ResolveSession("s-1")
	engine.Check(context.Background(), req)
	if prompter.count() != 2 {
		t.Errorf("prompter called %d times, want re-prompt after session resolution", prompter.count())
	}
}

func TestCheckEmitsRequestedAndOutcomeEvents(t *testing.T) {
	journal := &captureJournal{}
	engine := New(StaticPrompter{Decision: models.Decision{Type: models.DecisionAllowOnce}}, journal,
		WithPromptTimeout(time.Second))

	engine.Check(context.Background(), writeRequest("s-1"))

	types := journal.types()
	if len(types) != 2 {
		t.Fatalf("journal has %d events, want 2", len(types))
	}
	if types[0] != models.EventPermissionRequested {
		t.Errorf("first event = %q, want permission.requested", types[0])
	}
	if types[1] != models.EventPermissionGranted {
		t.Errorf("second event = %q, want permission.granted", types[1])
	}

	var payload models.PermissionEventPayload
	if err := models.DecodePayload(journal.events[1], &payload); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if payload.Decision != string(models.DecisionAllowOnce) {
		t.Errorf("payload decision = %q, want allow_once", payload.Decision)
	}
	if payload.Source != "prompt" {
		t.Errorf("payload source = %q, want prompt", payload.Source)
	}
}

func TestDeniedCheckEmitsDeniedEvent(t *testing.T) {
	journal := &captureJournal{}
	engine := New(StaticPrompter{Decision: models.Decision{Type: models.DecisionDeny}}, journal,
		WithPromptTimeout(time.Second))

	engine.Check(context.Background(), writeRequest("s-1"))

	types := journal.types()
	if len(types) != 2 || types[1] != models.EventPermissionDenied {
		t.Errorf("event types = %v, want requested then denied", types)
	}
}
