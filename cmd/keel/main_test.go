package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/keel/pkg/models"
)

// execute runs the CLI with args and returns its combined output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// writeTestConfig writes a mock-mode config rooted in dir and returns its
// path.
func writeTestConfig(t *testing.T, dir string) string {
	t.Helper()
	cfg := fmt.Sprintf(`data_dir: %s
logging:
  level: error
planner:
  provider: mock
session:
  mode: mock
runtime:
  workspace: %s
`, filepath.Join(dir, "data"), dir)
	path := filepath.Join(dir, "keel.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"run", "serve", "journal", "schedule", "sessions", "lessons", "tools", "config", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "keel dev") {
		t.Fatalf("version output = %q", out)
	}
}

func TestConfigSchemaCommand(t *testing.T) {
	out, err := execute(t, "config", "schema")
	if err != nil {
		t.Fatalf("config schema: %v", err)
	}
	for _, want := range []string{`"data_dir"`, `"planner"`, `"scheduler"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("schema output missing %s", want)
		}
	}
}

func TestConfigCheckCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)

	out, err := execute(t, "config", "check", "--config", cfgPath)
	if err != nil {
		t.Fatalf("config check: %v", err)
	}
	if !strings.Contains(out, "config OK") {
		t.Fatalf("config check output = %q", out)
	}
}

func TestConfigCheckRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keel.yaml")
	if err := os.WriteFile(path, []byte("data_dirr: oops\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := execute(t, "config", "check", "--config", path); err == nil {
		t.Fatal("config check accepted an unknown key")
	}
}

func TestJournalVerifyMissingFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)

	out, err := execute(t, "journal", "verify", "--config", cfgPath)
	if err != nil {
		t.Fatalf("journal verify: %v", err)
	}
	if !strings.Contains(out, "journal OK: 0 event(s) verified") {
		t.Fatalf("verify output = %q", out)
	}
}

func TestJournalVerifyBrokenChain(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)
	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, "journal.jsonl"), []byte("not json\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "journal", "verify", "--config", cfgPath)
	if err == nil {
		t.Fatal("verify accepted a broken journal")
	}
	if !strings.Contains(out, "journal BROKEN") {
		t.Fatalf("verify output = %q", out)
	}
}

func TestJournalTailWithoutJournal(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)

	out, err := execute(t, "journal", "tail", "--config", cfgPath)
	if err != nil {
		t.Fatalf("journal tail: %v", err)
	}
	if !strings.Contains(out, "No events found.") {
		t.Fatalf("tail output = %q", out)
	}
}

func TestToolsListShowsBuiltins(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)

	out, err := execute(t, "tools", "list", "--config", cfgPath)
	if err != nil {
		t.Fatalf("tools list: %v", err)
	}
	for _, name := range []string{"files.read", "files.write", "files.list", "exec.run", "http.fetch"} {
		if !strings.Contains(out, name) {
			t.Fatalf("tools list missing %s:\n%s", name, out)
		}
	}
}

func TestLessonsPruneDropsOldLessons(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)
	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		t.Fatal(err)
	}
	old := `{"lesson_id":"l-old","task_summary":"list files","outcome":"succeeded","lesson":"workspace listing works","session_id":"s-1","created_at":"2020-01-02T03:04:05Z","relevance_count":1}`
	recent := fmt.Sprintf(`{"lesson_id":"l-new","task_summary":"fetch page","outcome":"failed","lesson":"endpoint not allowed","session_id":"s-2","created_at":%q,"relevance_count":0}`,
		time.Now().UTC().Format(time.RFC3339Nano))
	content := old + "\n" + recent + "\n"
	if err := os.WriteFile(filepath.Join(dataDir, "lessons.jsonl"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "lessons", "prune", "--config", cfgPath, "--max-age", "720h")
	if err != nil {
		t.Fatalf("lessons prune: %v", err)
	}
	if !strings.Contains(out, "pruned 1 lesson(s)") {
		t.Fatalf("prune output = %q", out)
	}
	if !strings.Contains(out, "1 remain") {
		t.Fatalf("prune output = %q", out)
	}
}

func TestScheduleTriggerFlagValidation(t *testing.T) {
	if _, err := (scheduleCreateFlags{}).buildTrigger(); err == nil {
		t.Fatal("buildTrigger accepted zero trigger flags")
	}
	if _, err := (scheduleCreateFlags{every: "5m", cron: "* * * * *"}).buildTrigger(); err == nil {
		t.Fatal("buildTrigger accepted two trigger flags")
	}

	trig, err := (scheduleCreateFlags{every: "30s"}).buildTrigger()
	if err != nil {
		t.Fatalf("buildTrigger(every) error = %v", err)
	}
	if trig.Type != models.TriggerEvery || trig.Interval != "30s" {
		t.Fatalf("trigger = %+v", trig)
	}

	trig, err = (scheduleCreateFlags{cron: "0 9 * * *", timezone: "America/New_York"}).buildTrigger()
	if err != nil {
		t.Fatalf("buildTrigger(cron) error = %v", err)
	}
	if trig.Type != models.TriggerCron || trig.Expression != "0 9 * * *" || trig.Timezone != "America/New_York" {
		t.Fatalf("trigger = %+v", trig)
	}

	trig, err = (scheduleCreateFlags{at: "2031-01-02T15:04:05Z"}).buildTrigger()
	if err != nil {
		t.Fatalf("buildTrigger(at) error = %v", err)
	}
	if trig.Type != models.TriggerAt || trig.At == nil {
		t.Fatalf("trigger = %+v", trig)
	}

	if _, err := (scheduleCreateFlags{at: "tomorrow"}).buildTrigger(); err == nil {
		t.Fatal("buildTrigger accepted a non-RFC3339 --at")
	}
}

// TestRunCommandMockSession drives the full stack once: config load, app
// wiring, mock plan, permission auto-grant, mock dispatch, and teardown.
// It stays the only test that builds the app; metrics register with the
// process-wide Prometheus registry.
func TestRunCommandMockSession(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)

	out, err := execute(t, "run", "list the workspace", "--config", cfgPath, "--approve", "auto")
	if err != nil {
		t.Fatalf("run: %v\noutput:\n%s", err, out)
	}
	if !strings.Contains(out, "status:      completed") {
		t.Fatalf("run output = %q", out)
	}

	// The journal the run left behind verifies clean.
	out, err = execute(t, "journal", "verify", "--config", cfgPath)
	if err != nil {
		t.Fatalf("verify after run: %v\noutput:\n%s", err, out)
	}
	if !strings.Contains(out, "journal OK") {
		t.Fatalf("verify output = %q", out)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Fatalf("truncate(short) = %q", got)
	}
	if got := truncate("a very long task description", 10); got != "a very ..." {
		t.Fatalf("truncate(long) = %q", got)
	}
}
