package scheduler

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/keel/pkg/models"
)

func testSchedule(id, name string) *models.Schedule {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	next := now.Add(5 * time.Minute)
	return &models.Schedule{
		ScheduleID: id,
		Name:       name,
		Trigger:    models.Trigger{Type: models.TriggerEvery, Interval: "5m"},
		Action:     models.Action{Type: models.ActionCreateSession, TaskText: "tidy up"},
		Options:    models.ScheduleOptions{MaxFailures: 3, MissedPolicy: models.MissedSkip},
		Status:     models.ScheduleActive,
		NextRunAt:  &next,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestStorePutGetList(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "schedules.jsonl"))
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	defer store.Close()

	for _, id := range []string{"a", "b", "c"} {
		if err := store.Put(testSchedule(id, "job-"+id)); err != nil {
			t.Fatalf("Put(%s) error = %v", id, err)
		}
	}

	got, err := store.Get("b")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "job-b" {
		t.Fatalf("Get() name = %q, want job-b", got.Name)
	}

	// Mutating a returned copy must not leak into the store.
	got.Name = "mutated"
	again, _ := store.Get("b")
	if again.Name != "job-b" {
		t.Fatalf("store leaked a mutable reference: name = %q", again.Name)
	}

	list := store.List()
	if len(list) != 3 {
		t.Fatalf("List() len = %d, want 3", len(list))
	}
	for i, id := range []string{"a", "b", "c"} {
		if list[i].ScheduleID != id {
			t.Fatalf("List()[%d] = %s, want %s (insertion order)", i, list[i].ScheduleID, id)
		}
	}
}

func TestStoreGetMissing(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "schedules.jsonl"))
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	defer store.Close()

	if _, err := store.Get("ghost"); err != ErrScheduleNotFound {
		t.Fatalf("Get() error = %v, want ErrScheduleNotFound", err)
	}
	if err := store.Delete("ghost"); err != ErrScheduleNotFound {
		t.Fatalf("Delete() error = %v, want ErrScheduleNotFound", err)
	}
}

func TestStoreLastWriteWinsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.jsonl")
	store, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}

	sched := testSchedule("a", "first")
	if err := store.Put(sched); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	sched.Name = "second"
	sched.RunCount = 7
	if err := store.Put(sched); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	store.Close()

	reopened, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore(reopen) error = %v", err)
	}
	defer reopened.Close()

	if reopened.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", reopened.Len())
	}
	got, err := reopened.Get("a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "second" || got.RunCount != 7 {
		t.Fatalf("Get() = %q run_count %d, want the newest record", got.Name, got.RunCount)
	}
}

func TestStoreDeletePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.jsonl")
	store, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}

	if err := store.Put(testSchedule("a", "keep")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Put(testSchedule("b", "drop")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Delete("b"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	store.Close()

	reopened, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore(reopen) error = %v", err)
	}
	defer reopened.Close()

	if reopened.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", reopened.Len())
	}
	if _, err := reopened.Get("b"); err != ErrScheduleNotFound {
		t.Fatalf("Get(deleted) error = %v, want ErrScheduleNotFound", err)
	}
}

func TestStoreCompactsDeadRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.jsonl")
	store, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	defer store.Close()

	sched := testSchedule("a", "job")
	for i := 0; i < 20; i++ {
		sched.RunCount = i
		if err := store.Put(sched); err != nil {
			t.Fatalf("Put(#%d) error = %v", i, err)
		}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	lines := strings.Count(string(raw), "\n")
	if lines > rewriteRatio {
		t.Fatalf("file holds %d lines for 1 schedule, compaction did not run", lines)
	}

	got, err := store.Get("a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.RunCount != 19 {
		t.Fatalf("Get() run_count = %d, want 19", got.RunCount)
	}
}

func TestStoreClosed(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "schedules.jsonl"))
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	store.Close()

	if err := store.Put(testSchedule("a", "late")); err != ErrStoreClosed {
		t.Fatalf("Put() error = %v, want ErrStoreClosed", err)
	}
	if _, err := store.Get("a"); err != ErrStoreClosed {
		t.Fatalf("Get() error = %v, want ErrStoreClosed", err)
	}
}

func TestStoreSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.jsonl")
	store, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	if err := store.Put(testSchedule("a", "solid")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	store.Close()

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	if _, err := file.WriteString("{not json\n"); err != nil {
		t.Fatalf("WriteString() error = %v", err)
	}
	file.Close()

	reopened, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore(reopen) error = %v", err)
	}
	defer reopened.Close()

	if reopened.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", reopened.Len())
	}
}
