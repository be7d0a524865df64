package sessions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/keel/pkg/models"
)

func newSession(id string, status models.SessionStatus) *models.Session {
	return &models.Session{
		SessionID: id,
		Task:      models.Task{TaskID: "t-" + id, Text: "work"},
		Mode:      models.ModeMock,
		Status:    status,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s := newSession("", models.SessionCreated)
	s.SessionID = ""
	s.CreatedAt = time.Time{}
	s.UpdatedAt = time.Time{}
	if err := store.Create(ctx, s); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.SessionID == "" {
		t.Fatal("expected generated session id reflected back")
	}
	if s.CreatedAt.IsZero() || s.UpdatedAt.IsZero() {
		t.Fatal("expected timestamps reflected back")
	}

	got, err := store.Get(ctx, s.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Task.Text != "work" {
		t.Fatalf("task text = %q, want work", got.Task.Text)
	}

	// Mutating the returned clone must not affect the stored record.
	got.Status = models.SessionFailed
	again, err := store.Get(ctx, s.SessionID)
	if err != nil {
		t.Fatalf("Get again: %v", err)
	}
	if again.Status != models.SessionCreated {
		t.Fatalf("stored status mutated to %q", again.Status)
	}
}

func TestMemoryStoreGetNotFound(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreCreateDuplicate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newSession("dup", models.SessionCreated)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, newSession("dup", models.SessionCreated)); err == nil {
		t.Fatal("expected error on duplicate id")
	}
}

func TestMemoryStoreUpdate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s := newSession("u1", models.SessionCreated)
	if err := store.Create(ctx, s); err != nil {
		t.Fatalf("Create: %v", err)
	}

	s.Status = models.SessionRunning
	s.PlanIteration = 1
	if err := store.Update(ctx, s); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := store.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.SessionRunning || got.PlanIteration != 1 {
		t.Fatalf("update not applied: %+v", got)
	}

	if err := store.Update(ctx, newSession("missing", models.SessionRunning)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreListFilterAndPage(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i, status := range []models.SessionStatus{
		models.SessionCompleted, models.SessionFailed,
		models.SessionCompleted, models.SessionCompleted,
	} {
		s := newSession(string(rune('a'+i)), status)
		if err := store.Create(ctx, s); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("len(all) = %d, want 4", len(all))
	}
	if all[0].SessionID != "a" || all[3].SessionID != "d" {
		t.Fatalf("insertion order not preserved: %s..%s", all[0].SessionID, all[3].SessionID)
	}

	completed, err := store.List(ctx, ListOptions{Status: models.SessionCompleted})
	if err != nil {
		t.Fatalf("List completed: %v", err)
	}
	if len(completed) != 3 {
		t.Fatalf("len(completed) = %d, want 3", len(completed))
	}

	page, err := store.List(ctx, ListOptions{Status: models.SessionCompleted, Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("List page: %v", err)
	}
	if len(page) != 1 || page[0].SessionID != "c" {
		t.Fatalf("unexpected page: %+v", page)
	}

	empty, err := store.List(ctx, ListOptions{Offset: 10})
	if err != nil {
		t.Fatalf("List past end: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty page, got %d", len(empty))
	}
}
