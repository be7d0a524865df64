package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/keel/pkg/models"
)

func setupMockDB(t *testing.T) (sqlmock.Sqlmock, *SQLiteStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return mock, &SQLiteStore{db: db}
}

func sessionJSON(t *testing.T, s *models.Session) string {
	t.Helper()
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal session: %v", err)
	}
	return string(data)
}

func TestSQLiteStoreCreate(t *testing.T) {
	mock, store := setupMockDB(t)

	s := newSession("s1", models.SessionCreated)
	mock.ExpectExec("INSERT INTO sessions").
		WithArgs("s1", string(models.SessionCreated), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.Create(context.Background(), s); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLiteStoreCreateMintsID(t *testing.T) {
	mock, store := setupMockDB(t)

	s := newSession("", models.SessionCreated)
	s.SessionID = ""
	mock.ExpectExec("INSERT INTO sessions").
		WithArgs(sqlmock.AnyArg(), string(models.SessionCreated), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.Create(context.Background(), s); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.SessionID == "" {
		t.Fatal("expected minted session id")
	}
}

func TestSQLiteStoreCreateDBError(t *testing.T) {
	mock, store := setupMockDB(t)

	mock.ExpectExec("INSERT INTO sessions").
		WillReturnError(errors.New("disk I/O error"))

	err := store.Create(context.Background(), newSession("s1", models.SessionCreated))
	if err == nil {
		t.Fatal("expected error from database")
	}
}

func TestSQLiteStoreUpdate(t *testing.T) {
	mock, store := setupMockDB(t)

	s := newSession("s1", models.SessionRunning)
	mock.ExpectExec("UPDATE sessions").
		WithArgs(string(models.SessionRunning), sqlmock.AnyArg(), "s1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Update(context.Background(), s); err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func TestSQLiteStoreUpdateNotFound(t *testing.T) {
	mock, store := setupMockDB(t)

	mock.ExpectExec("UPDATE sessions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Update(context.Background(), newSession("ghost", models.SessionRunning))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStoreGet(t *testing.T) {
	mock, store := setupMockDB(t)

	want := newSession("s1", models.SessionCompleted)
	want.Usage = models.Usage{InputTokens: 10, OutputTokens: 5, PlannerCalls: 1}
	rows := sqlmock.NewRows([]string{"data"}).AddRow(sessionJSON(t, want))
	mock.ExpectQuery("SELECT data FROM sessions WHERE id = ").
		WithArgs("s1").
		WillReturnRows(rows)

	got, err := store.Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SessionID != "s1" || got.Status != models.SessionCompleted {
		t.Fatalf("unexpected session: %+v", got)
	}
	if got.Usage.InputTokens != 10 || got.Usage.PlannerCalls != 1 {
		t.Fatalf("usage not round-tripped: %+v", got.Usage)
	}
}

func TestSQLiteStoreGetNotFound(t *testing.T) {
	mock, store := setupMockDB(t)

	mock.ExpectQuery("SELECT data FROM sessions WHERE id = ").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.Get(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStoreGetCorruptData(t *testing.T) {
	mock, store := setupMockDB(t)

	rows := sqlmock.NewRows([]string{"data"}).AddRow("{not json")
	mock.ExpectQuery("SELECT data FROM sessions WHERE id = ").
		WithArgs("s1").
		WillReturnRows(rows)

	if _, err := store.Get(context.Background(), "s1"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestSQLiteStoreList(t *testing.T) {
	mock, store := setupMockDB(t)

	a := newSession("a", models.SessionCompleted)
	a.CreatedAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := newSession("b", models.SessionCompleted)
	b.CreatedAt = time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"data"}).
		AddRow(sessionJSON(t, a)).
		AddRow(sessionJSON(t, b))
	mock.ExpectQuery("SELECT data FROM sessions WHERE status = ").
		WithArgs(string(models.SessionCompleted), 10).
		WillReturnRows(rows)

	got, err := store.List(context.Background(), ListOptions{
		Status: models.SessionCompleted,
		Limit:  10,
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || got[0].SessionID != "a" || got[1].SessionID != "b" {
		t.Fatalf("unexpected list: %+v", got)
	}
}

func TestSQLiteStoreListDBError(t *testing.T) {
	mock, store := setupMockDB(t)

	mock.ExpectQuery("SELECT data FROM sessions").
		WillReturnError(errors.New("database is locked"))

	if _, err := store.List(context.Background(), ListOptions{}); err == nil {
		t.Fatal("expected error from database")
	}
}
