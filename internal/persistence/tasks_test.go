package persistence_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/basket/currency-agent/internal/persistence"
)

func openTaskStore(t *testing.T) (*persistence.TaskStore, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(context.Background(), persistence.Config{
		DSN: filepath.Join(t.TempDir(), "tasks.db"),
		Now: steppingClock(),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ts, err := persistence.NewTaskStore(context.Background(), store)
	if err != nil {
		t.Fatalf("new task store: %v", err)
	}
	return ts, store
}

func taskRecord(id, contextID, state string) persistence.TaskRecord {
	return persistence.TaskRecord{
		ID:        id,
		ContextID: contextID,
		Data:      []byte(fmt.Sprintf(`{"id":%q,"contextId":%q,"status":{"state":%q}}`, id, contextID, state)),
	}
}

func TestTaskStore_CreateAndGet(t *testing.T) {
	ts, _ := openTaskStore(t)
	ctx := context.Background()

	rec := taskRecord("task-1", "ctx-1", "submitted")
	if err := ts.CreateTask(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, ok := ts.GetTask(ctx, "task-1")
	if !ok {
		t.Fatal("expected task to exist")
	}
	if got.ID != "task-1" || got.ContextID != "ctx-1" {
		t.Fatalf("unexpected keys: %+v", got)
	}
	if string(got.Data) != string(rec.Data) {
		t.Fatalf("data mismatch: got %s", got.Data)
	}
	if got.CreatedAt.IsZero() || !got.CreatedAt.Equal(got.UpdatedAt) {
		t.Fatalf("expected created_at == updated_at on insert, got %v / %v", got.CreatedAt, got.UpdatedAt)
	}
}

func TestTaskStore_GetUnknownIsAbsent(t *testing.T) {
	ts, _ := openTaskStore(t)
	if _, ok := ts.GetTask(context.Background(), "missing"); ok {
		t.Fatal("expected absent task")
	}
	if _, err := ts.LoadTask(context.Background(), "missing"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTaskStore_CreateDuplicateIsConflict(t *testing.T) {
	ts, _ := openTaskStore(t)
	ctx := context.Background()

	if err := ts.CreateTask(ctx, taskRecord("task-1", "ctx-1", "submitted")); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := ts.CreateTask(ctx, taskRecord("task-1", "ctx-1", "working"))
	if !errors.Is(err, persistence.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if persistence.Classify(err) != persistence.OutcomeConflict {
		t.Fatalf("expected conflict outcome, got %v", persistence.Classify(err))
	}
}

func TestTaskStore_CreateRejectsEmptyKeys(t *testing.T) {
	ts, store := openTaskStore(t)
	ctx := context.Background()
	for _, rec := range []persistence.TaskRecord{
		{ContextID: "ctx"},
		{ID: "t"},
		{ID: "  ", ContextID: "ctx"},
	} {
		err := ts.CreateTask(ctx, rec)
		if !errors.Is(err, persistence.ErrInvalid) {
			t.Fatalf("CreateTask(%+v) = %v, want ErrInvalid", rec, err)
		}
		if got := persistence.Classify(err); got != persistence.OutcomeInvalid {
			t.Fatalf("Classify = %v, want invalid", got)
		}
		if err := ts.UpdateTask(ctx, rec); !errors.Is(err, persistence.ErrInvalid) {
			t.Fatalf("UpdateTask(%+v) = %v, want ErrInvalid", rec, err)
		}
	}
	if n := store.Health().Errors; n != 0 {
		t.Fatalf("rejected records must not count as store errors, got %d", n)
	}
}

func TestTaskStore_UpdateReplacesWholeDocument(t *testing.T) {
	ts, _ := openTaskStore(t)
	ctx := context.Background()

	original := persistence.TaskRecord{ID: "task-1", ContextID: "ctx-1", Data: []byte(`{"a":1,"b":2}`)}
	if err := ts.CreateTask(ctx, original); err != nil {
		t.Fatalf("create: %v", err)
	}
	replacement := persistence.TaskRecord{ID: "task-1", ContextID: "ctx-1", Data: []byte(`{"c":3}`)}
	if err := ts.UpdateTask(ctx, replacement); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, ok := ts.GetTask(ctx, "task-1")
	if !ok {
		t.Fatal("expected task after update")
	}
	if string(got.Data) != `{"c":3}` {
		t.Fatalf("expected full replace, got %s", got.Data)
	}
	if !got.UpdatedAt.After(got.CreatedAt) {
		t.Fatalf("expected updated_at to advance: created=%v updated=%v", got.CreatedAt, got.UpdatedAt)
	}
}

func TestTaskStore_UpdateUnknownIsNotFound(t *testing.T) {
	ts, _ := openTaskStore(t)
	err := ts.UpdateTask(context.Background(), taskRecord("ghost", "ctx", "working"))
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTaskStore_ListNewestFirst(t *testing.T) {
	ts, _ := openTaskStore(t)
	ctx := context.Background()

	for _, rec := range []persistence.TaskRecord{
		taskRecord("t1", "ctx-a", "completed"),
		taskRecord("t2", "ctx-b", "completed"),
		taskRecord("t3", "ctx-a", "working"),
	} {
		if err := ts.CreateTask(ctx, rec); err != nil {
			t.Fatalf("create %s: %v", rec.ID, err)
		}
	}

	all, err := ts.ListTasks(ctx, "", 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(all))
	}
	want := []string{"t3", "t2", "t1"}
	for i, id := range want {
		if all[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, all[i].ID)
		}
	}
}

func TestTaskStore_ListFilteredWithLimit(t *testing.T) {
	ts, _ := openTaskStore(t)
	ctx := context.Background()

	for _, rec := range []persistence.TaskRecord{
		taskRecord("t1", "ctx-a", "completed"),
		taskRecord("t2", "ctx-a", "completed"),
		taskRecord("t3", "ctx-b", "working"),
	} {
		if err := ts.CreateTask(ctx, rec); err != nil {
			t.Fatalf("create %s: %v", rec.ID, err)
		}
	}

	got, err := ts.ListTasks(ctx, "ctx-a", 1, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "t2" {
		t.Fatalf("expected newest ctx-a task t2, got %+v", got)
	}

	page2, err := ts.ListTasks(ctx, "ctx-a", 1, 1)
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(page2) != 1 || page2[0].ID != "t1" {
		t.Fatalf("expected t1 on second page, got %+v", page2)
	}

	none, err := ts.ListTasks(ctx, "ctx-missing", 10, 0)
	if err != nil {
		t.Fatalf("list missing: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no tasks, got %d", len(none))
	}
}

func TestTaskStore_ListDefaultsLimit(t *testing.T) {
	ts, _ := openTaskStore(t)
	ctx := context.Background()
	for i := 0; i < 105; i++ {
		if err := ts.CreateTask(ctx, taskRecord(fmt.Sprintf("t%03d", i), "ctx", "completed")); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	got, err := ts.ListTasks(ctx, "", 0, -5)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 100 {
		t.Fatalf("expected default limit 100, got %d", len(got))
	}
	if got[0].ID != "t104" {
		t.Fatalf("expected newest first, got %s", got[0].ID)
	}
}

func TestTaskStore_ErrorsPropagateWhenDatabaseDown(t *testing.T) {
	ts, store := openTaskStore(t)
	ctx := context.Background()
	if err := ts.CreateTask(ctx, taskRecord("t1", "ctx", "submitted")); err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = store.Close()

	if _, ok := ts.GetTask(ctx, "t1"); ok {
		t.Fatal("expected fail-open read to report absent")
	}
	if err := ts.CreateTask(ctx, taskRecord("t2", "ctx", "submitted")); !persistence.IsTransient(err) {
		t.Fatalf("expected transient create error, got %v", err)
	}
	if err := ts.UpdateTask(ctx, taskRecord("t1", "ctx", "working")); !persistence.IsTransient(err) {
		t.Fatalf("expected transient update error, got %v", err)
	}
	tasks, err := ts.ListTasks(ctx, "", 10, 0)
	if !persistence.IsTransient(err) {
		t.Fatalf("expected transient list error, got %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected empty result on failure, got %d", len(tasks))
	}
	if store.Health().Errors < 4 {
		t.Fatalf("expected failures to be counted, got %d", store.Health().Errors)
	}
}
