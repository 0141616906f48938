package a2a

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/basket/currency-agent/internal/persistence"
)

func openRepos(t *testing.T) (*TaskRepository, *PushRepository, *persistence.Store) {
	t.Helper()
	ctx := context.Background()
	store, err := persistence.Open(ctx, persistence.Config{DSN: filepath.Join(t.TempDir(), "a2a.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ts, err := persistence.NewTaskStore(ctx, store)
	if err != nil {
		t.Fatalf("task store: %v", err)
	}
	ps, err := persistence.NewPushConfigStore(ctx, store)
	if err != nil {
		t.Fatalf("push store: %v", err)
	}
	return NewTaskRepository(ts), NewPushRepository(ps), store
}

func userMessage(text string) *Message {
	return &Message{Kind: "message", MessageID: "m-1", Role: RoleUser, Parts: []Part{TextPart(text)}}
}

func TestTaskRepository_SaveCreatesThenUpdates(t *testing.T) {
	repo, _, _ := openRepos(t)
	ctx := context.Background()

	task := NewTask(userMessage("How much is 10 USD in JPY?"))
	if err := repo.Save(ctx, task); err != nil {
		t.Fatalf("first save: %v", err)
	}

	task.Status = NewStatus(TaskStateCompleted, NewAgentMessage("10 USD is 1500 JPY", task.ContextID, task.ID))
	task.Artifacts = []Artifact{{ArtifactID: "a-1", Name: "conversion_result", Parts: []Part{TextPart("1500 JPY")}}}
	if err := repo.Save(ctx, task); err != nil {
		t.Fatalf("second save: %v", err)
	}

	got, err := repo.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status.State != TaskStateCompleted {
		t.Fatalf("expected completed, got %s", got.Status.State)
	}
	if len(got.Artifacts) != 1 || got.Artifacts[0].Name != "conversion_result" {
		t.Fatalf("unexpected artifacts: %+v", got.Artifacts)
	}
	if got.History[0].Text() != "How much is 10 USD in JPY?" {
		t.Fatalf("unexpected history: %+v", got.History)
	}
}

func TestTaskRepository_GetUnknown(t *testing.T) {
	repo, _, _ := openRepos(t)
	if _, err := repo.Get(context.Background(), "nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestTaskRepository_ListByContext(t *testing.T) {
	repo, _, _ := openRepos(t)
	ctx := context.Background()

	a := NewTask(userMessage("first"))
	if err := repo.Save(ctx, a); err != nil {
		t.Fatalf("save a: %v", err)
	}
	msg := userMessage("second")
	msg.ContextID = a.ContextID
	b := NewTask(msg)
	if err := repo.Save(ctx, b); err != nil {
		t.Fatalf("save b: %v", err)
	}
	other := NewTask(userMessage("elsewhere"))
	if err := repo.Save(ctx, other); err != nil {
		t.Fatalf("save other: %v", err)
	}

	tasks, err := repo.List(ctx, a.ContextID, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks in context, got %d", len(tasks))
	}
	if tasks[0].ID != b.ID {
		t.Fatalf("expected newest task first, got %s", tasks[0].ID)
	}
}

func TestTaskRepository_SaveSurfacesDatabaseErrors(t *testing.T) {
	repo, _, store := openRepos(t)
	_ = store.Close()
	err := repo.Save(context.Background(), NewTask(userMessage("x")))
	if !persistence.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestPushRepository_TokenAndAuthRoundTrip(t *testing.T) {
	_, push, _ := openRepos(t)
	ctx := context.Background()

	stored, err := push.Set(ctx, "ctx-1", PushNotificationConfig{
		URL:            "https://client.example.com/hook",
		Token:          "secret-token",
		Authentication: &PushAuthentication{Schemes: []string{"Bearer"}, Credentials: "abc"},
	})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if stored.ID == "" {
		t.Fatal("expected generated config id")
	}

	got, ok := push.Get(ctx, "ctx-1")
	if !ok {
		t.Fatal("expected config")
	}
	if got.URL != "https://client.example.com/hook" || got.Token != "secret-token" {
		t.Fatalf("unexpected config: %+v", got)
	}
	if got.Authentication == nil || got.Authentication.Schemes[0] != "Bearer" || got.Authentication.Credentials != "abc" {
		t.Fatalf("unexpected auth: %+v", got.Authentication)
	}

	sub, ok := push.Subscription(ctx, "ctx-1")
	if !ok || sub.Headers[NotificationTokenHeader] != "secret-token" || sub.Headers["Authorization"] != "Bearer abc" {
		t.Fatalf("unexpected subscription headers: %+v", sub)
	}

	push.Delete(ctx, "ctx-1")
	if _, ok := push.Get(ctx, "ctx-1"); ok {
		t.Fatal("expected config removed")
	}
}
