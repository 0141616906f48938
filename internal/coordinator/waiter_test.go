package coordinator_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/currency-agent/internal/a2a"
	"github.com/basket/currency-agent/internal/engine"
)

func TestResubscribe_StreamsUntilFinal(t *testing.T) {
	agent := &fakeAgent{
		events: []engine.Event{
			{Content: "Looking up the exchange rates..."},
			{IsTaskComplete: true, Content: "10 USD is 9.2 EUR"},
		},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	h := newHarness(t, agent, false)
	ctx := context.Background()

	task, err := h.exec.SubmitAsync(ctx, sendParams("USD to EUR"))
	if err != nil {
		t.Fatalf("submit async: %v", err)
	}
	<-agent.started

	rec := &recorder{}
	done := make(chan error, 1)
	go func() { done <- h.exec.Resubscribe(ctx, task.ID, rec.emit) }()

	waitFor(t, "resubscriber", func() bool { return h.exec.Bus().Watchers(task.ID) == 1 })
	waitFor(t, "initial snapshot", func() bool { return len(rec.all()) == 1 })
	close(agent.release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("resubscribe: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("resubscribe did not return")
	}

	events := rec.all()
	if len(events) != 4 {
		t.Fatalf("expected snapshot, working, artifact, completed; got %d events: %+v", len(events), events)
	}
	if _, ok := events[0].(*a2a.Task); !ok {
		t.Fatalf("first event should be the task snapshot, got %#v", events[0])
	}
	last, ok := events[3].(a2a.TaskStatusUpdateEvent)
	if !ok || !last.Final || last.Status.State != a2a.TaskStateCompleted {
		t.Fatalf("last event should be final completed, got %#v", events[3])
	}
	if h.exec.Bus().Watchers(task.ID) != 0 {
		t.Fatal("resubscribe should stop watching on return")
	}
}

func TestResubscribe_FinishedTaskGetsSnapshot(t *testing.T) {
	agent := &fakeAgent{events: []engine.Event{{IsTaskComplete: true, Content: "done"}}}
	h := newHarness(t, agent, false)
	ctx := context.Background()

	task, err := h.exec.Submit(ctx, sendParams("USD to EUR"), nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	rec := &recorder{}
	if err := h.exec.Resubscribe(ctx, task.ID, rec.emit); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	events := rec.all()
	if len(events) != 1 {
		t.Fatalf("expected one snapshot, got %d", len(events))
	}
	snap := events[0].(*a2a.Task)
	if snap.Status.State != a2a.TaskStateCompleted {
		t.Fatalf("snapshot state = %s", snap.Status.State)
	}
}

func TestResubscribe_UnknownTask(t *testing.T) {
	h := newHarness(t, &fakeAgent{}, false)
	err := h.exec.Resubscribe(context.Background(), "missing", func(any) error { return nil })
	if !errors.Is(err, a2a.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestResubscribe_ContextCanceled(t *testing.T) {
	agent := &fakeAgent{started: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, agent, false)
	t.Cleanup(func() { close(agent.release) })

	task, err := h.exec.SubmitAsync(context.Background(), sendParams("USD to EUR"))
	if err != nil {
		t.Fatalf("submit async: %v", err)
	}
	<-agent.started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = h.exec.Resubscribe(ctx, task.ID, func(any) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
