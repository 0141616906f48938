package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/basket/currency-agent/internal/a2a"
)

func working(taskID string) Update {
	return StatusUpdate(a2a.TaskStatusUpdateEvent{
		Kind:   "status-update",
		TaskID: taskID,
		Status: a2a.TaskStatus{State: a2a.TaskStateWorking},
	})
}

func completed(taskID string) Update {
	return StatusUpdate(a2a.TaskStatusUpdateEvent{
		Kind:   "status-update",
		TaskID: taskID,
		Status: a2a.TaskStatus{State: a2a.TaskStateCompleted},
		Final:  true,
	})
}

func receive(t *testing.T, w *Watch) Update {
	t.Helper()
	select {
	case u, ok := <-w.Updates():
		if !ok {
			t.Fatal("watch closed")
		}
		return u
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for update")
	}
	return Update{}
}

func TestBus_DeliversOnlyToWatchersOfTheTask(t *testing.T) {
	b := New()
	w1 := b.Watch("t-1")
	defer b.Unwatch(w1)
	w2 := b.Watch("t-2")
	defer b.Unwatch(w2)

	if n := b.Publish(working("t-1")); n != 1 {
		t.Fatalf("delivered to %d watches, want 1", n)
	}
	u := receive(t, w1)
	if u.TaskID() != "t-1" || u.Status.Status.State != a2a.TaskStateWorking || u.Final() {
		t.Fatalf("unexpected update: %+v", u.Status)
	}
	select {
	case u := <-w2.Updates():
		t.Fatalf("t-2 must not see t-1 updates, got %+v", u)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBus_TaskIDsDoNotMatchByPrefix(t *testing.T) {
	b := New()
	w := b.Watch("t-1")
	defer b.Unwatch(w)

	if n := b.Publish(working("t-10")); n != 0 {
		t.Fatalf("t-10 update reached %d watches of t-1", n)
	}
}

func TestUpdate_EventAndFinal(t *testing.T) {
	art := ArtifactUpdate(a2a.TaskArtifactUpdateEvent{Kind: "artifact-update", TaskID: "t-1", LastChunk: true})
	if _, ok := art.Event().(a2a.TaskArtifactUpdateEvent); !ok || art.Final() || art.TaskID() != "t-1" {
		t.Fatalf("artifact update: event %#v final %v", art.Event(), art.Final())
	}
	done := completed("t-1")
	ev, ok := done.Event().(a2a.TaskStatusUpdateEvent)
	if !ok || !done.Final() || ev.Status.State != a2a.TaskStateCompleted {
		t.Fatalf("final status update: event %#v final %v", done.Event(), done.Final())
	}
	if (Update{}).Event() != nil || (Update{}).TaskID() != "" {
		t.Fatal("empty update should carry nothing")
	}
}

func TestBus_PublishWithoutTaskIsIgnored(t *testing.T) {
	b := New()
	if n := b.Publish(Update{}); n != 0 {
		t.Fatalf("delivered %d", n)
	}
}

func TestBus_FullWatchCountsDrops(t *testing.T) {
	b := NewWithBuffer(2)
	w := b.Watch("t-1")
	defer b.Unwatch(w)

	for i := 0; i < 5; i++ {
		b.Publish(working("t-1"))
	}
	if w.Dropped() != 3 {
		t.Fatalf("dropped = %d, want 3", w.Dropped())
	}
	receive(t, w)
	receive(t, w)
	b.Publish(completed("t-1"))
	if u := receive(t, w); !u.Final() {
		t.Fatal("expected the final update once there was room")
	}
}

func TestBus_UnwatchClosesAndIsIdempotent(t *testing.T) {
	b := New()
	w := b.Watch("t-1")
	if b.Watchers("t-1") != 1 {
		t.Fatalf("watchers = %d, want 1", b.Watchers("t-1"))
	}
	b.Unwatch(w)
	b.Unwatch(w)
	b.Unwatch(nil)
	if b.Watchers("t-1") != 0 {
		t.Fatalf("watchers = %d, want 0", b.Watchers("t-1"))
	}
	if _, ok := <-w.Updates(); ok {
		t.Fatal("expected closed channel")
	}
	if n := b.Publish(working("t-1")); n != 0 {
		t.Fatalf("removed watch received %d updates", n)
	}
}

func TestBus_SeveralWatchersOfOneTask(t *testing.T) {
	b := New()
	a := b.Watch("t-1")
	c := b.Watch("t-1")
	defer b.Unwatch(a)
	defer b.Unwatch(c)

	if n := b.Publish(completed("t-1")); n != 2 {
		t.Fatalf("delivered to %d, want 2", n)
	}
	if !receive(t, a).Final() || !receive(t, c).Final() {
		t.Fatal("both watches should see the final update")
	}
}

func TestBus_ConcurrentPublishAndUnwatch(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		w := b.Watch("t-1")
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Publish(working("t-1"))
			}
		}()
		go func() {
			defer wg.Done()
			b.Unwatch(w)
		}()
	}
	wg.Wait()
	if b.Watchers("t-1") != 0 {
		t.Fatalf("watchers = %d, want 0", b.Watchers("t-1"))
	}
}
