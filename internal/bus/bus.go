// Package bus fans task updates out to the clients following a task, such
// as message/stream callers and tasks/resubscribe streams.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/basket/currency-agent/internal/a2a"
)

// DefaultBuffer is how many updates a watch may fall behind before new
// updates are dropped for it.
const DefaultBuffer = 64

// Update is one change to a task: exactly one of Status or Artifact is set.
type Update struct {
	Status   *a2a.TaskStatusUpdateEvent
	Artifact *a2a.TaskArtifactUpdateEvent
}

// StatusUpdate wraps a status change.
func StatusUpdate(ev a2a.TaskStatusUpdateEvent) Update {
	return Update{Status: &ev}
}

// ArtifactUpdate wraps a new artifact.
func ArtifactUpdate(ev a2a.TaskArtifactUpdateEvent) Update {
	return Update{Artifact: &ev}
}

// TaskID is the task the update belongs to.
func (u Update) TaskID() string {
	switch {
	case u.Status != nil:
		return u.Status.TaskID
	case u.Artifact != nil:
		return u.Artifact.TaskID
	}
	return ""
}

// Event returns the protocol event to hand to a client.
func (u Update) Event() any {
	switch {
	case u.Status != nil:
		return *u.Status
	case u.Artifact != nil:
		return *u.Artifact
	}
	return nil
}

// Final reports whether the update ends the task's stream.
func (u Update) Final() bool {
	return u.Status != nil && u.Status.Final
}

// Watch receives the updates of one task.
type Watch struct {
	taskID  string
	ch      chan Update
	dropped atomic.Uint64
}

// Updates is closed when the watch is removed.
func (w *Watch) Updates() <-chan Update {
	return w.ch
}

// TaskID is the task being watched.
func (w *Watch) TaskID() string {
	return w.taskID
}

// Dropped counts updates lost because the watch was full.
func (w *Watch) Dropped() uint64 {
	return w.dropped.Load()
}

// Bus routes updates to the watches of their task. Publish never blocks.
type Bus struct {
	mu      sync.RWMutex
	watches map[string]map[*Watch]struct{}
	buffer  int
}

func New() *Bus {
	return NewWithBuffer(DefaultBuffer)
}

// NewWithBuffer sets the per-watch buffer; n < 1 means 1.
func NewWithBuffer(n int) *Bus {
	if n < 1 {
		n = 1
	}
	return &Bus{watches: make(map[string]map[*Watch]struct{}), buffer: n}
}

// Watch starts following taskID. Call Unwatch when done.
func (b *Bus) Watch(taskID string) *Watch {
	w := &Watch{taskID: taskID, ch: make(chan Update, b.buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.watches[taskID]
	if set == nil {
		set = make(map[*Watch]struct{})
		b.watches[taskID] = set
	}
	set[w] = struct{}{}
	return w
}

// Unwatch removes w and closes its channel. It is safe to call twice.
func (b *Bus) Unwatch(w *Watch) {
	if w == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.watches[w.taskID]
	if _, ok := set[w]; !ok {
		return
	}
	delete(set, w)
	if len(set) == 0 {
		delete(b.watches, w.taskID)
	}
	close(w.ch)
}

// Publish delivers u to every watch of its task and reports how many
// received it.
func (b *Bus) Publish(u Update) int {
	taskID := u.TaskID()
	if taskID == "" {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for w := range b.watches[taskID] {
		select {
		case w.ch <- u:
			delivered++
		default:
			w.dropped.Add(1)
		}
	}
	return delivered
}

// Watchers returns how many watches follow taskID.
func (b *Bus) Watchers(taskID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.watches[taskID])
}
