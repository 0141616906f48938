package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/currency-agent/internal/a2a"
	"github.com/basket/currency-agent/internal/bus"
)

// resubscribePoll is how often Resubscribe re-reads the task in case a bus
// event was dropped.
var resubscribePoll = time.Second

// Resubscribe replays the current task to emit and then forwards its live
// updates until a final status arrives. Tasks that are not running get a
// single snapshot.
func (e *Executor) Resubscribe(ctx context.Context, taskID string, emit Emit) error {
	// Watch before reading so no update between the read and the wait
	// loop is lost.
	watch := e.bus.Watch(taskID)
	defer e.bus.Unwatch(watch)

	task, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if err := emit(task); err != nil {
		return err
	}
	if task.Status.State.Terminal() || !e.isRunning(taskID) {
		return nil
	}

	ticker := time.NewTicker(resubscribePoll)
	defer ticker.Stop()

	last := task.Status
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case update, ok := <-watch.Updates():
			if !ok {
				return fmt.Errorf("resubscribe %s: watch closed", taskID)
			}
			done, err := forward(update, emit, &last)
			if done || err != nil {
				return err
			}

		case <-ticker.C:
			if e.isRunning(taskID) {
				continue
			}
			for pending := true; pending; {
				select {
				case update := <-watch.Updates():
					done, err := forward(update, emit, &last)
					if done || err != nil {
						return err
					}
				default:
					pending = false
				}
			}
			// The run ended without a final event reaching us; report the
			// stored state instead.
			if n := watch.Dropped(); n > 0 {
				e.logger.DebugContext(ctx, "resubscriber fell behind", "task_id", taskID, "dropped", n)
			}
			current, err := e.tasks.Get(ctx, taskID)
			if err != nil {
				return err
			}
			if current.Status.State != last.State || current.Status.Timestamp != last.Timestamp {
				if err := emit(statusEvent(current, true)); err != nil {
					return err
				}
			}
			return nil
		}
	}
}

func (e *Executor) isRunning(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[taskID]
	return ok
}

// forward relays one update and reports whether it was final.
func forward(update bus.Update, emit Emit, last *a2a.TaskStatus) (bool, error) {
	if err := emit(update.Event()); err != nil {
		return true, err
	}
	if update.Status != nil {
		*last = update.Status.Status
	}
	return update.Final(), nil
}
