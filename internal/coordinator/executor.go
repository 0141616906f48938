// Package coordinator drives the task lifecycle around one currency agent
// invocation per client message.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/basket/currency-agent/internal/a2a"
	"github.com/basket/currency-agent/internal/bus"
	"github.com/basket/currency-agent/internal/engine"
	"github.com/basket/currency-agent/internal/push"
)

// ArtifactName labels the final answer of a completed conversion.
const ArtifactName = "conversion_result"

var (
	ErrTaskNotCancelable  = errors.New("task cannot be canceled")
	ErrTaskTerminal       = errors.New("task is in a terminal state")
	ErrTaskBusy           = errors.New("task is already running")
	ErrEmptyMessage       = errors.New("message has no text content")
	ErrPushNotSupported   = errors.New("push notifications are not supported")
	ErrPushConfigNotFound = errors.New("push notification config not found")
	ErrInvalidPushConfig  = errors.New("invalid push notification config")
)

// Agent is the conversational backend, implemented by engine.CurrencyAgent.
type Agent interface {
	Stream(ctx context.Context, query, contextID string, emit func(engine.Event) error) error
}

// Tasks persists protocol tasks, implemented by a2a.TaskRepository.
type Tasks interface {
	Get(ctx context.Context, taskID string) (*a2a.Task, error)
	Save(ctx context.Context, task *a2a.Task) error
}

// PushConfigs stores webhooks per conversation, implemented by
// a2a.PushRepository.
type PushConfigs interface {
	Set(ctx context.Context, contextID string, cfg a2a.PushNotificationConfig) (a2a.PushNotificationConfig, error)
	Get(ctx context.Context, contextID string) (a2a.PushNotificationConfig, bool)
	Delete(ctx context.Context, contextID string)
}

// Notifier delivers task snapshots to webhooks, implemented by push.Sender.
type Notifier interface {
	Notify(ctx context.Context, task *a2a.Task) bool
}

const (
	defaultNotifyWorkers = 4
	defaultNotifyQueue   = 64
)

// Config wires an Executor. Push and Notifier may be nil when push
// notifications are disabled.
type Config struct {
	Agent    Agent
	Tasks    Tasks
	Push     PushConfigs
	Notifier Notifier
	Bus      *bus.Bus
	Logger   *slog.Logger

	// NotifyWorkers and NotifyQueue bound webhook delivery. Updates of one
	// task always go to the same worker, so they arrive in order.
	NotifyWorkers int
	NotifyQueue   int
}

// Executor runs agent invocations and records every state change. Each
// change is saved, published on the bus, queued for the task's webhook and
// handed to the caller, in that order.
type Executor struct {
	agent    Agent
	tasks    Tasks
	push     PushConfigs
	notifier Notifier
	bus      *bus.Bus
	logger   *slog.Logger

	mu      sync.Mutex
	running map[string]*run

	notifyMu     sync.RWMutex
	notifyClosed bool
	notifyQueues []chan *a2a.Task
	notifyGroup  errgroup.Group
	closeOnce    sync.Once
}

// run tracks one in-flight invocation so Cancel can stop it.
type run struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	task     *a2a.Task
	canceled bool
}

func (r *run) snapshot() *a2a.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneTask(r.task)
}

func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.Agent == nil {
		return nil, errors.New("coordinator: agent is required")
	}
	if cfg.Tasks == nil {
		return nil, errors.New("coordinator: task repository is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := cfg.Bus
	if b == nil {
		b = bus.New()
	}
	e := &Executor{
		agent:    cfg.Agent,
		tasks:    cfg.Tasks,
		push:     cfg.Push,
		notifier: cfg.Notifier,
		bus:      b,
		logger:   logger.With("component", "coordinator"),
		running:  map[string]*run{},
	}
	if e.notifier != nil {
		e.startNotifiers(cfg.NotifyWorkers, cfg.NotifyQueue)
	}
	return e, nil
}

func (e *Executor) startNotifiers(workers, queue int) {
	if workers <= 0 {
		workers = defaultNotifyWorkers
	}
	if queue <= 0 {
		queue = defaultNotifyQueue
	}
	e.notifyQueues = make([]chan *a2a.Task, workers)
	for i := range e.notifyQueues {
		q := make(chan *a2a.Task, queue)
		e.notifyQueues[i] = q
		e.notifyGroup.Go(func() error {
			for task := range q {
				e.notifier.Notify(context.Background(), task)
			}
			return nil
		})
	}
}

// enqueueNotify hands task to its webhook worker without blocking. A full
// queue drops the notification.
func (e *Executor) enqueueNotify(task *a2a.Task) {
	e.notifyMu.RLock()
	defer e.notifyMu.RUnlock()
	if e.notifyClosed || len(e.notifyQueues) == 0 {
		return
	}
	q := e.notifyQueues[shard(task.ID, len(e.notifyQueues))]
	select {
	case q <- cloneTask(task):
	default:
		e.logger.Warn("push notification dropped", "task_id", task.ID, "state", task.Status.State, "reason", "queue full")
	}
}

func shard(key string, n int) int {
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return int(h % uint32(n))
}

// Close stops accepting webhook notifications and waits for queued ones to
// be delivered or abandoned.
func (e *Executor) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.notifyMu.Lock()
		e.notifyClosed = true
		for _, q := range e.notifyQueues {
			close(q)
		}
		e.notifyMu.Unlock()
		err = e.notifyGroup.Wait()
	})
	return err
}

// Bus exposes the update bus.
func (e *Executor) Bus() *bus.Bus {
	return e.bus
}

// PushEnabled reports whether push configs can be stored.
func (e *Executor) PushEnabled() bool {
	return e.push != nil
}

// Running reports how many tasks are executing.
func (e *Executor) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// Emit receives the initial task and every subsequent update event
// (a2a.TaskStatusUpdateEvent or a2a.TaskArtifactUpdateEvent).
type Emit func(event any) error

// Submit starts or continues a task for params.Message and runs the agent
// to completion, calling emit (if non-nil) along the way. It returns the
// task as of the last update. The run outlives ctx: a caller that goes away
// stops receiving events but the task still finishes. Use Cancel to stop it.
func (e *Executor) Submit(ctx context.Context, params a2a.MessageSendParams, emit Emit) (*a2a.Task, error) {
	r, query, err := e.begin(context.WithoutCancel(ctx), params)
	if err != nil {
		return nil, err
	}
	defer e.finish(r)

	sink := &emitter{fn: emit, logger: e.logger}
	sink.send(r.snapshot())
	e.execute(r, query, sink)
	return r.snapshot(), nil
}

// SubmitAsync starts the task and returns its submitted snapshot right
// away; the agent keeps running after the caller's request ends.
func (e *Executor) SubmitAsync(ctx context.Context, params a2a.MessageSendParams) (*a2a.Task, error) {
	r, query, err := e.begin(context.WithoutCancel(ctx), params)
	if err != nil {
		return nil, err
	}
	initial := r.snapshot()
	go func() {
		defer e.finish(r)
		e.execute(r, query, &emitter{logger: e.logger})
	}()
	return initial, nil
}

// begin loads or creates the task, records the user message, stores any
// push config and registers the run.
func (e *Executor) begin(ctx context.Context, params a2a.MessageSendParams) (*run, string, error) {
	msg := params.Message
	query := msg.Text()
	if strings.TrimSpace(query) == "" {
		return nil, "", ErrEmptyMessage
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	msg.Kind = "message"
	msg.Role = a2a.RoleUser

	var task *a2a.Task
	if msg.TaskID != "" {
		existing, err := e.tasks.Get(ctx, msg.TaskID)
		if err != nil {
			return nil, "", err
		}
		if existing.Status.State.Terminal() {
			return nil, "", fmt.Errorf("continue task %s: %w", existing.ID, ErrTaskTerminal)
		}
		msg.ContextID = existing.ContextID
		existing.History = append(existing.History, msg)
		existing.Status = a2a.NewStatus(a2a.TaskStateSubmitted, nil)
		task = existing
	} else {
		task = a2a.NewTask(&msg)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{ctx: runCtx, cancel: cancel, task: task}

	e.mu.Lock()
	if _, busy := e.running[task.ID]; busy {
		e.mu.Unlock()
		cancel()
		return nil, "", fmt.Errorf("task %s: %w", task.ID, ErrTaskBusy)
	}
	e.running[task.ID] = r
	e.mu.Unlock()

	if cfg := params.Configuration; cfg != nil && cfg.PushNotificationConfig != nil {
		if err := e.storePushConfig(ctx, task.ContextID, *cfg.PushNotificationConfig); err != nil {
			e.logger.WarnContext(ctx, "push config ignored", "task_id", task.ID, "error", err)
		}
	}

	if err := e.tasks.Save(ctx, task); err != nil {
		e.finish(r)
		return nil, "", fmt.Errorf("save task %s: %w", task.ID, err)
	}
	e.logger.InfoContext(ctx, "task submitted", "task_id", task.ID, "context_id", task.ContextID)
	return r, query, nil
}

func (e *Executor) finish(r *run) {
	r.cancel()
	e.mu.Lock()
	if e.running[r.task.ID] == r {
		delete(e.running, r.task.ID)
	}
	e.mu.Unlock()
}

// execute streams the agent and maps its events onto task transitions.
func (e *Executor) execute(r *run, query string, sink *emitter) {
	taskID, contextID := r.task.ID, r.task.ContextID
	err := e.agent.Stream(r.ctx, query, contextID, func(ev engine.Event) error {
		switch {
		case ev.RequireUserInput:
			msg := a2a.NewAgentMessage(ev.Content, contextID, taskID)
			return e.transition(r, sink, a2a.TaskStateInputRequired, msg, true)
		case ev.IsTaskComplete:
			art := a2a.Artifact{
				ArtifactID: uuid.NewString(),
				Name:       ArtifactName,
				Parts:      []a2a.Part{a2a.TextPart(ev.Content)},
			}
			if err := e.addArtifact(r, sink, art); err != nil {
				return err
			}
			return e.transition(r, sink, a2a.TaskStateCompleted, nil, true)
		default:
			msg := a2a.NewAgentMessage(ev.Content, contextID, taskID)
			return e.transition(r, sink, a2a.TaskStateWorking, msg, false)
		}
	})
	if err == nil || errors.Is(err, errRunCanceled) {
		return
	}
	if r.isCanceled() || errors.Is(err, context.Canceled) {
		return
	}
	e.logger.ErrorContext(r.ctx, "task failed", "task_id", taskID, "error", err)
	msg := a2a.NewAgentMessage(engine.FallbackMessage, contextID, taskID)
	_ = e.transition(r, sink, a2a.TaskStateFailed, msg, true)
}

var errRunCanceled = errors.New("task canceled")

func (r *run) isCanceled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canceled
}

// transition moves the task to state and fans the change out. It refuses
// once the task was canceled or reached a terminal state.
func (e *Executor) transition(r *run, sink *emitter, state a2a.TaskState, msg *a2a.Message, final bool) error {
	r.mu.Lock()
	if r.canceled || r.task.Status.State.Terminal() {
		r.mu.Unlock()
		return errRunCanceled
	}
	r.task.Status = a2a.NewStatus(state, msg)
	if msg != nil && final {
		r.task.History = append(r.task.History, *msg)
	}
	snap := cloneTask(r.task)
	e.save(r.ctx, snap)
	r.mu.Unlock()

	e.publish(snap, sink, bus.StatusUpdate(statusEvent(snap, final)))
	return nil
}

func (e *Executor) addArtifact(r *run, sink *emitter, art a2a.Artifact) error {
	r.mu.Lock()
	if r.canceled || r.task.Status.State.Terminal() {
		r.mu.Unlock()
		return errRunCanceled
	}
	r.task.Artifacts = append(r.task.Artifacts, art)
	snap := cloneTask(r.task)
	e.save(r.ctx, snap)
	r.mu.Unlock()

	e.publish(snap, sink, bus.ArtifactUpdate(a2a.TaskArtifactUpdateEvent{
		Kind:      "artifact-update",
		TaskID:    snap.ID,
		ContextID: snap.ContextID,
		Artifact:  art,
		LastChunk: true,
	}))
	return nil
}

// save persists a snapshot. A failed write is logged; the in-memory task
// and its subscribers still advance.
func (e *Executor) save(ctx context.Context, task *a2a.Task) {
	if err := e.tasks.Save(context.WithoutCancel(ctx), task); err != nil {
		e.logger.ErrorContext(ctx, "task save failed", "task_id", task.ID, "state", task.Status.State, "error", err)
	}
}

func (e *Executor) publish(task *a2a.Task, sink *emitter, update bus.Update) {
	e.bus.Publish(update)
	if update.Status != nil {
		e.enqueueNotify(task)
	}
	if sink != nil {
		sink.send(update.Event())
	}
}

func statusEvent(task *a2a.Task, final bool) a2a.TaskStatusUpdateEvent {
	return a2a.TaskStatusUpdateEvent{
		Kind:      "status-update",
		TaskID:    task.ID,
		ContextID: task.ContextID,
		Status:    task.Status,
		Final:     final,
	}
}

// Cancel stops a task. Running tasks are interrupted; idle ones waiting on
// input are closed. Terminal tasks return ErrTaskNotCancelable.
func (e *Executor) Cancel(ctx context.Context, taskID string) (*a2a.Task, error) {
	e.mu.Lock()
	r := e.running[taskID]
	e.mu.Unlock()

	if r != nil {
		r.mu.Lock()
		if r.canceled || r.task.Status.State.Terminal() {
			r.mu.Unlock()
			return nil, fmt.Errorf("cancel task %s: %w", taskID, ErrTaskNotCancelable)
		}
		r.canceled = true
		r.task.Status = a2a.NewStatus(a2a.TaskStateCanceled, nil)
		snap := cloneTask(r.task)
		e.save(ctx, snap)
		r.mu.Unlock()
		r.cancel()

		e.publish(snap, nil, bus.StatusUpdate(statusEvent(snap, true)))
		e.logger.InfoContext(ctx, "task canceled", "task_id", taskID)
		return snap, nil
	}

	task, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.State.Terminal() {
		return nil, fmt.Errorf("cancel task %s: %w", taskID, ErrTaskNotCancelable)
	}
	task.Status = a2a.NewStatus(a2a.TaskStateCanceled, nil)
	if err := e.tasks.Save(ctx, task); err != nil {
		return nil, fmt.Errorf("save task %s: %w", taskID, err)
	}
	e.publish(task, nil, bus.StatusUpdate(statusEvent(task, true)))
	e.logger.InfoContext(ctx, "task canceled", "task_id", taskID)
	return task, nil
}

// Get returns a task with at most historyLength history entries; nil keeps
// the full history.
func (e *Executor) Get(ctx context.Context, taskID string, historyLength *int) (*a2a.Task, error) {
	task, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if historyLength != nil {
		return task.WithHistoryLimit(*historyLength), nil
	}
	return task, nil
}

// SetPushConfig attaches a webhook to the task's conversation.
func (e *Executor) SetPushConfig(ctx context.Context, cfg a2a.TaskPushNotificationConfig) (*a2a.TaskPushNotificationConfig, error) {
	if e.push == nil {
		return nil, ErrPushNotSupported
	}
	task, err := e.tasks.Get(ctx, cfg.TaskID)
	if err != nil {
		return nil, err
	}
	if err := push.Validate(cfg.PushNotificationConfig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPushConfig, err)
	}
	stored, err := e.push.Set(ctx, task.ContextID, cfg.PushNotificationConfig)
	if err != nil {
		return nil, fmt.Errorf("store push config for task %s: %w", task.ID, err)
	}
	return &a2a.TaskPushNotificationConfig{TaskID: task.ID, PushNotificationConfig: stored}, nil
}

// GetPushConfig returns the webhook for the task's conversation.
func (e *Executor) GetPushConfig(ctx context.Context, taskID string) (*a2a.TaskPushNotificationConfig, error) {
	if e.push == nil {
		return nil, ErrPushNotSupported
	}
	task, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	cfg, ok := e.push.Get(ctx, task.ContextID)
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrPushConfigNotFound)
	}
	return &a2a.TaskPushNotificationConfig{TaskID: task.ID, PushNotificationConfig: cfg}, nil
}

// DeletePushConfig removes every webhook for the task's conversation.
func (e *Executor) DeletePushConfig(ctx context.Context, taskID string) error {
	if e.push == nil {
		return ErrPushNotSupported
	}
	task, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	e.push.Delete(ctx, task.ContextID)
	return nil
}

func (e *Executor) storePushConfig(ctx context.Context, contextID string, cfg a2a.PushNotificationConfig) error {
	if e.push == nil {
		return ErrPushNotSupported
	}
	if err := push.Validate(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPushConfig, err)
	}
	_, err := e.push.Set(ctx, contextID, cfg)
	return err
}

// emitter forwards events to a caller until the first failure.
type emitter struct {
	fn     Emit
	logger *slog.Logger
	failed bool
}

func (s *emitter) send(event any) {
	if s.fn == nil || s.failed {
		return
	}
	if err := s.fn(event); err != nil {
		s.failed = true
		s.logger.Debug("caller stopped receiving updates", "error", err)
	}
}

func cloneTask(t *a2a.Task) *a2a.Task {
	cp := *t
	cp.History = append([]a2a.Message(nil), t.History...)
	cp.Artifacts = append([]a2a.Artifact(nil), t.Artifacts...)
	return &cp
}
