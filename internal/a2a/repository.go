package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/currency-agent/internal/persistence"
)

// ErrTaskNotFound is returned when a task id is unknown.
var ErrTaskNotFound = errors.New("task not found")

// NotificationTokenHeader carries the client's push token on webhook calls.
const NotificationTokenHeader = "X-A2A-Notification-Token"

// TaskRepository stores protocol tasks as opaque JSON documents in the task
// record store.
type TaskRepository struct {
	store *persistence.TaskStore
}

func NewTaskRepository(store *persistence.TaskStore) *TaskRepository {
	return &TaskRepository{store: store}
}

// Get loads a task. Unknown ids return ErrTaskNotFound; database failures
// are returned as-is.
func (r *TaskRepository) Get(ctx context.Context, taskID string) (*Task, error) {
	rec, err := r.store.LoadTask(ctx, taskID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeTask(rec)
}

// Save writes the whole task document, creating the row on first save.
func (r *TaskRepository) Save(ctx context.Context, task *Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	rec := persistence.TaskRecord{ID: task.ID, ContextID: task.ContextID, Data: data}

	err = r.store.UpdateTask(ctx, rec)
	if !errors.Is(err, persistence.ErrNotFound) {
		return err
	}
	err = r.store.CreateTask(ctx, rec)
	if errors.Is(err, persistence.ErrAlreadyExists) {
		// Another writer created it between our update and insert.
		return r.store.UpdateTask(ctx, rec)
	}
	return err
}

// List returns tasks newest first, optionally restricted to one context.
func (r *TaskRepository) List(ctx context.Context, contextID string, limit, offset int) ([]*Task, error) {
	recs, err := r.store.ListTasks(ctx, contextID, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]*Task, 0, len(recs))
	for i := range recs {
		task, err := decodeTask(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, nil
}

func decodeTask(rec *persistence.TaskRecord) (*Task, error) {
	var task Task
	if err := json.Unmarshal(rec.Data, &task); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", rec.ID, err)
	}
	if task.ID == "" {
		task.ID = rec.ID
	}
	if task.ContextID == "" {
		task.ContextID = rec.ContextID
	}
	if task.Kind == "" {
		task.Kind = "task"
	}
	return &task, nil
}

// PushRepository maps protocol push configs onto push subscriptions keyed by
// conversation. The token and authentication travel as headers.
type PushRepository struct {
	store *persistence.PushConfigStore
}

func NewPushRepository(store *persistence.PushConfigStore) *PushRepository {
	return &PushRepository{store: store}
}

// Set records cfg as the newest webhook for contextID and returns the
// stored config with its id filled in.
func (r *PushRepository) Set(ctx context.Context, contextID string, cfg PushNotificationConfig) (PushNotificationConfig, error) {
	sub, err := r.store.Insert(ctx, subscriptionFromConfig(cfg), contextID)
	if err != nil {
		return PushNotificationConfig{}, err
	}
	return configFromSubscription(sub), nil
}

// Get returns the newest webhook for contextID.
func (r *PushRepository) Get(ctx context.Context, contextID string) (PushNotificationConfig, bool) {
	sub, ok := r.store.Get(ctx, contextID)
	if !ok {
		return PushNotificationConfig{}, false
	}
	return configFromSubscription(sub), true
}

// Subscription returns the raw subscription used for delivery.
func (r *PushRepository) Subscription(ctx context.Context, contextID string) (*persistence.PushSubscription, bool) {
	return r.store.Get(ctx, contextID)
}

// Delete removes every webhook for contextID.
func (r *PushRepository) Delete(ctx context.Context, contextID string) {
	r.store.Delete(ctx, contextID)
}

func subscriptionFromConfig(cfg PushNotificationConfig) persistence.PushSubscription {
	headers := map[string]string{}
	if cfg.Token != "" {
		headers[NotificationTokenHeader] = cfg.Token
	}
	if a := cfg.Authentication; a != nil && a.Credentials != "" && len(a.Schemes) > 0 {
		headers["Authorization"] = a.Schemes[0] + " " + a.Credentials
	}
	return persistence.PushSubscription{ID: cfg.ID, URL: cfg.URL, Headers: headers}
}

func configFromSubscription(sub *persistence.PushSubscription) PushNotificationConfig {
	cfg := PushNotificationConfig{ID: sub.ID, URL: sub.URL, Token: sub.Headers[NotificationTokenHeader]}
	if auth := sub.Headers["Authorization"]; auth != "" {
		scheme, cred, ok := strings.Cut(auth, " ")
		if ok {
			cfg.Authentication = &PushAuthentication{Schemes: []string{scheme}, Credentials: cred}
		}
	}
	return cfg
}
