package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const defaultTaskListLimit = 100

// TaskRecord is one row of the tasks table. Data is the serialized task
// document, returned byte for byte as it was written.
type TaskRecord struct {
	ID        string    `json:"id"`
	ContextID string    `json:"context_id"`
	Data      []byte    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskStore persists protocol task documents. Unlike the checkpoint and
// push stores, writes and listings surface failures to the caller.
type TaskStore struct {
	store *Store
}

// NewTaskStore ensures the tasks table exists.
func NewTaskStore(ctx context.Context, store *Store) (*TaskStore, error) {
	if err := store.ensureSchema(ctx, tableSchema{name: "tasks", statements: tasksSchema}); err != nil {
		return nil, err
	}
	return &TaskStore{store: store}, nil
}

// GetTask looks up a task by id. ok is false when it does not exist or the
// lookup failed; failures are logged and counted.
func (t *TaskStore) GetTask(ctx context.Context, taskID string) (*TaskRecord, bool) {
	rec, err := t.LoadTask(ctx, taskID)
	switch Classify(err) {
	case OutcomeSuccess:
		return rec, true
	case OutcomeTransientError:
		t.store.logger.Warn("task get failed", "task_id", taskID, "error", err)
	}
	return nil, false
}

// LoadTask is the tagged form of GetTask.
func (t *TaskStore) LoadTask(ctx context.Context, taskID string) (rec *TaskRecord, err error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, ErrNotFound
	}
	ctx, done := t.store.observe(ctx, "tasks", "get")
	defer func() { done(err) }()

	ctx, cancel := t.store.readContext(ctx)
	defer cancel()

	query := t.store.dialect.rebind(`SELECT id, context_id, data, created_at, updated_at FROM tasks WHERE id = ?`)
	var out TaskRecord
	err = t.store.retry(ctx, func() error {
		return scanTaskRecord(t.store.db.QueryRowContext(ctx, query, taskID).Scan, &out)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, transient("task get", err)
	}
	return &out, nil
}

// CreateTask inserts a new task row stamped with the insertion time. It
// returns ErrAlreadyExists for a taken id and a *TransientError when the
// database fails.
func (t *TaskStore) CreateTask(ctx context.Context, rec TaskRecord) (err error) {
	if err := validateTaskRecord(rec); err != nil {
		return err
	}
	ctx, done := t.store.observe(ctx, "tasks", "create")
	defer func() { done(err) }()

	ctx, cancel := t.store.writeContext(ctx)
	defer cancel()

	now := t.store.clock.next()
	_, err = t.store.exec(ctx, `
		INSERT INTO tasks (id, context_id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, rec.ID, rec.ContextID, nonNil(rec.Data), now, now)
	if t.store.dialect.isDuplicateKey(err) {
		return fmt.Errorf("create task %s: %w", rec.ID, ErrAlreadyExists)
	}
	if err != nil {
		return transient("task create", err)
	}
	return nil
}

// UpdateTask replaces the stored document for rec.ID and refreshes
// updated_at. It returns ErrNotFound when no row has that id.
func (t *TaskStore) UpdateTask(ctx context.Context, rec TaskRecord) (err error) {
	if err := validateTaskRecord(rec); err != nil {
		return err
	}
	ctx, done := t.store.observe(ctx, "tasks", "update")
	defer func() { done(err) }()

	ctx, cancel := t.store.writeContext(ctx)
	defer cancel()

	res, err := t.store.exec(ctx, `
		UPDATE tasks SET data = ?, context_id = ?, updated_at = ?
		WHERE id = ?
	`, nonNil(rec.Data), rec.ContextID, t.store.clock.next(), rec.ID)
	if err != nil {
		return transient("task update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return transient("task update", err)
	}
	if n == 0 {
		return fmt.Errorf("update task %s: %w", rec.ID, ErrNotFound)
	}
	return nil
}

// ListTasks returns tasks newest first. An empty contextID lists across all
// conversations. limit <= 0 means 100; a negative offset means 0.
func (t *TaskStore) ListTasks(ctx context.Context, contextID string, limit, offset int) (out []TaskRecord, err error) {
	if limit <= 0 {
		limit = defaultTaskListLimit
	}
	if offset < 0 {
		offset = 0
	}
	ctx, done := t.store.observe(ctx, "tasks", "list")
	defer func() { done(err) }()

	ctx, cancel := t.store.readContext(ctx)
	defer cancel()

	var (
		query string
		args  []any
	)
	if contextID != "" {
		query = `
			SELECT id, context_id, data, created_at, updated_at
			FROM tasks
			WHERE context_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ? OFFSET ?`
		args = []any{contextID, limit, offset}
	} else {
		query = `
			SELECT id, context_id, data, created_at, updated_at
			FROM tasks
			ORDER BY created_at DESC, id DESC
			LIMIT ? OFFSET ?`
		args = []any{limit, offset}
	}
	query = t.store.dialect.rebind(query)

	err = t.store.retry(ctx, func() error {
		out = out[:0]
		rows, err := t.store.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query tasks: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var rec TaskRecord
			if err := scanTaskRecord(rows.Scan, &rec); err != nil {
				return fmt.Errorf("scan task: %w", err)
			}
			out = append(out, rec)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("tasks rows: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, transient("task list", err)
	}
	return out, nil
}

func scanTaskRecord(scanFn func(dest ...any) error, rec *TaskRecord) error {
	var data []byte
	if err := scanFn(&rec.ID, &rec.ContextID, &data, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return err
	}
	rec.Data = data
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return nil
}

func validateTaskRecord(rec TaskRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("task record: empty id: %w", ErrInvalid)
	}
	if strings.TrimSpace(rec.ContextID) == "" {
		return fmt.Errorf("task record: empty context id: %w", ErrInvalid)
	}
	return nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
