package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PushSubscription is a webhook registration for a conversation.
type PushSubscription struct {
	ID        string            `json:"id"`
	ContextID string            `json:"context_id"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// PushConfigStore keeps webhook subscriptions per conversation. Several may
// exist for one conversation but only the newest is returned by Get. All
// operations are best-effort.
type PushConfigStore struct {
	store *Store
}

// NewPushConfigStore ensures the push_notification_configs table exists.
func NewPushConfigStore(ctx context.Context, store *Store) (*PushConfigStore, error) {
	if err := store.ensureSchema(ctx, tableSchema{name: "push_notification_configs", statements: pushConfigsSchema}); err != nil {
		return nil, err
	}
	return &PushConfigStore{store: store}, nil
}

// Get returns the most recently created subscription for contextID.
func (p *PushConfigStore) Get(ctx context.Context, contextID string) (*PushSubscription, bool) {
	sub, err := p.Latest(ctx, contextID)
	switch Classify(err) {
	case OutcomeSuccess:
		return sub, true
	case OutcomeTransientError:
		p.store.logger.Warn("push config get failed", "context_id", contextID, "error", err)
	}
	return nil, false
}

// Latest is the tagged form of Get.
func (p *PushConfigStore) Latest(ctx context.Context, contextID string) (sub *PushSubscription, err error) {
	if strings.TrimSpace(contextID) == "" {
		return nil, ErrNotFound
	}
	ctx, done := p.store.observe(ctx, "push_notification_configs", "get")
	defer func() { done(err) }()

	ctx, cancel := p.store.readContext(ctx)
	defer cancel()

	query := p.store.dialect.rebind(`
		SELECT id, context_id, url, headers, created_at, updated_at
		FROM push_notification_configs
		WHERE context_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`)

	var (
		out     PushSubscription
		headers sql.NullString
	)
	err = p.store.retry(ctx, func() error {
		return p.store.db.QueryRowContext(ctx, query, contextID).
			Scan(&out.ID, &out.ContextID, &out.URL, &headers, &out.CreatedAt, &out.UpdatedAt)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, transient("push config get", err)
	}
	out.Headers = map[string]string{}
	if headers.Valid && headers.String != "" {
		if err := json.Unmarshal([]byte(headers.String), &out.Headers); err != nil {
			return nil, transient("push config get", fmt.Errorf("decode headers: %w", err))
		}
	}
	out.CreatedAt = out.CreatedAt.UTC()
	out.UpdatedAt = out.UpdatedAt.UTC()
	return &out, nil
}

// Create registers sub for contextID. Failures are logged and dropped.
func (p *PushConfigStore) Create(ctx context.Context, sub PushSubscription, contextID string) {
	if _, err := p.Insert(ctx, sub, contextID); err != nil {
		p.store.logger.Warn("push config create failed", "context_id", contextID, "error", err)
	}
}

// Insert is the tagged form of Create. A missing subscription id is
// generated; the stored record is returned. Registering an existing id
// replaces that row and makes it the newest for contextID.
func (p *PushConfigStore) Insert(ctx context.Context, sub PushSubscription, contextID string) (_ *PushSubscription, err error) {
	if strings.TrimSpace(contextID) == "" {
		return nil, fmt.Errorf("push config: empty context id: %w", ErrInvalid)
	}
	if strings.TrimSpace(sub.URL) == "" {
		return nil, fmt.Errorf("push config: empty url: %w", ErrInvalid)
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.Headers == nil {
		sub.Headers = map[string]string{}
	}
	headers, err := json.Marshal(sub.Headers)
	if err != nil {
		return nil, fmt.Errorf("encode headers: %w: %w", ErrInvalid, err)
	}

	ctx, done := p.store.observe(ctx, "push_notification_configs", "create")
	defer func() { done(err) }()

	ctx, cancel := p.store.writeContext(ctx)
	defer cancel()

	now := p.store.clock.next()
	_, err = p.store.exec(ctx, `
		INSERT INTO push_notification_configs (id, context_id, url, headers, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?) `+
		p.store.dialect.upsert("id", "context_id", "url", "headers", "created_at", "updated_at"),
		sub.ID, contextID, sub.URL, string(headers), now, now)
	if err != nil {
		return nil, transient("push config create", err)
	}
	sub.ContextID = contextID
	sub.CreatedAt = now
	sub.UpdatedAt = now
	return &sub, nil
}

// Delete removes every subscription for contextID. Deleting a conversation
// without subscriptions is a no-op.
func (p *PushConfigStore) Delete(ctx context.Context, contextID string) {
	if _, err := p.DeleteAll(ctx, contextID); err != nil {
		p.store.logger.Warn("push config delete failed", "context_id", contextID, "error", err)
	}
}

// DeleteAll is the tagged form of Delete and reports how many rows went.
func (p *PushConfigStore) DeleteAll(ctx context.Context, contextID string) (n int64, err error) {
	if strings.TrimSpace(contextID) == "" {
		return 0, nil
	}
	ctx, done := p.store.observe(ctx, "push_notification_configs", "delete")
	defer func() { done(err) }()

	ctx, cancel := p.store.writeContext(ctx)
	defer cancel()

	res, err := p.store.exec(ctx, `DELETE FROM push_notification_configs WHERE context_id = ?`, contextID)
	if err != nil {
		return 0, transient("push config delete", err)
	}
	n, err = res.RowsAffected()
	if err != nil {
		return 0, transient("push config delete", err)
	}
	return n, nil
}
