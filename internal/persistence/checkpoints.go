package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// CheckpointStore keeps one opaque agent-state blob per conversation.
// Reads and writes are best-effort: database failures are logged, counted
// and reported as "no checkpoint" so a conversation restarts fresh instead
// of failing.
type CheckpointStore struct {
	store *Store
}

// NewCheckpointStore ensures the checkpoints table exists.
func NewCheckpointStore(ctx context.Context, store *Store) (*CheckpointStore, error) {
	if err := store.ensureSchema(ctx, tableSchema{name: "checkpoints", statements: checkpointsSchema}); err != nil {
		return nil, err
	}
	return &CheckpointStore{store: store}, nil
}

// Get returns the stored blob for conversationID. ok is false when the id is
// empty, nothing was stored, or the lookup failed.
func (c *CheckpointStore) Get(ctx context.Context, conversationID string) ([]byte, bool) {
	blob, err := c.Load(ctx, conversationID)
	switch Classify(err) {
	case OutcomeSuccess:
		return blob, true
	case OutcomeTransientError:
		c.store.logger.Warn("checkpoint get failed", "conversation_id", conversationID, "error", err)
	}
	return nil, false
}

// Load is the tagged form of Get: it returns ErrNotFound or a
// *TransientError instead of collapsing them.
func (c *CheckpointStore) Load(ctx context.Context, conversationID string) (blob []byte, err error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, ErrNotFound
	}
	ctx, done := c.store.observe(ctx, "checkpoints", "get")
	defer func() { done(err) }()

	ctx, cancel := c.store.readContext(ctx)
	defer cancel()

	query := c.store.dialect.rebind(`SELECT state_blob FROM checkpoints WHERE conversation_id = ?`)
	err = c.store.retry(ctx, func() error {
		return c.store.db.QueryRowContext(ctx, query, conversationID).Scan(&blob)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, transient("checkpoint get", err)
	}
	return blob, nil
}

// Put stores blob for conversationID, replacing any previous value. An empty
// id is ignored. Failures are logged and dropped.
func (c *CheckpointStore) Put(ctx context.Context, conversationID string, blob []byte) {
	if err := c.Save(ctx, conversationID, blob); err != nil && Classify(err) == OutcomeTransientError {
		c.store.logger.Warn("checkpoint put failed", "conversation_id", conversationID, "error", err)
	}
}

// Save is the tagged form of Put.
func (c *CheckpointStore) Save(ctx context.Context, conversationID string, blob []byte) (err error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil
	}
	if blob == nil {
		blob = []byte{}
	}
	ctx, done := c.store.observe(ctx, "checkpoints", "put")
	defer func() { done(err) }()

	ctx, cancel := c.store.writeContext(ctx)
	defer cancel()

	_, err = c.store.exec(ctx,
		`INSERT INTO checkpoints (conversation_id, state_blob) VALUES (?, ?) `+
			c.store.dialect.upsert("conversation_id", "state_blob"),
		conversationID, blob)
	if c.store.dialect.isDuplicateKey(err) {
		// Lost a race with a concurrent writer for the same key; their
		// state is as fresh as ours.
		c.store.logger.Debug("checkpoint put raced", "conversation_id", conversationID)
		return nil
	}
	if err != nil {
		return transient("checkpoint put", err)
	}
	return nil
}
