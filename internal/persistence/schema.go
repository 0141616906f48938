package persistence

import (
	"context"
	"fmt"
	"time"
)

const schemaTimeout = 30 * time.Second

// tableSchema declares one table and its indexes. Statements must be
// idempotent; they are applied on every store construction.
type tableSchema struct {
	name       string
	statements func(d Dialect) []string
}

// ensureSchema applies the table's DDL. Concurrent creators may race; a
// "already exists" failure is accepted as long as the table is usable
// afterwards.
func (s *Store) ensureSchema(ctx context.Context, schema tableSchema) error {
	ctx, cancel := context.WithTimeout(ctx, schemaTimeout)
	defer cancel()

	for _, stmt := range schema.statements(s.dialect) {
		if _, err := s.exec(ctx, stmt); err != nil {
			if !s.dialect.isSchemaRace(err) {
				return fmt.Errorf("ensure %s schema: %w", schema.name, err)
			}
			s.logger.Debug("schema statement raced with another creator", "table", schema.name, "error", err)
		}
	}

	probe := fmt.Sprintf("SELECT 1 FROM %s WHERE 1 = 0", schema.name)
	rows, err := s.db.QueryContext(ctx, probe)
	if err != nil {
		return fmt.Errorf("verify %s schema: %w", schema.name, err)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("verify %s schema: %w", schema.name, err)
	}
	return nil
}

func checkpointsSchema(d Dialect) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS checkpoints (
			conversation_id %s NOT NULL PRIMARY KEY,
			state_blob %s NOT NULL
		)`, d.keyType(), d.blobType()),
	}
}

func tasksSchema(d Dialect) []string {
	if d == DialectMySQL {
		// MySQL has no CREATE INDEX IF NOT EXISTS; declare the index inline.
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tasks (
				id %[1]s NOT NULL PRIMARY KEY,
				context_id %[1]s NOT NULL,
				data %[2]s NOT NULL,
				created_at %[3]s NOT NULL,
				updated_at %[3]s NOT NULL,
				INDEX idx_tasks_context_created (context_id, created_at)
			)`, d.keyType(), d.blobType(), d.timestampType()),
		}
	}
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tasks (
			id %[1]s NOT NULL PRIMARY KEY,
			context_id %[1]s NOT NULL,
			data %[2]s NOT NULL,
			created_at %[3]s NOT NULL,
			updated_at %[3]s NOT NULL
		)`, d.keyType(), d.blobType(), d.timestampType()),
		`CREATE INDEX IF NOT EXISTS idx_tasks_context_created ON tasks(context_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at)`,
	}
}

func pushConfigsSchema(d Dialect) []string {
	if d == DialectMySQL {
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS push_notification_configs (
				id %[1]s NOT NULL PRIMARY KEY,
				context_id %[1]s NOT NULL,
				url %[2]s NOT NULL,
				headers %[3]s NULL,
				created_at %[4]s NOT NULL,
				updated_at %[4]s NOT NULL,
				INDEX idx_push_configs_context_created (context_id, created_at)
			)`, d.keyType(), d.urlType(), d.jsonType(), d.timestampType()),
		}
	}
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS push_notification_configs (
			id %[1]s NOT NULL PRIMARY KEY,
			context_id %[1]s NOT NULL,
			url %[2]s NOT NULL,
			headers %[3]s,
			created_at %[4]s NOT NULL,
			updated_at %[4]s NOT NULL
		)`, d.keyType(), d.urlType(), d.jsonType(), d.timestampType()),
		`CREATE INDEX IF NOT EXISTS idx_push_configs_context_created ON push_notification_configs(context_id, created_at)`,
	}
}
