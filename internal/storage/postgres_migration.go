package storage

import (
	"context"
	"fmt"
)

// schemaStatements are applied in order on startup. Each statement is
// idempotent so repeated boots converge on the same schema.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS videos (
		id             TEXT PRIMARY KEY,
		title          TEXT NOT NULL,
		description    TEXT NOT NULL DEFAULT '',
		category       TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL,
		original_path  TEXT NOT NULL DEFAULT '',
		thumbnail_path TEXT NOT NULL DEFAULT '',
		error          TEXT NOT NULL DEFAULT '',
		renditions     JSONB NOT NULL DEFAULT '[]'::jsonb,
		created_at     TIMESTAMPTZ NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS videos_status_idx ON videos (status)`,
	`CREATE INDEX IF NOT EXISTS videos_category_idx ON videos (category)`,
	`CREATE INDEX IF NOT EXISTS videos_created_at_idx ON videos (created_at DESC)`,
}

func (r *PostgresRepository) ensureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	return nil
}
