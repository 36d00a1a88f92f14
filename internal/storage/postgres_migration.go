package storage

import (
	"context"
	"fmt"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id                  TEXT PRIMARY KEY,
		ref                 TEXT NOT NULL,
		status              TEXT NOT NULL,
		progress_message    TEXT NOT NULL DEFAULT '',
		priority            TEXT NOT NULL DEFAULT 'normal',
		processor_job_id    TEXT NOT NULL DEFAULT '',
		processor_worker_id TEXT NOT NULL DEFAULT '',
		error               TEXT NOT NULL DEFAULT '',
		result              JSONB,
		created_at          TIMESTAMPTZ NOT NULL,
		updated_at          TIMESTAMPTZ NOT NULL,
		started_at          TIMESTAMPTZ,
		completed_at        TIMESTAMPTZ,
		last_synced_at      TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_ref_created_at ON jobs (ref, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS workers (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		base_url    TEXT NOT NULL,
		is_active   BOOLEAN NOT NULL DEFAULT FALSE,
		concurrency INTEGER NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
}

func (r *postgresRepository) migrate(ctx context.Context) error {
	for _, stmt := range migrationStatements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	return nil
}
