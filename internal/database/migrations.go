package database

import (
	"context"
	"fmt"
)

// migration defines a single idempotent schema migration.
type migration struct {
	name  string
	sql   string
	check string // query that returns true if the migration is already applied
}

// migrations is the ordered list of schema migrations to apply.
// Each must be idempotent (use IF NOT EXISTS, IF EXISTS, etc.).
var migrations = []migration{
	{
		name:  "add transcripts.file_store_id",
		sql:   `ALTER TABLE transcripts ADD COLUMN IF NOT EXISTS file_store_id text`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'transcripts' AND column_name = 'file_store_id')`,
	},
	{
		name:  "add pipeline_progress.last_error",
		sql:   `ALTER TABLE pipeline_progress ADD COLUMN IF NOT EXISTS last_error text`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'pipeline_progress' AND column_name = 'last_error')`,
	},
	{
		name:  "add transcripts.artifact blob column",
		sql:   `ALTER TABLE transcripts ADD COLUMN IF NOT EXISTS artifact jsonb`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'transcripts' AND column_name = 'artifact')`,
	},
}

// Migrate applies pending migrations in order. Safe to run on every
// startup.
func (db *DB) Migrate(ctx context.Context) error {
	applied := 0
	for _, m := range migrations {
		var done bool
		if err := db.Pool.QueryRow(ctx, m.check).Scan(&done); err != nil {
			return fmt.Errorf("migration check %q: %w", m.name, err)
		}
		if done {
			continue
		}
		if _, err := db.Pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %q: %w", m.name, err)
		}
		db.log.Info().Str("migration", m.name).Msg("migration applied")
		applied++
	}
	if applied > 0 {
		db.log.Info().Int("applied", applied).Msg("migrations complete")
	}
	return nil
}
