package database

import "context"

// schemaSQL is the full schema for a fresh database. Existing databases
// are only touched by the ordered migrations in migrations.go.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS pipeline_progress (
    recording_id     text PRIMARY KEY,
    stage_state      text NOT NULL DEFAULT 'discovered'
        CHECK (stage_state IN ('discovered', 'downloaded', 'transcribing', 'transcribed', 'persisted', 'failed')),
    call_id          text NOT NULL DEFAULT '',
    session_id       text NOT NULL DEFAULT '',
    start_time       timestamptz,
    duration_seconds int NOT NULL DEFAULT 0,
    direction        text NOT NULL DEFAULT 'unknown',
    from_number      text NOT NULL DEFAULT '',
    from_name        text NOT NULL DEFAULT '',
    to_number        text NOT NULL DEFAULT '',
    to_name          text NOT NULL DEFAULT '',
    content_uri      text NOT NULL DEFAULT '',
    job_id           text,
    attempts         jsonb NOT NULL DEFAULT '{}'::jsonb,
    last_error       text,
    created_at       timestamptz NOT NULL DEFAULT now(),
    updated_at       timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_progress_stage_state
    ON pipeline_progress (stage_state, updated_at);

CREATE TABLE IF NOT EXISTS transcripts (
    recording_id           text PRIMARY KEY REFERENCES pipeline_progress (recording_id),
    job_id                 text NOT NULL,
    text                   text NOT NULL,
    language               text NOT NULL DEFAULT '',
    language_probability   real NOT NULL DEFAULT 0,
    word_count             int NOT NULL DEFAULT 0,
    overall_confidence     real NOT NULL DEFAULT 0,
    audio_duration_seconds double precision NOT NULL DEFAULT 0,
    processing_seconds     double precision NOT NULL DEFAULT 0,
    segments               jsonb,
    features               jsonb,
    artifact               jsonb,
    file_store_id          text,
    submitted_at           timestamptz,
    completed_at           timestamptz,
    created_at             timestamptz NOT NULL DEFAULT now(),
    updated_at             timestamptz NOT NULL DEFAULT now()
);
`

// InitSchema applies the schema on a fresh database. It checks whether the
// pipeline_progress table exists as a proxy for whether the schema has
// been loaded. If present, it's a no-op.
func (db *DB) InitSchema(ctx context.Context) error {
	var exists bool
	err := db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM pg_tables WHERE schemaname = 'public' AND tablename = 'pipeline_progress')`,
	).Scan(&exists)
	if err != nil {
		return err
	}

	if exists {
		db.log.Debug().Msg("schema already initialized, skipping")
		return nil
	}

	db.log.Info().Msg("fresh database detected — applying schema")
	if _, err := db.Pool.Exec(ctx, schemaSQL); err != nil {
		return err
	}
	db.log.Info().Msg("schema applied successfully")
	return nil
}
