package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/snarg/callscribe/internal/recording"
)

// Stage is the durable per-recording pipeline state.
type Stage string

const (
	StageDiscovered   Stage = "discovered"
	StageDownloaded   Stage = "downloaded"
	StageTranscribing Stage = "transcribing"
	StageTranscribed  Stage = "transcribed"
	StagePersisted    Stage = "persisted"
	StageFailed       Stage = "failed"
)

// PipelineProgress is the durable state row for one recording.
type PipelineProgress struct {
	RecordingID string
	StageState  Stage
	Recording   recording.Recording
	JobID       *string
	Attempts    map[string]int
	LastError   *string
	UpdatedAt   time.Time
}

const progressColumns = `recording_id, stage_state, call_id, session_id, start_time,
	duration_seconds, direction, from_number, from_name, to_number, to_name,
	content_uri, job_id, attempts, last_error, updated_at`

func scanProgress(row pgx.Row) (*PipelineProgress, error) {
	var p PipelineProgress
	var startTime *time.Time
	var direction string
	err := row.Scan(
		&p.RecordingID, &p.StageState, &p.Recording.CallID, &p.Recording.SessionID, &startTime,
		&p.Recording.DurationSeconds, &direction, &p.Recording.FromNumber, &p.Recording.FromName,
		&p.Recording.ToNumber, &p.Recording.ToName,
		&p.Recording.ContentURI, &p.JobID, &p.Attempts, &p.LastError, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Recording.RecordingID = p.RecordingID
	p.Recording.Direction = recording.Direction(direction)
	if startTime != nil {
		p.Recording.StartTime = *startTime
	}
	return &p, nil
}

// UpsertProgress creates a progress row in discovered state if absent and
// returns the current row either way. The insert never overwrites an
// existing row.
func (db *DB) UpsertProgress(ctx context.Context, rec recording.Recording) (*PipelineProgress, error) {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO pipeline_progress (
			recording_id, stage_state, call_id, session_id, start_time,
			duration_seconds, direction, from_number, from_name, to_number, to_name,
			content_uri
		) VALUES ($1, 'discovered', $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (recording_id) DO NOTHING
	`,
		rec.RecordingID, rec.CallID, rec.SessionID, rec.StartTime,
		rec.DurationSeconds, string(rec.Direction), rec.FromNumber, rec.FromName,
		rec.ToNumber, rec.ToName, rec.ContentURI,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert progress: %w", err)
	}
	return db.GetProgress(ctx, rec.RecordingID)
}

// GetProgress returns the progress row for a recording, or nil if none
// exists.
func (db *DB) GetProgress(ctx context.Context, recordingID string) (*PipelineProgress, error) {
	p, err := scanProgress(db.Pool.QueryRow(ctx,
		`SELECT `+progressColumns+` FROM pipeline_progress WHERE recording_id = $1`,
		recordingID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get progress: %w", err)
	}
	return p, nil
}

// Claim atomically advances a recording from one stage to another. It
// returns true iff the row existed in the from stage and was updated —
// a successful claim grants exclusive ownership of that transition across
// the process fleet.
func (db *DB) Claim(ctx context.Context, recordingID string, from, to Stage) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE pipeline_progress
		SET stage_state = $3, updated_at = now()
		WHERE recording_id = $1 AND stage_state = $2
	`, recordingID, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("claim %s→%s: %w", from, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetJobID records the transcription service job id once submitted.
func (db *DB) SetJobID(ctx context.Context, recordingID, jobID string) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE pipeline_progress SET job_id = $2, updated_at = now()
		WHERE recording_id = $1
	`, recordingID, jobID)
	if err != nil {
		return fmt.Errorf("set job id: %w", err)
	}
	return nil
}

// MarkFailed moves a recording into the failed state, incrementing the
// attempt counter for the stage it failed in.
func (db *DB) MarkFailed(ctx context.Context, recordingID string, stage Stage, reason string) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE pipeline_progress
		SET stage_state = 'failed',
		    last_error = $3,
		    attempts = jsonb_set(
		        attempts, ARRAY[$2],
		        (COALESCE(attempts->>$2, '0')::int + 1)::text::jsonb
		    ),
		    updated_at = now()
		WHERE recording_id = $1
	`, recordingID, string(stage), reason)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// ResetFailed moves a failed recording back to discovered. This is the
// operator re-queue hook; it is the only permitted backward transition.
func (db *DB) ResetFailed(ctx context.Context, recordingID string) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE pipeline_progress
		SET stage_state = 'discovered', last_error = NULL, updated_at = now()
		WHERE recording_id = $1 AND stage_state = 'failed'
	`, recordingID)
	if err != nil {
		return false, fmt.Errorf("reset failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecoverStale returns recordings stuck in transcribing to downloaded.
// Run at startup before workers start. Only rows whose claim has not
// been touched for an hour are recovered: a fresh transcribing row may
// belong to a live coordinator elsewhere in the fleet, and taking its
// claim would let two processes advance the same recording.
func (db *DB) RecoverStale(ctx context.Context) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE pipeline_progress
		SET stage_state = 'downloaded', updated_at = now()
		WHERE stage_state = 'transcribing'
		  AND updated_at < now() - interval '1 hour'
	`)
	if err != nil {
		return 0, fmt.Errorf("recover stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListByState returns up to limit progress rows in the given state,
// oldest first.
func (db *DB) ListByState(ctx context.Context, state Stage, limit int) ([]PipelineProgress, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Pool.Query(ctx,
		`SELECT `+progressColumns+` FROM pipeline_progress
		 WHERE stage_state = $1 ORDER BY updated_at ASC LIMIT $2`,
		string(state), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list by state: %w", err)
	}
	defer rows.Close()

	var result []PipelineProgress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	if result == nil {
		result = []PipelineProgress{}
	}
	return result, rows.Err()
}

// CountByState returns the number of progress rows per stage.
func (db *DB) CountByState(ctx context.Context) (map[Stage]int64, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT stage_state, count(*) FROM pipeline_progress GROUP BY stage_state`)
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[Stage]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[Stage(state)] = n
	}
	return counts, rows.Err()
}
