package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// TranscriptRow is the input for storing a transcript. recording_id is
// the natural key; a retry upserts over the previous attempt.
type TranscriptRow struct {
	RecordingID          string
	JobID                string
	Text                 string
	Language             string
	LanguageProbability  float32
	WordCount            int
	OverallConfidence    float32
	AudioDurationSeconds float64
	ProcessingSeconds    float64
	Segments             json.RawMessage
	Features             json.RawMessage
	Artifact             json.RawMessage // canonical document blob
	FileStoreID          *string
	SubmittedAt          *time.Time
	CompletedAt          *time.Time
}

// UpsertTranscript writes a transcript row keyed by recording_id,
// replacing any previous attempt's content.
func (db *DB) UpsertTranscript(ctx context.Context, row *TranscriptRow) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO transcripts (
			recording_id, job_id, text, language, language_probability,
			word_count, overall_confidence, audio_duration_seconds, processing_seconds,
			segments, features, artifact, submitted_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (recording_id) DO UPDATE SET
			job_id = EXCLUDED.job_id,
			text = EXCLUDED.text,
			language = EXCLUDED.language,
			language_probability = EXCLUDED.language_probability,
			word_count = EXCLUDED.word_count,
			overall_confidence = EXCLUDED.overall_confidence,
			audio_duration_seconds = EXCLUDED.audio_duration_seconds,
			processing_seconds = EXCLUDED.processing_seconds,
			segments = EXCLUDED.segments,
			features = EXCLUDED.features,
			artifact = EXCLUDED.artifact,
			submitted_at = EXCLUDED.submitted_at,
			completed_at = EXCLUDED.completed_at,
			updated_at = now()
	`,
		row.RecordingID, row.JobID, row.Text, row.Language, row.LanguageProbability,
		row.WordCount, row.OverallConfidence, row.AudioDurationSeconds, row.ProcessingSeconds,
		row.Segments, row.Features, row.Artifact, row.SubmittedAt, row.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert transcript: %w", err)
	}
	return nil
}

// SetFileStoreID records the cloud file identifier of the uploaded
// artifact on the transcript row.
func (db *DB) SetFileStoreID(ctx context.Context, recordingID, fileStoreID string) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE transcripts SET file_store_id = $2, updated_at = now()
		WHERE recording_id = $1
	`, recordingID, fileStoreID)
	if err != nil {
		return fmt.Errorf("set file store id: %w", err)
	}
	return nil
}

// GetTranscript returns the transcript for a recording, or nil if none
// exists.
func (db *DB) GetTranscript(ctx context.Context, recordingID string) (*TranscriptRow, error) {
	var row TranscriptRow
	err := db.Pool.QueryRow(ctx, `
		SELECT recording_id, job_id, text, language, language_probability,
			word_count, overall_confidence, audio_duration_seconds, processing_seconds,
			segments, features, artifact, file_store_id, submitted_at, completed_at
		FROM transcripts WHERE recording_id = $1
	`, recordingID).Scan(
		&row.RecordingID, &row.JobID, &row.Text, &row.Language, &row.LanguageProbability,
		&row.WordCount, &row.OverallConfidence, &row.AudioDurationSeconds, &row.ProcessingSeconds,
		&row.Segments, &row.Features, &row.Artifact, &row.FileStoreID, &row.SubmittedAt, &row.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transcript: %w", err)
	}
	return &row, nil
}
