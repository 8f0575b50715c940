// Package persist lands a finished transcription: compose the canonical
// artifact, write the database row, upload to the cloud file store and
// destroy the staged audio through the deletion auditor.
package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/callscribe/internal/artifact"
	"github.com/snarg/callscribe/internal/asr"
	"github.com/snarg/callscribe/internal/audit"
	"github.com/snarg/callscribe/internal/database"
	"github.com/snarg/callscribe/internal/faults"
	"github.com/snarg/callscribe/internal/filestore"
	"github.com/snarg/callscribe/internal/metrics"
	"github.com/snarg/callscribe/internal/recording"
)

const artifactContentType = "application/json"

// TranscriptStore is the slice of the database the worker consumes.
type TranscriptStore interface {
	UpsertTranscript(ctx context.Context, row *database.TranscriptRow) error
	SetFileStoreID(ctx context.Context, recordingID, fileStoreID string) error
	GetTranscript(ctx context.Context, recordingID string) (*database.TranscriptRow, error)
}

// Deleter destroys staged audio and writes the audit trail.
type Deleter interface {
	Delete(recordingID, path string) (*audit.Record, error)
}

// Worker persists transcription results.
type Worker struct {
	store    TranscriptStore
	files    filestore.FileStore
	deleter  Deleter
	recorder *metrics.Recorder
	stageDir string
	log      zerolog.Logger
}

// Options configures a Worker.
type Options struct {
	Store    TranscriptStore
	Files    filestore.FileStore
	Deleter  Deleter
	Recorder *metrics.Recorder
	StageDir string
	Log      zerolog.Logger
}

func NewWorker(opts Options) *Worker {
	return &Worker{
		store:    opts.Store,
		files:    opts.Files,
		deleter:  opts.Deleter,
		recorder: opts.Recorder,
		stageDir: opts.StageDir,
		log:      opts.Log.With().Str("component", "persist").Logger(),
	}
}

// Persist writes the transcript row, uploads the canonical artifact and
// deletes the staged audio. Database and upload steps run before the
// deletion; a deletion failure leaves the recording recoverable while
// the transcript itself is already safe.
func (w *Worker) Persist(ctx context.Context, rec recording.Recording, res *asr.Result) error {
	log := w.log.With().Str("recording_id", rec.RecordingID).Logger()

	doc, err := artifact.Compose(rec, res)
	if err != nil {
		w.record(rec.RecordingID, metrics.OutcomeFailed, err.Error())
		return err
	}

	if err := w.storeTranscript(ctx, doc, res); err != nil {
		w.record(rec.RecordingID, metrics.OutcomeFailed, err.Error())
		return err
	}

	fileID, err := w.upload(ctx, rec, doc, log)
	if err != nil {
		w.record(rec.RecordingID, metrics.OutcomeFailed, err.Error())
		return err
	}
	if err := w.store.SetFileStoreID(ctx, rec.RecordingID, fileID); err != nil {
		w.record(rec.RecordingID, metrics.OutcomeFailed, err.Error())
		return faults.Wrap(faults.KindLocalIO, err)
	}

	if _, err := w.deleter.Delete(rec.RecordingID, rec.StagePath(w.stageDir)); err != nil {
		w.record(rec.RecordingID, metrics.OutcomeFailed, err.Error())
		return err
	}

	w.record(rec.RecordingID, metrics.OutcomeSucceeded, "")
	log.Info().Str("file_store_id", fileID).Msg("recording persisted")
	return nil
}

// Finalize completes persistence for a recording whose transcript row
// already exists from an earlier run: refresh the artifact upload if it
// never landed and destroy the staged audio. Used when a previous run
// failed between the database write and the audio deletion.
func (w *Worker) Finalize(ctx context.Context, rec recording.Recording) error {
	log := w.log.With().Str("recording_id", rec.RecordingID).Logger()

	row, err := w.store.GetTranscript(ctx, rec.RecordingID)
	if err != nil {
		w.record(rec.RecordingID, metrics.OutcomeFailed, err.Error())
		return faults.Wrap(faults.KindLocalIO, err)
	}
	if row == nil {
		err := faults.New(faults.KindValidation, "no stored transcript for %s", rec.RecordingID)
		w.record(rec.RecordingID, metrics.OutcomeFailed, err.Error())
		return err
	}

	fileID := ""
	if row.FileStoreID != nil {
		fileID = *row.FileStoreID
	}
	if fileID == "" {
		folders := ArtifactFolders(rec.StartTime)
		name := rec.RecordingID + ".json"
		fileID, err = w.files.Upload(ctx, folders, name, row.Artifact, artifactContentType)
		if err != nil {
			w.record(rec.RecordingID, metrics.OutcomeFailed, err.Error())
			return faults.Wrap(faults.KindLocalIO, fmt.Errorf("upload artifact: %w", err))
		}
		if err := w.store.SetFileStoreID(ctx, rec.RecordingID, fileID); err != nil {
			w.record(rec.RecordingID, metrics.OutcomeFailed, err.Error())
			return faults.Wrap(faults.KindLocalIO, err)
		}
	}

	if _, err := w.deleter.Delete(rec.RecordingID, rec.StagePath(w.stageDir)); err != nil {
		w.record(rec.RecordingID, metrics.OutcomeFailed, err.Error())
		return err
	}

	w.record(rec.RecordingID, metrics.OutcomeSucceeded, "")
	log.Info().Str("file_store_id", fileID).Msg("recording persistence finalized")
	return nil
}

func (w *Worker) storeTranscript(ctx context.Context, doc *artifact.Document, res *asr.Result) error {
	blob, err := json.Marshal(doc)
	if err != nil {
		return faults.Wrap(faults.KindValidation, fmt.Errorf("marshal artifact: %w", err))
	}
	segments, err := json.Marshal(doc.Segments)
	if err != nil {
		return faults.Wrap(faults.KindValidation, fmt.Errorf("marshal segments: %w", err))
	}
	features, err := json.Marshal(doc.Features)
	if err != nil {
		return faults.Wrap(faults.KindValidation, fmt.Errorf("marshal features: %w", err))
	}

	row := &database.TranscriptRow{
		RecordingID:          doc.RecordingID,
		JobID:                doc.JobID,
		Text:                 doc.Text,
		Language:             doc.Language,
		LanguageProbability:  float32(doc.LanguageProbability),
		WordCount:            doc.WordCount,
		OverallConfidence:    float32(doc.OverallConfidence),
		AudioDurationSeconds: doc.AudioDurationSeconds,
		ProcessingSeconds:    doc.ProcessingSeconds,
		Segments:             segments,
		Features:             features,
		Artifact:             blob,
		SubmittedAt:          timePtr(res.SubmittedAt),
		CompletedAt:          timePtr(res.CompletedAt),
	}
	if err := w.store.UpsertTranscript(ctx, row); err != nil {
		return faults.Wrap(faults.KindLocalIO, err)
	}
	return nil
}

// upload writes the artifact to <YYYY>/<MM>/<recording_id>.json in the
// file store. Uploads are idempotent by name: a retry refreshes the
// existing file instead of creating a duplicate.
func (w *Worker) upload(ctx context.Context, rec recording.Recording, doc *artifact.Document, log zerolog.Logger) (string, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return "", faults.Wrap(faults.KindValidation, fmt.Errorf("marshal artifact: %w", err))
	}

	folders := ArtifactFolders(rec.StartTime)
	name := rec.RecordingID + ".json"

	if existing, err := w.files.FindByName(ctx, folders, name); err == nil && existing != "" {
		log.Debug().Str("file_store_id", existing).Msg("refreshing existing artifact")
	}

	id, err := w.files.Upload(ctx, folders, name, data, artifactContentType)
	if err != nil {
		return "", faults.Wrap(faults.KindLocalIO, fmt.Errorf("upload artifact: %w", err))
	}
	return id, nil
}

// ArtifactFolders is the file-store folder path for a recording start
// time: year then zero-padded month, in UTC.
func ArtifactFolders(start time.Time) []string {
	t := start.UTC()
	return []string{fmt.Sprintf("%04d", t.Year()), fmt.Sprintf("%02d", int(t.Month()))}
}

func (w *Worker) record(recordingID, outcome, detail string) {
	if w.recorder != nil {
		w.recorder.Record("persist", recordingID, outcome, detail)
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
