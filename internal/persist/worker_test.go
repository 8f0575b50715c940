package persist

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/callscribe/internal/artifact"
	"github.com/snarg/callscribe/internal/asr"
	"github.com/snarg/callscribe/internal/audit"
	"github.com/snarg/callscribe/internal/database"
	"github.com/snarg/callscribe/internal/faults"
	"github.com/snarg/callscribe/internal/filestore"
	"github.com/snarg/callscribe/internal/recording"
)

type fakeStore struct {
	rows    map[string]*database.TranscriptRow
	fileIDs map[string]string
	upErr   error
}

func (f *fakeStore) UpsertTranscript(ctx context.Context, row *database.TranscriptRow) error {
	if f.upErr != nil {
		return f.upErr
	}
	if f.rows == nil {
		f.rows = make(map[string]*database.TranscriptRow)
	}
	f.rows[row.RecordingID] = row
	return nil
}

func (f *fakeStore) SetFileStoreID(ctx context.Context, recordingID, fileStoreID string) error {
	if f.fileIDs == nil {
		f.fileIDs = make(map[string]string)
	}
	f.fileIDs[recordingID] = fileStoreID
	return nil
}

func (f *fakeStore) GetTranscript(ctx context.Context, recordingID string) (*database.TranscriptRow, error) {
	row, ok := f.rows[recordingID]
	if !ok {
		return nil, nil
	}
	if id, ok := f.fileIDs[recordingID]; ok {
		row.FileStoreID = &id
	}
	return row, nil
}

type fakeDeleter struct {
	deleted []string
	err     error
}

func (f *fakeDeleter) Delete(recordingID, path string) (*audit.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.deleted = append(f.deleted, path)
	return &audit.Record{RecordingID: recordingID, AudioFile: path, Verified: true}, nil
}

func testRecording() recording.Recording {
	return recording.Recording{
		RecordingID: "rec-1",
		CallID:      "call-1",
		StartTime:   time.Date(2026, 3, 7, 14, 30, 0, 0, time.UTC),
		FromNumber:  "+15551230001",
		ToNumber:    "+15551230002",
		Direction:   recording.DirectionInbound,
	}
}

func testResult() *asr.Result {
	conf := 0.9
	dur := 42.5
	return &asr.Result{
		JobID:             "job-1",
		Text:              "hello world",
		Language:          "en",
		DurationSeconds:   &dur,
		ProcessingSeconds: 3.2,
		Segments: []asr.Segment{
			{Start: 0, End: 2, Text: "hello world", Confidence: &conf},
		},
	}
}

func newTestWorker(t *testing.T, store *fakeStore, del Deleter) (*Worker, *filestore.LocalStore, string) {
	t.Helper()
	dir := t.TempDir()
	fs := filestore.NewLocalStore(filepath.Join(dir, "artifacts"))
	w := NewWorker(Options{
		Store:    store,
		Files:    fs,
		Deleter:  del,
		StageDir: filepath.Join(dir, "stage"),
		Log:      zerolog.Nop(),
	})
	return w, fs, dir
}

func TestPersist_FullFlow(t *testing.T) {
	store := &fakeStore{}
	del := &fakeDeleter{}
	w, fs, _ := newTestWorker(t, store, del)
	rec := testRecording()

	if err := w.Persist(context.Background(), rec, testResult()); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	row := store.rows["rec-1"]
	if row == nil {
		t.Fatal("transcript row not written")
	}
	if row.Text != "hello world" || row.WordCount != 2 {
		t.Errorf("row = text %q, words %d", row.Text, row.WordCount)
	}

	// Artifact lands under YYYY/MM with the recording id as name.
	id, err := fs.FindByName(context.Background(), []string{"2026", "03"}, "rec-1.json")
	if err != nil {
		t.Fatalf("FindByName: %v", err)
	}
	if id == "" {
		t.Fatal("artifact not uploaded")
	}
	if store.fileIDs["rec-1"] != id {
		t.Errorf("file store id not recorded: %q != %q", store.fileIDs["rec-1"], id)
	}

	// Uploaded bytes decode back to the canonical document.
	data, err := os.ReadFile(id)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	var doc artifact.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if doc.SchemaVersion != artifact.SchemaVersion || doc.RecordingID != "rec-1" {
		t.Errorf("doc = version %q, id %q", doc.SchemaVersion, doc.RecordingID)
	}

	// Staged audio destroyed last.
	if len(del.deleted) != 1 {
		t.Fatalf("deletions = %v", del.deleted)
	}
	if filepath.Base(del.deleted[0]) != "rec-1.mp3" {
		t.Errorf("deleted path = %s", del.deleted[0])
	}
}

func TestPersist_MalformedResultFailsBeforeAnyWrite(t *testing.T) {
	store := &fakeStore{}
	del := &fakeDeleter{}
	w, _, _ := newTestWorker(t, store, del)

	err := w.Persist(context.Background(), testRecording(), &asr.Result{JobID: "job-1"})
	if faults.KindOf(err) != faults.KindValidation {
		t.Fatalf("err = %v, want validation", err)
	}
	if len(store.rows) != 0 {
		t.Error("transcript row written for malformed result")
	}
	if len(del.deleted) != 0 {
		t.Error("audio deleted for malformed result")
	}
}

func TestPersist_DeletionFailureKeepsTranscript(t *testing.T) {
	store := &fakeStore{}
	del := &fakeDeleter{err: faults.New(faults.KindDeletionFailed, "file still present")}
	w, _, _ := newTestWorker(t, store, del)

	err := w.Persist(context.Background(), testRecording(), testResult())
	if faults.KindOf(err) != faults.KindDeletionFailed {
		t.Fatalf("err = %v, want deletion_failed", err)
	}
	// Transcript and upload already happened; only the deletion failed.
	if store.rows["rec-1"] == nil {
		t.Error("transcript row missing after deletion failure")
	}
	if store.fileIDs["rec-1"] == "" {
		t.Error("file store id missing after deletion failure")
	}
}

func TestPersist_DatabaseErrorStopsFlow(t *testing.T) {
	store := &fakeStore{upErr: errors.New("connection refused")}
	del := &fakeDeleter{}
	w, fs, _ := newTestWorker(t, store, del)

	err := w.Persist(context.Background(), testRecording(), testResult())
	if faults.KindOf(err) != faults.KindLocalIO {
		t.Fatalf("err = %v, want local_io", err)
	}
	if id, _ := fs.FindByName(context.Background(), []string{"2026", "03"}, "rec-1.json"); id != "" {
		t.Error("artifact uploaded despite database failure")
	}
	if len(del.deleted) != 0 {
		t.Error("audio deleted despite database failure")
	}
}

func TestPersist_RetryRefreshesSameArtifact(t *testing.T) {
	store := &fakeStore{}
	del := &fakeDeleter{}
	w, fs, _ := newTestWorker(t, store, del)
	rec := testRecording()

	if err := w.Persist(context.Background(), rec, testResult()); err != nil {
		t.Fatalf("first Persist: %v", err)
	}
	res2 := testResult()
	res2.Text = "hello world again"
	if err := w.Persist(context.Background(), rec, res2); err != nil {
		t.Fatalf("second Persist: %v", err)
	}

	id, _ := fs.FindByName(context.Background(), []string{"2026", "03"}, "rec-1.json")
	data, err := os.ReadFile(id)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	var doc artifact.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if doc.Text != "hello world again" {
		t.Errorf("artifact text = %q, want refreshed content", doc.Text)
	}
}

func TestFinalize_RetriesDeletionAfterEarlierFailure(t *testing.T) {
	store := &fakeStore{}
	del := &fakeDeleter{err: faults.New(faults.KindDeletionFailed, "file still present")}
	w, fs, _ := newTestWorker(t, store, del)
	rec := testRecording()

	if err := w.Persist(context.Background(), rec, testResult()); faults.KindOf(err) != faults.KindDeletionFailed {
		t.Fatalf("Persist err = %v, want deletion_failed", err)
	}
	firstID, _ := fs.FindByName(context.Background(), []string{"2026", "03"}, "rec-1.json")

	// A later run retries just the tail: no re-upload, only the deletion.
	del.err = nil
	if err := w.Finalize(context.Background(), rec); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(del.deleted) != 1 {
		t.Fatalf("deletions = %v, want one", del.deleted)
	}
	if got := store.fileIDs["rec-1"]; got != firstID {
		t.Errorf("file store id changed on finalize: %q != %q", got, firstID)
	}
}

func TestFinalize_UploadsWhenArtifactNeverLanded(t *testing.T) {
	rec := testRecording()
	doc, err := artifact.Compose(rec, testResult())
	if err != nil {
		t.Fatal(err)
	}
	blob, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	store := &fakeStore{rows: map[string]*database.TranscriptRow{
		"rec-1": {RecordingID: "rec-1", Artifact: blob},
	}}
	del := &fakeDeleter{}
	w, fs, _ := newTestWorker(t, store, del)

	if err := w.Finalize(context.Background(), rec); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	id, err := fs.FindByName(context.Background(), []string{"2026", "03"}, "rec-1.json")
	if err != nil || id == "" {
		t.Fatalf("artifact not uploaded: id %q, err %v", id, err)
	}
	if store.fileIDs["rec-1"] != id {
		t.Errorf("file store id not recorded: %q != %q", store.fileIDs["rec-1"], id)
	}
	if len(del.deleted) != 1 {
		t.Errorf("deletions = %v, want one", del.deleted)
	}
}

func TestFinalize_MissingTranscriptIsValidation(t *testing.T) {
	store := &fakeStore{}
	del := &fakeDeleter{}
	w, _, _ := newTestWorker(t, store, del)

	err := w.Finalize(context.Background(), testRecording())
	if faults.KindOf(err) != faults.KindValidation {
		t.Fatalf("err = %v, want validation", err)
	}
	if len(del.deleted) != 0 {
		t.Error("audio deleted without a stored transcript")
	}
}

func TestArtifactFolders(t *testing.T) {
	cases := []struct {
		start time.Time
		want  [2]string
	}{
		{time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC), [2]string{"2026", "03"}},
		{time.Date(2025, 12, 31, 23, 59, 0, 0, time.UTC), [2]string{"2025", "12"}},
		// Local time near a month boundary resolves in UTC.
		{time.Date(2026, 1, 1, 0, 30, 0, 0, time.FixedZone("plus2", 2*3600)), [2]string{"2025", "12"}},
	}
	for _, tc := range cases {
		got := ArtifactFolders(tc.start)
		if got[0] != tc.want[0] || got[1] != tc.want[1] {
			t.Errorf("ArtifactFolders(%v) = %v, want %v", tc.start, got, tc.want)
		}
	}
}
