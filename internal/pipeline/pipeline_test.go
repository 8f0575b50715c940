package pipeline

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/callscribe/internal/asr"
	"github.com/snarg/callscribe/internal/database"
	"github.com/snarg/callscribe/internal/faults"
	"github.com/snarg/callscribe/internal/recording"
)

// staleClaim mirrors the one-hour recovery predicate of the real store.
const staleClaim = time.Hour

// memProgress is an in-memory progress store with CAS semantics.
type memProgress struct {
	mu      sync.Mutex
	states  map[string]database.Stage
	recs    map[string]recording.Recording
	reasons map[string]string
	updated map[string]time.Time
}

func newMemProgress() *memProgress {
	return &memProgress{
		states:  make(map[string]database.Stage),
		recs:    make(map[string]recording.Recording),
		reasons: make(map[string]string),
		updated: make(map[string]time.Time),
	}
}

// seed plants a row left over from an earlier run.
func (m *memProgress) seed(rec recording.Recording, stage database.Stage) {
	m.states[rec.RecordingID] = stage
	m.recs[rec.RecordingID] = rec
	m.updated[rec.RecordingID] = time.Now()
}

// backdate ages a row's last transition, as if its run died long ago.
func (m *memProgress) backdate(id string, age time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updated[id] = time.Now().Add(-age)
}

func (m *memProgress) UpsertProgress(ctx context.Context, rec recording.Recording) (*database.PipelineProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[rec.RecordingID]; !ok {
		m.states[rec.RecordingID] = database.StageDiscovered
		m.recs[rec.RecordingID] = rec
		m.updated[rec.RecordingID] = time.Now()
	}
	return &database.PipelineProgress{RecordingID: rec.RecordingID, StageState: m.states[rec.RecordingID]}, nil
}

func (m *memProgress) Claim(ctx context.Context, recordingID string, from, to database.Stage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.states[recordingID] != from {
		return false, nil
	}
	m.states[recordingID] = to
	m.updated[recordingID] = time.Now()
	return true, nil
}

func (m *memProgress) MarkFailed(ctx context.Context, recordingID string, stage database.Stage, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[recordingID] = database.StageFailed
	m.reasons[recordingID] = reason
	m.updated[recordingID] = time.Now()
	return nil
}

func (m *memProgress) ListByState(ctx context.Context, state database.Stage, limit int) ([]database.PipelineProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.PipelineProgress
	for id, st := range m.states {
		if st == state && len(out) < limit {
			out = append(out, database.PipelineProgress{RecordingID: id, StageState: st, Recording: m.recs[id]})
		}
	}
	return out, nil
}

func (m *memProgress) RecoverStale(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-staleClaim)
	var n int64
	for id, st := range m.states {
		if st == database.StageTranscribing && m.updated[id].Before(cutoff) {
			m.states[id] = database.StageDownloaded
			m.updated[id] = time.Now()
			n++
		}
	}
	return n, nil
}

func (m *memProgress) state(id string) database.Stage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[id]
}

type fakeEnumerator struct {
	recs []recording.Recording
}

func (f *fakeEnumerator) Fetch(ctx context.Context, from, to time.Time, emit func(recording.Recording) error) error {
	for _, rec := range f.recs {
		if err := emit(rec); err != nil {
			return err
		}
	}
	return nil
}

type fakeDownloader struct {
	errs   map[string]error
	create bool // write a real staged file
	calls  int32
}

func (f *fakeDownloader) Download(ctx context.Context, rec recording.Recording, stageDir string) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	if err := f.errs[rec.RecordingID]; err != nil {
		return "", err
	}
	path := rec.StagePath(stageDir)
	if f.create {
		if err := os.WriteFile(path, []byte("audio"), 0o644); err != nil {
			return "", err
		}
	}
	return path, nil
}

type fakeTranscriber struct {
	errs   map[string]error
	panics map[string]bool
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, rec recording.Recording) (*asr.Result, error) {
	if f.panics[rec.RecordingID] {
		panic("corrupt result state")
	}
	if err := f.errs[rec.RecordingID]; err != nil {
		return nil, err
	}
	return &asr.Result{JobID: "job-" + rec.RecordingID, Text: "ok"}, nil
}

type fakePersister struct {
	mu        sync.Mutex
	done      []string
	finalized []string
	errs      map[string]error
}

func (f *fakePersister) Persist(ctx context.Context, rec recording.Recording, res *asr.Result) error {
	if err := f.errs[rec.RecordingID]; err != nil {
		return err
	}
	f.mu.Lock()
	f.done = append(f.done, rec.RecordingID)
	f.mu.Unlock()
	return nil
}

func (f *fakePersister) Finalize(ctx context.Context, rec recording.Recording) error {
	if err := f.errs[rec.RecordingID]; err != nil {
		return err
	}
	f.mu.Lock()
	f.finalized = append(f.finalized, rec.RecordingID)
	f.mu.Unlock()
	return nil
}

func recs(ids ...string) []recording.Recording {
	out := make([]recording.Recording, 0, len(ids))
	for _, id := range ids {
		out = append(out, recording.Recording{RecordingID: id})
	}
	return out
}

func newTestPipeline(enum Enumerator, dl Downloader, tr Transcriber, pe Persister, prog ProgressStore) *Pipeline {
	return New(Options{
		Progress:              prog,
		Enumerator:            enum,
		Downloader:            dl,
		Transcribe:            tr,
		Persist:               pe,
		StageDir:              "/tmp/stage",
		TranscribeConcurrency: 2,
		PersistConcurrency:    2,
		Log:                   zerolog.Nop(),
	})
}

func window() (time.Time, time.Time) {
	to := time.Now().UTC()
	return to.Add(-24 * time.Hour), to
}

func TestRun_AllRecordingsPersisted(t *testing.T) {
	prog := newMemProgress()
	pe := &fakePersister{}
	p := newTestPipeline(
		&fakeEnumerator{recs: recs("r1", "r2", "r3", "r4", "r5")},
		&fakeDownloader{}, &fakeTranscriber{}, pe, prog,
	)

	from, to := window()
	sum, err := p.Run(context.Background(), from, to)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Discovered != 5 || sum.Persisted != 5 || sum.Failed != 0 {
		t.Errorf("summary = discovered %d, persisted %d, failed %d", sum.Discovered, sum.Persisted, sum.Failed)
	}
	for _, id := range []string{"r1", "r2", "r3", "r4", "r5"} {
		if got := prog.state(id); got != database.StagePersisted {
			t.Errorf("state[%s] = %s, want persisted", id, got)
		}
	}
	if sum.RunID == "" {
		t.Error("summary missing run id")
	}
}

func TestRun_TranscribeFailureDoesNotStopRun(t *testing.T) {
	prog := newMemProgress()
	tr := &fakeTranscriber{errs: map[string]error{
		"bad": faults.New(faults.KindJobFailed, "service reported job failure"),
	}}
	pe := &fakePersister{}
	p := newTestPipeline(&fakeEnumerator{recs: recs("bad", "good")}, &fakeDownloader{}, tr, pe, prog)

	from, to := window()
	sum, err := p.Run(context.Background(), from, to)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Persisted != 1 || sum.Failed != 1 {
		t.Errorf("summary = persisted %d, failed %d", sum.Persisted, sum.Failed)
	}
	if got := prog.state("bad"); got != database.StageFailed {
		t.Errorf("state[bad] = %s, want failed", got)
	}
	if got := prog.state("good"); got != database.StagePersisted {
		t.Errorf("state[good] = %s, want persisted", got)
	}
	if len(sum.Failures) != 1 || sum.Failures[0].Kind != "service_job_failed" {
		t.Errorf("failures = %+v", sum.Failures)
	}
}

func TestRun_DownloadFailureMarksDiscoveredFailed(t *testing.T) {
	prog := newMemProgress()
	dl := &fakeDownloader{errs: map[string]error{
		"r1": faults.New(faults.KindTransient, "provider unavailable"),
	}}
	p := newTestPipeline(&fakeEnumerator{recs: recs("r1", "r2")}, dl, &fakeTranscriber{}, &fakePersister{}, prog)

	from, to := window()
	sum, err := p.Run(context.Background(), from, to)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := prog.state("r1"); got != database.StageFailed {
		t.Errorf("state[r1] = %s, want failed", got)
	}
	if sum.Persisted != 1 {
		t.Errorf("persisted = %d, want 1", sum.Persisted)
	}
}

func TestRun_DeletionFailureLeavesTranscribed(t *testing.T) {
	prog := newMemProgress()
	pe := &fakePersister{errs: map[string]error{
		"r1": faults.New(faults.KindDeletionFailed, "audio file still present"),
	}}
	p := newTestPipeline(&fakeEnumerator{recs: recs("r1")}, &fakeDownloader{}, &fakeTranscriber{}, pe, prog)

	from, to := window()
	sum, err := p.Run(context.Background(), from, to)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// The transcript is safe; the recording stays recoverable, not failed.
	if got := prog.state("r1"); got != database.StageTranscribed {
		t.Errorf("state[r1] = %s, want transcribed", got)
	}
	if sum.Failed != 1 {
		t.Errorf("failed = %d, want 1", sum.Failed)
	}
}

func TestRun_AuthFailureAbortsRun(t *testing.T) {
	prog := newMemProgress()
	tr := &fakeTranscriber{errs: map[string]error{
		"r1": faults.New(faults.KindAuth, "key revoked"),
	}}
	p := newTestPipeline(&fakeEnumerator{recs: recs("r1")}, &fakeDownloader{}, tr, &fakePersister{}, prog)

	from, to := window()
	_, err := p.Run(context.Background(), from, to)
	if faults.KindOf(err) != faults.KindAuth {
		t.Fatalf("err = %v, want auth", err)
	}
}

func TestRun_PanicIsolatedToRecording(t *testing.T) {
	prog := newMemProgress()
	tr := &fakeTranscriber{panics: map[string]bool{"boom": true}}
	pe := &fakePersister{}
	p := newTestPipeline(&fakeEnumerator{recs: recs("boom", "ok")}, &fakeDownloader{}, tr, pe, prog)

	from, to := window()
	sum, err := p.Run(context.Background(), from, to)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := prog.state("boom"); got != database.StageFailed {
		t.Errorf("state[boom] = %s, want failed", got)
	}
	if got := prog.state("ok"); got != database.StagePersisted {
		t.Errorf("state[ok] = %s, want persisted", got)
	}
	if sum.Failed != 1 || sum.Persisted != 1 {
		t.Errorf("summary = failed %d, persisted %d", sum.Failed, sum.Persisted)
	}
}

func TestRun_CancelledContextMarksInterrupted(t *testing.T) {
	prog := newMemProgress()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := newTestPipeline(&fakeEnumerator{recs: recs("r1")}, &fakeDownloader{}, &fakeTranscriber{}, &fakePersister{}, prog)
	from, to := window()
	sum, err := p.Run(ctx, from, to)
	if faults.KindOf(err) != faults.KindCancelled {
		t.Fatalf("err = %v, want cancelled", err)
	}
	if !sum.Interrupted {
		t.Error("summary not marked interrupted")
	}
}

func newResumePipeline(prog ProgressStore, dl Downloader, tr Transcriber, pe Persister, stageDir string) *Pipeline {
	return New(Options{
		Progress:              prog,
		Enumerator:            &fakeEnumerator{},
		Downloader:            dl,
		Transcribe:            tr,
		Persist:               pe,
		StageDir:              stageDir,
		TranscribeConcurrency: 2,
		PersistConcurrency:    2,
		Log:                   zerolog.Nop(),
	})
}

func TestRun_ResumesTranscribedRowViaFinalize(t *testing.T) {
	prog := newMemProgress()
	prog.seed(recording.Recording{RecordingID: "r1"}, database.StageTranscribed)
	pe := &fakePersister{}
	p := newResumePipeline(prog, &fakeDownloader{}, &fakeTranscriber{}, pe, t.TempDir())

	from, to := window()
	sum, err := p.Run(context.Background(), from, to)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := prog.state("r1"); got != database.StagePersisted {
		t.Errorf("state[r1] = %s, want persisted", got)
	}
	if len(pe.finalized) != 1 || pe.finalized[0] != "r1" {
		t.Errorf("finalized = %v, want [r1]", pe.finalized)
	}
	if len(pe.done) != 0 {
		t.Errorf("full persist ran for a resumed transcript: %v", pe.done)
	}
	if sum.Resumed != 1 || sum.Persisted != 1 {
		t.Errorf("summary = resumed %d, persisted %d", sum.Resumed, sum.Persisted)
	}
}

func TestRun_RecoversStaleTranscribing(t *testing.T) {
	prog := newMemProgress()
	prog.seed(recording.Recording{RecordingID: "r1"}, database.StageTranscribing)
	prog.backdate("r1", 2*staleClaim)
	dl := &fakeDownloader{create: true}
	pe := &fakePersister{}
	p := newResumePipeline(prog, dl, &fakeTranscriber{}, pe, t.TempDir())

	from, to := window()
	sum, err := p.Run(context.Background(), from, to)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// The orphaned row dropped back to downloaded, was re-staged and went
	// through the full transcribe/persist cycle again.
	if got := prog.state("r1"); got != database.StagePersisted {
		t.Errorf("state[r1] = %s, want persisted", got)
	}
	if len(pe.done) != 1 {
		t.Errorf("persisted = %v, want [r1]", pe.done)
	}
	if sum.Resumed != 1 {
		t.Errorf("resumed = %d, want 1", sum.Resumed)
	}
}

func TestRun_FreshTranscribingClaimNotRecovered(t *testing.T) {
	prog := newMemProgress()
	prog.seed(recording.Recording{RecordingID: "r1"}, database.StageTranscribing)
	pe := &fakePersister{}
	p := newResumePipeline(prog, &fakeDownloader{}, &fakeTranscriber{}, pe, t.TempDir())

	from, to := window()
	sum, err := p.Run(context.Background(), from, to)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := prog.state("r1"); got != database.StageTranscribing {
		t.Errorf("state[r1] = %s, want transcribing (claim possibly held elsewhere)", got)
	}
	if sum.Resumed != 0 || sum.Persisted != 0 {
		t.Errorf("summary = resumed %d, persisted %d; want untouched", sum.Resumed, sum.Persisted)
	}
}

// blockingTranscriber parks inside Transcribe until released, keeping
// its recording's transcribing claim live.
type blockingTranscriber struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingTranscriber) Transcribe(ctx context.Context, rec recording.Recording) (*asr.Result, error) {
	close(b.started)
	select {
	case <-b.release:
		return &asr.Result{JobID: "job-" + rec.RecordingID, Text: "ok"}, nil
	case <-ctx.Done():
		return nil, faults.Wrap(faults.KindCancelled, ctx.Err())
	}
}

func TestRun_TwoCoordinatorsNeverBothAdvance(t *testing.T) {
	prog := newMemProgress()
	tr := &blockingTranscriber{started: make(chan struct{}), release: make(chan struct{})}
	peA := &fakePersister{}
	a := newTestPipeline(&fakeEnumerator{recs: recs("r1")}, &fakeDownloader{}, tr, peA, prog)

	from, to := window()
	aDone := make(chan error, 1)
	go func() {
		_, err := a.Run(context.Background(), from, to)
		aDone <- err
	}()
	<-tr.started // A now holds r1's transcribing claim

	peB := &fakePersister{}
	b := newResumePipeline(prog, &fakeDownloader{}, &fakeTranscriber{}, peB, t.TempDir())
	sumB, err := b.Run(context.Background(), from, to)
	if err != nil {
		t.Fatalf("second coordinator: %v", err)
	}
	if sumB.Resumed != 0 || sumB.Persisted != 0 {
		t.Errorf("second coordinator advanced a live claim: resumed %d, persisted %d", sumB.Resumed, sumB.Persisted)
	}
	if got := prog.state("r1"); got != database.StageTranscribing {
		t.Errorf("state[r1] = %s, want transcribing while the claim is held", got)
	}

	close(tr.release)
	if err := <-aDone; err != nil {
		t.Fatalf("first coordinator: %v", err)
	}
	if got := prog.state("r1"); got != database.StagePersisted {
		t.Errorf("state[r1] = %s, want persisted", got)
	}
	if len(peA.done) != 1 || len(peB.done)+len(peB.finalized) != 0 {
		t.Errorf("persist split = A %v, B %v/%v; only the claim holder may land r1",
			peA.done, peB.done, peB.finalized)
	}
}

func TestRun_ResumedDownloadedRowSkipsRedownload(t *testing.T) {
	dir := t.TempDir()
	rec := recording.Recording{RecordingID: "r1"}
	if err := os.WriteFile(rec.StagePath(dir), []byte("audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	prog := newMemProgress()
	prog.seed(rec, database.StageDownloaded)
	dl := &fakeDownloader{}
	pe := &fakePersister{}
	p := newResumePipeline(prog, dl, &fakeTranscriber{}, pe, dir)

	from, to := window()
	if _, err := p.Run(context.Background(), from, to); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := prog.state("r1"); got != database.StagePersisted {
		t.Errorf("state[r1] = %s, want persisted", got)
	}
	if dl.calls != 0 {
		t.Errorf("download calls = %d, want 0 (staged file still present)", dl.calls)
	}
}

func TestRun_ResumesDiscoveredRow(t *testing.T) {
	prog := newMemProgress()
	prog.seed(recording.Recording{RecordingID: "r1"}, database.StageDiscovered)
	dl := &fakeDownloader{create: true}
	pe := &fakePersister{}
	p := newResumePipeline(prog, dl, &fakeTranscriber{}, pe, t.TempDir())

	from, to := window()
	if _, err := p.Run(context.Background(), from, to); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := prog.state("r1"); got != database.StagePersisted {
		t.Errorf("state[r1] = %s, want persisted", got)
	}
	if dl.calls != 1 {
		t.Errorf("download calls = %d, want 1", dl.calls)
	}
}

func TestQueueDepthsStartEmpty(t *testing.T) {
	p := newTestPipeline(&fakeEnumerator{}, &fakeDownloader{}, &fakeTranscriber{}, &fakePersister{}, newMemProgress())
	if p.TranscribeQueueDepth() != 0 || p.PersistQueueDepth() != 0 || p.InFlight() != 0 {
		t.Error("fresh pipeline reports non-empty queues")
	}
}
