// Package pipeline coordinates the three processing stages over bounded
// channels: enumerate and stage audio, transcribe, persist. Stage
// transitions go through the progress store so a crashed run resumes
// where it stopped.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/snarg/callscribe/internal/asr"
	"github.com/snarg/callscribe/internal/database"
	"github.com/snarg/callscribe/internal/faults"
	"github.com/snarg/callscribe/internal/metrics"
	"github.com/snarg/callscribe/internal/recording"
)

// ProgressStore is the slice of the database the coordinator consumes.
type ProgressStore interface {
	UpsertProgress(ctx context.Context, rec recording.Recording) (*database.PipelineProgress, error)
	Claim(ctx context.Context, recordingID string, from, to database.Stage) (bool, error)
	MarkFailed(ctx context.Context, recordingID string, stage database.Stage, reason string) error
	ListByState(ctx context.Context, state database.Stage, limit int) ([]database.PipelineProgress, error)
	RecoverStale(ctx context.Context) (int64, error)
}

// Enumerator yields new recordings for a date window.
type Enumerator interface {
	Fetch(ctx context.Context, from, to time.Time, emit func(recording.Recording) error) error
}

// Downloader stages a recording's audio locally.
type Downloader interface {
	Download(ctx context.Context, rec recording.Recording, stageDir string) (string, error)
}

// Transcriber runs the transcription cycle for one staged recording.
type Transcriber interface {
	Transcribe(ctx context.Context, rec recording.Recording) (*asr.Result, error)
}

// Persister lands one finished transcription.
type Persister interface {
	Persist(ctx context.Context, rec recording.Recording, res *asr.Result) error
	// Finalize retries the upload/deletion tail for a recording whose
	// transcript row already exists from an earlier run.
	Finalize(ctx context.Context, rec recording.Recording) error
}

// item is a recording travelling between stages. A nil res marks a
// resumed recording whose transcript is already stored; the persist
// stage finalizes it instead of re-persisting.
type item struct {
	rec recording.Recording
	res *asr.Result
}

// Failure is one terminally failed recording in the run summary.
type Failure struct {
	RecordingID string `json:"recording_id"`
	Stage       string `json:"stage"`
	Kind        string `json:"kind"`
	Reason      string `json:"reason"`
}

// Summary is the result of one pipeline run.
type Summary struct {
	RunID       string                         `json:"run_id"`
	WindowFrom  time.Time                      `json:"window_from"`
	WindowTo    time.Time                      `json:"window_to"`
	StartedAt   time.Time                      `json:"started_at"`
	FinishedAt  time.Time                      `json:"finished_at"`
	Discovered  int64                          `json:"discovered"`
	Resumed     int64                          `json:"resumed,omitempty"`
	Persisted   int64                          `json:"persisted"`
	Failed      int64                          `json:"failed"`
	Interrupted bool                           `json:"interrupted"`
	Failures    []Failure                      `json:"failures,omitempty"`
	Stages      map[string]metrics.StageCounts `json:"stages,omitempty"`
}

// Options configures a Pipeline.
type Options struct {
	Progress   ProgressStore
	Enumerator Enumerator
	Downloader Downloader
	Transcribe Transcriber
	Persist    Persister
	Recorder   *metrics.Recorder

	StageDir              string
	TranscribeConcurrency int
	PersistConcurrency    int

	Log zerolog.Logger
}

// Pipeline is the run coordinator.
type Pipeline struct {
	progress   ProgressStore
	enumerator Enumerator
	downloader Downloader
	transcribe Transcriber
	persist    Persister
	recorder   *metrics.Recorder

	stageDir    string
	nTranscribe int
	nPersist    int

	transcribeCh chan item
	persistCh    chan item
	inFlight     atomic.Int64

	discovered atomic.Int64
	resumed    atomic.Int64
	persisted  atomic.Int64
	failed     atomic.Int64

	failuresMu sync.Mutex
	failures   []Failure

	log zerolog.Logger
}

func New(opts Options) *Pipeline {
	nT := opts.TranscribeConcurrency
	if nT < 1 {
		nT = 1
	}
	nP := opts.PersistConcurrency
	if nP < 1 {
		nP = 1
	}
	p := &Pipeline{
		progress:    opts.Progress,
		enumerator:  opts.Enumerator,
		downloader:  opts.Downloader,
		transcribe:  opts.Transcribe,
		persist:     opts.Persist,
		recorder:    opts.Recorder,
		stageDir:    opts.StageDir,
		nTranscribe: nT,
		nPersist:    nP,
		// Capacity 2x the consumer count keeps producers ahead without
		// letting staged audio pile up unbounded.
		transcribeCh: make(chan item, 2*nT),
		persistCh:    make(chan item, 2*nP),
		log:          opts.Log.With().Str("component", "pipeline").Logger(),
	}
	return p
}

// TranscribeQueueDepth reports recordings waiting for a transcribe worker.
func (p *Pipeline) TranscribeQueueDepth() int { return len(p.transcribeCh) }

// PersistQueueDepth reports results waiting for a persist worker.
func (p *Pipeline) PersistQueueDepth() int { return len(p.persistCh) }

// InFlight reports recordings currently held by a worker.
func (p *Pipeline) InFlight() int { return int(p.inFlight.Load()) }

// Run processes the window [from, to). It returns a summary of the run;
// the error is non-nil only when the run as a whole could not proceed
// (auth failure, cancellation), not for per-recording failures.
func (p *Pipeline) Run(ctx context.Context, from, to time.Time) (*Summary, error) {
	summary := &Summary{
		RunID:      uuid.NewString(),
		WindowFrom: from,
		WindowTo:   to,
		StartedAt:  time.Now().UTC(),
	}
	log := p.log.With().Str("run_id", summary.RunID).Logger()
	log.Info().Time("from", from).Time("to", to).
		Int("transcribe_workers", p.nTranscribe).Int("persist_workers", p.nPersist).
		Msg("run started")

	g, gctx := errgroup.WithContext(ctx)

	// Stage 1: re-inject unfinished work from earlier runs, then enumerate
	// and stage audio for this window. Single producer; the provider rate
	// limiter paces it regardless.
	g.Go(func() error {
		defer close(p.transcribeCh)
		if err := p.resumeBacklog(gctx, log); err != nil {
			return err
		}
		return p.runFetch(gctx, from, to)
	})

	// Stage 2: transcription workers.
	tg, tctx := errgroup.WithContext(gctx)
	for i := 0; i < p.nTranscribe; i++ {
		tg.Go(func() error { return p.runTranscribe(tctx) })
	}
	g.Go(func() error {
		defer close(p.persistCh)
		return tg.Wait()
	})

	// Stage 3: persistence workers.
	for i := 0; i < p.nPersist; i++ {
		g.Go(func() error { return p.runPersist(gctx) })
	}

	err := g.Wait()
	summary.FinishedAt = time.Now().UTC()
	summary.Discovered = p.discovered.Load()
	summary.Resumed = p.resumed.Load()
	summary.Persisted = p.persisted.Load()
	summary.Failed = p.failed.Load()
	summary.Failures = p.failures
	if p.recorder != nil {
		summary.Stages = p.recorder.Snapshot().Stages
	}

	if err != nil && faults.KindOf(err) == faults.KindCancelled {
		summary.Interrupted = true
		log.Warn().Msg("run interrupted, draining stopped")
	}

	log.Info().
		Int64("discovered", summary.Discovered).
		Int64("persisted", summary.Persisted).
		Int64("failed", summary.Failed).
		Dur("elapsed", summary.FinishedAt.Sub(summary.StartedAt)).
		Msg("run finished")
	return summary, err
}

// resumeBatch bounds how many leftover rows per state one run picks up.
const resumeBatch = 500

// resumeBacklog re-injects recordings a previous run left unfinished:
// rows whose transcribing claim went stale drop back to downloaded,
// rows at discovered or downloaded re-enter the transcribe queue, rows
// at transcribed go straight to persistence finalization. Fresh
// transcribing rows are left alone; their claim may be held by another
// live coordinator.
func (p *Pipeline) resumeBacklog(ctx context.Context, log zerolog.Logger) error {
	recovered, err := p.progress.RecoverStale(ctx)
	if err != nil {
		return faults.Wrap(faults.KindLocalIO, err)
	}
	if recovered > 0 {
		log.Warn().Int64("count", recovered).Msg("recovered recordings with stale transcribing claims")
	}

	// Transcribed rows already hold a stored transcript; only the upload
	// tail and the audio deletion remain.
	transcribed, err := p.progress.ListByState(ctx, database.StageTranscribed, resumeBatch)
	if err != nil {
		return faults.Wrap(faults.KindLocalIO, err)
	}
	for _, row := range transcribed {
		p.resumed.Add(1)
		select {
		case p.persistCh <- item{rec: row.Recording}:
		case <-ctx.Done():
			return faults.Wrap(faults.KindCancelled, ctx.Err())
		}
	}

	downloaded, err := p.progress.ListByState(ctx, database.StageDownloaded, resumeBatch)
	if err != nil {
		return faults.Wrap(faults.KindLocalIO, err)
	}
	for _, row := range downloaded {
		p.resumed.Add(1)
		if _, statErr := os.Stat(row.Recording.StagePath(p.stageDir)); statErr != nil {
			// Staged audio is gone; fetch it again before queueing.
			if err := p.restage(ctx, row.Recording, database.StageDownloaded); err != nil {
				return err
			}
			if _, statErr := os.Stat(row.Recording.StagePath(p.stageDir)); statErr != nil {
				continue // restage failed this recording
			}
		}
		select {
		case p.transcribeCh <- item{rec: row.Recording}:
		case <-ctx.Done():
			return faults.Wrap(faults.KindCancelled, ctx.Err())
		}
	}

	discovered, err := p.progress.ListByState(ctx, database.StageDiscovered, resumeBatch)
	if err != nil {
		return faults.Wrap(faults.KindLocalIO, err)
	}
	for _, row := range discovered {
		p.resumed.Add(1)
		if err := p.restage(ctx, row.Recording, database.StageDiscovered); err != nil {
			return err
		}
		claimed, err := p.progress.Claim(ctx, row.RecordingID, database.StageDiscovered, database.StageDownloaded)
		if err != nil {
			return faults.Wrap(faults.KindLocalIO, err)
		}
		if !claimed {
			continue
		}
		select {
		case p.transcribeCh <- item{rec: row.Recording}:
		case <-ctx.Done():
			return faults.Wrap(faults.KindCancelled, ctx.Err())
		}
	}
	return nil
}

// restage downloads a resumed recording's audio. Auth failures and
// cancellation abort the run; anything else fails just that recording.
func (p *Pipeline) restage(ctx context.Context, rec recording.Recording, stage database.Stage) error {
	if _, err := p.downloader.Download(ctx, rec, p.stageDir); err != nil {
		if faults.KindOf(err) == faults.KindCancelled || faults.KindOf(err) == faults.KindAuth {
			return err
		}
		p.markFailed(ctx, rec.RecordingID, stage, err)
	}
	return nil
}

// runFetch enumerates the window and stages each recording's audio.
func (p *Pipeline) runFetch(ctx context.Context, from, to time.Time) error {
	return p.enumerator.Fetch(ctx, from, to, func(rec recording.Recording) error {
		p.discovered.Add(1)

		if _, err := p.progress.UpsertProgress(ctx, rec); err != nil {
			return faults.Wrap(faults.KindLocalIO, err)
		}

		if _, err := p.downloader.Download(ctx, rec, p.stageDir); err != nil {
			if faults.KindOf(err) == faults.KindCancelled || faults.KindOf(err) == faults.KindAuth {
				return err
			}
			p.markFailed(ctx, rec.RecordingID, database.StageDiscovered, err)
			return nil
		}

		claimed, err := p.progress.Claim(ctx, rec.RecordingID, database.StageDiscovered, database.StageDownloaded)
		if err != nil {
			return faults.Wrap(faults.KindLocalIO, err)
		}
		if !claimed {
			// Another state already holds this recording; nothing to do.
			return nil
		}

		select {
		case p.transcribeCh <- item{rec: rec}:
			return nil
		case <-ctx.Done():
			return faults.Wrap(faults.KindCancelled, ctx.Err())
		}
	})
}

// runTranscribe consumes staged recordings until the channel closes.
func (p *Pipeline) runTranscribe(ctx context.Context) error {
	for it := range p.transcribeCh {
		if err := ctx.Err(); err != nil {
			return faults.Wrap(faults.KindCancelled, err)
		}
		if err := p.transcribeOne(ctx, it.rec); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) transcribeOne(ctx context.Context, rec recording.Recording) (err error) {
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	// A panicking worker fails its recording, not the run.
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Str("recording_id", rec.RecordingID).Msg("transcribe worker panicked")
			p.markFailed(ctx, rec.RecordingID, database.StageTranscribing, fmt.Errorf("panic: %v", r))
			err = nil
		}
	}()

	claimed, err := p.progress.Claim(ctx, rec.RecordingID, database.StageDownloaded, database.StageTranscribing)
	if err != nil {
		return faults.Wrap(faults.KindLocalIO, err)
	}
	if !claimed {
		return nil
	}

	res, terr := p.transcribe.Transcribe(ctx, rec)
	if terr != nil {
		switch faults.KindOf(terr) {
		case faults.KindCancelled:
			return terr
		case faults.KindAuth:
			p.markFailed(ctx, rec.RecordingID, database.StageTranscribing, terr)
			return terr
		default:
			p.markFailed(ctx, rec.RecordingID, database.StageTranscribing, terr)
			return nil
		}
	}

	claimed, err = p.progress.Claim(ctx, rec.RecordingID, database.StageTranscribing, database.StageTranscribed)
	if err != nil {
		return faults.Wrap(faults.KindLocalIO, err)
	}
	if !claimed {
		return nil
	}

	select {
	case p.persistCh <- item{rec: rec, res: res}:
		return nil
	case <-ctx.Done():
		return faults.Wrap(faults.KindCancelled, ctx.Err())
	}
}

// runPersist consumes transcribed results until the channel closes.
func (p *Pipeline) runPersist(ctx context.Context) error {
	for it := range p.persistCh {
		if err := ctx.Err(); err != nil {
			return faults.Wrap(faults.KindCancelled, err)
		}
		if err := p.persistOne(ctx, it); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) persistOne(ctx context.Context, it item) (err error) {
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Str("recording_id", it.rec.RecordingID).Msg("persist worker panicked")
			p.markFailed(ctx, it.rec.RecordingID, database.StageTranscribed, fmt.Errorf("panic: %v", r))
			err = nil
		}
	}()

	var perr error
	if it.res == nil {
		perr = p.persist.Finalize(ctx, it.rec)
	} else {
		perr = p.persist.Persist(ctx, it.rec, it.res)
	}
	if perr != nil {
		switch faults.KindOf(perr) {
		case faults.KindCancelled:
			return perr
		case faults.KindDeletionFailed:
			// Transcript and upload are safe; the recording stays at
			// transcribed so a later run can retry the deletion.
			p.noteFailure(it.rec.RecordingID, database.StageTranscribed, perr)
			return nil
		default:
			p.markFailed(ctx, it.rec.RecordingID, database.StageTranscribed, perr)
			return nil
		}
	}

	claimed, cerr := p.progress.Claim(ctx, it.rec.RecordingID, database.StageTranscribed, database.StagePersisted)
	if cerr != nil {
		return faults.Wrap(faults.KindLocalIO, cerr)
	}
	if claimed {
		p.persisted.Add(1)
	}
	return nil
}

// markFailed records a terminal per-recording failure in the progress
// store and the run summary.
func (p *Pipeline) markFailed(ctx context.Context, recordingID string, stage database.Stage, cause error) {
	if err := p.progress.MarkFailed(ctx, recordingID, stage, cause.Error()); err != nil {
		p.log.Error().Err(err).Str("recording_id", recordingID).Msg("failed to record failure state")
	}
	p.noteFailure(recordingID, stage, cause)
}

func (p *Pipeline) noteFailure(recordingID string, stage database.Stage, cause error) {
	p.failed.Add(1)
	p.failuresMu.Lock()
	p.failures = append(p.failures, Failure{
		RecordingID: recordingID,
		Stage:       string(stage),
		Kind:        faults.KindOf(cause).String(),
		Reason:      cause.Error(),
	})
	p.failuresMu.Unlock()
}
