// Package transcribe drives one recording through the transcription
// service: submit, poll until terminal, fetch the raw result.
package transcribe

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/callscribe/internal/asr"
	"github.com/snarg/callscribe/internal/config"
	"github.com/snarg/callscribe/internal/faults"
	"github.com/snarg/callscribe/internal/metrics"
	"github.com/snarg/callscribe/internal/recording"
)

// Service is the slice of the ASR client the worker consumes.
type Service interface {
	Submit(ctx context.Context, audioPath string, opts asr.SubmitOptions) (*asr.Job, error)
	GetJob(ctx context.Context, jobID string) (*asr.Job, error)
	GetResult(ctx context.Context, jobID string) (*asr.Result, error)
	Cancel(ctx context.Context, jobID string) error
}

// JobRecorder persists the remote job id so an interrupted run can be
// traced back to the service job.
type JobRecorder interface {
	SetJobID(ctx context.Context, recordingID, jobID string) error
}

// Worker transcribes staged audio files.
type Worker struct {
	service  Service
	progress JobRecorder
	recorder *metrics.Recorder

	submitOpts   asr.SubmitOptions
	stageDir     string
	maxWait      time.Duration
	pollInterval time.Duration
	retryDelay   time.Duration
	maxRetries   int

	log zerolog.Logger
}

// Options configures a Worker.
type Options struct {
	Service  Service
	Progress JobRecorder
	Recorder *metrics.Recorder
	Config   *config.Config
	Log      zerolog.Logger
}

func NewWorker(opts Options) *Worker {
	cfg := opts.Config
	return &Worker{
		service:  opts.Service,
		progress: opts.Progress,
		recorder: opts.Recorder,
		submitOpts: asr.SubmitOptions{
			Language:         cfg.ASRLanguage,
			Engine:           cfg.ASREngine,
			WordTimestamps:   true,
			SentenceSegments: true,
			Diarization:      cfg.ASRDiarization,
			SummarySentences: cfg.ASRSummarySentences,
			Vocabulary:       cfg.ASRVocabulary,
			InitialPrompt:    cfg.ASRPrompt,
		},
		stageDir:     cfg.StageDir,
		maxWait:      cfg.ASRMaxWait(),
		pollInterval: cfg.ASRPollInterval(),
		retryDelay:   cfg.ASRRetryDelay(),
		maxRetries:   cfg.ASRMaxRetries,
		log:          opts.Log.With().Str("component", "transcribe").Logger(),
	}
}

// Transcribe runs the submit/poll/result cycle for one recording.
// Transient failures and timeouts consume the retry budget with linear
// backoff; job failures reported by the service, validation rejects and
// cancellation end the cycle immediately.
func (w *Worker) Transcribe(ctx context.Context, rec recording.Recording) (*asr.Result, error) {
	log := w.log.With().Str("recording_id", rec.RecordingID).Logger()
	audioPath := rec.StagePath(w.stageDir)

	var lastErr error
	for attempt := 1; attempt <= w.maxRetries; attempt++ {
		job, err := w.service.Submit(ctx, audioPath, w.submitOpts)
		if err != nil {
			if !faults.Retryable(err) || attempt == w.maxRetries {
				w.record(rec.RecordingID, metrics.OutcomeFailed, err.Error())
				return nil, err
			}
			lastErr = err
			delay := w.retryDelay * time.Duration(attempt)
			log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("submit failed, retrying")
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		if err := w.progress.SetJobID(ctx, rec.RecordingID, job.ID); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Msg("failed to persist job id")
		}
		w.record(rec.RecordingID, metrics.OutcomeSubmitted, job.ID)
		log.Info().Str("job_id", job.ID).Msg("job submitted")

		result, err := w.await(ctx, job.ID, log)
		if err == nil {
			w.record(rec.RecordingID, metrics.OutcomeSucceeded, "")
			w.observe(result)
			return result, nil
		}
		switch faults.KindOf(err) {
		case faults.KindTimeout:
			w.record(rec.RecordingID, metrics.OutcomeTimeout, err.Error())
			if attempt < w.maxRetries {
				lastErr = err
				delay := w.retryDelay * time.Duration(attempt)
				log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("job timed out, resubmitting")
				if err := sleep(ctx, delay); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		case faults.KindCancelled:
			w.cancelRemote(job.ID, log)
			return nil, err
		default:
			if faults.Retryable(err) && attempt < w.maxRetries {
				lastErr = err
				delay := w.retryDelay * time.Duration(attempt)
				log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("job failed transiently, retrying")
				if err := sleep(ctx, delay); err != nil {
					return nil, err
				}
				continue
			}
			w.record(rec.RecordingID, metrics.OutcomeFailed, err.Error())
			return nil, err
		}
	}
	return nil, lastErr
}

// await polls the job until it is terminal or the wait budget runs out.
func (w *Worker) await(ctx context.Context, jobID string, log zerolog.Logger) (*asr.Result, error) {
	deadline := time.Now().Add(w.maxWait)

	for {
		job, err := w.service.GetJob(ctx, jobID)
		if err != nil {
			if !faults.Retryable(err) {
				return nil, err
			}
			// Poll errors are absorbed; the deadline bounds them.
			log.Debug().Err(err).Msg("status poll failed")
		} else {
			switch job.Status {
			case asr.StatusSucceeded:
				return w.service.GetResult(ctx, jobID)
			case asr.StatusFailed:
				return nil, faults.New(faults.KindJobFailed, "service reported job failure: %s", job.Error)
			case asr.StatusCancelled:
				return nil, faults.New(faults.KindCancelled, "job cancelled on service side")
			}
		}

		if time.Now().After(deadline) {
			w.cancelRemote(jobID, log)
			return nil, faults.New(faults.KindTimeout, "job %s exceeded max wait of %s", jobID, w.maxWait)
		}
		if err := sleep(ctx, w.pollInterval); err != nil {
			return nil, err
		}
	}
}

// cancelRemote asks the service to stop a job we no longer want. Runs on
// its own short-lived context so it works during shutdown.
func (w *Worker) cancelRemote(jobID string, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.service.Cancel(ctx, jobID); err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("remote cancel failed")
	}
}

func (w *Worker) record(recordingID, outcome, detail string) {
	if w.recorder != nil {
		w.recorder.Record("transcribe", recordingID, outcome, detail)
	}
}

func (w *Worker) observe(result *asr.Result) {
	if w.recorder == nil || result == nil {
		return
	}
	if result.ProcessingSeconds > 0 {
		w.recorder.ObserveProcessing(time.Duration(result.ProcessingSeconds * float64(time.Second)))
	}
	if result.DurationSeconds != nil {
		w.recorder.ObserveAudio(*result.DurationSeconds)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return faults.Wrap(faults.KindCancelled, err)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return faults.Wrap(faults.KindCancelled, ctx.Err())
	case <-timer.C:
		return nil
	}
}
