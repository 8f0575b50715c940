// Package fetch enumerates new recordings from the telephony provider
// and filters out work the pipeline has already seen.
package fetch

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/callscribe/internal/database"
	"github.com/snarg/callscribe/internal/faults"
	"github.com/snarg/callscribe/internal/provider"
	"github.com/snarg/callscribe/internal/recording"
)

// maxPages is a hard stop against a misbehaving upstream pager. A
// safety bound, not a completeness guarantee.
const maxPages = 1000

// Per-page retry policy.
const (
	retryBase    = 1 * time.Second
	retryMax     = 60 * time.Second
	pageAttempts = 3
)

// CallLog is the slice of the provider client the fetcher consumes.
type CallLog interface {
	ListRecordings(ctx context.Context, from, to time.Time, page, perPage int) (*provider.Page, error)
}

// ProgressReader answers whether a recording already has pipeline state.
type ProgressReader interface {
	GetProgress(ctx context.Context, recordingID string) (*database.PipelineProgress, error)
}

// Fetcher walks the provider call log for a date window.
type Fetcher struct {
	provider    CallLog
	progress    ProgressReader
	pageSize    int
	maxPages    int
	backoffBase time.Duration
	log         zerolog.Logger
}

// Options configures a Fetcher.
type Options struct {
	Provider CallLog
	Progress ProgressReader
	PageSize int
	Log      zerolog.Logger
}

func New(opts Options) *Fetcher {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Fetcher{
		provider:    opts.Provider,
		progress:    opts.Progress,
		pageSize:    pageSize,
		maxPages:    maxPages,
		backoffBase: retryBase,
		log:         opts.Log.With().Str("component", "fetch").Logger(),
	}
}

// Fetch enumerates recordings in [from, to), newest first as returned by
// the provider, invoking emit for each new recording. Recordings that
// already have a progress row in any non-failed state are skipped;
// failed rows are left for operator-driven re-queueing.
func (f *Fetcher) Fetch(ctx context.Context, from, to time.Time, emit func(recording.Recording) error) error {
	seen, skipped := 0, 0

	for page := 1; ; page++ {
		if page > f.maxPages {
			f.log.Warn().Int("pages", f.maxPages).Msg("page cap reached, stopping enumeration")
			break
		}

		p, err := f.fetchPage(ctx, from, to, page)
		if err != nil {
			return err
		}

		for _, rec := range p.Recordings {
			seen++
			isNew, err := f.isNew(ctx, rec.RecordingID)
			if err != nil {
				return err
			}
			if !isNew {
				skipped++
				continue
			}
			if err := emit(rec); err != nil {
				return err
			}
		}

		if !p.HasMore {
			break
		}
	}

	f.log.Info().Int("seen", seen).Int("skipped", skipped).Msg("enumeration complete")
	return nil
}

// fetchPage retrieves one page with bounded retry on transient faults.
func (f *Fetcher) fetchPage(ctx context.Context, from, to time.Time, page int) (*provider.Page, error) {
	var lastErr error
	for attempt := 1; attempt <= pageAttempts; attempt++ {
		p, err := f.provider.ListRecordings(ctx, from, to, page, f.pageSize)
		if err == nil {
			return p, nil
		}
		if !faults.Retryable(err) {
			return nil, err
		}
		lastErr = err

		delay := backoff(attempt, f.backoffBase)
		f.log.Warn().Err(err).Int("page", page).Int("attempt", attempt).Dur("backoff", delay).
			Msg("page fetch failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, faults.Wrap(faults.KindCancelled, ctx.Err())
		case <-timer.C:
		}
	}
	return nil, lastErr
}

func (f *Fetcher) isNew(ctx context.Context, recordingID string) (bool, error) {
	p, err := f.progress.GetProgress(ctx, recordingID)
	if err != nil {
		return false, faults.Wrap(faults.KindLocalIO, err)
	}
	if p == nil {
		return true, nil
	}
	return false, nil
}

// backoff is exponential: base 1s, factor 2, capped at 60s.
func backoff(attempt int, base time.Duration) time.Duration {
	d := base << (attempt - 1)
	if d > retryMax {
		return retryMax
	}
	return d
}
