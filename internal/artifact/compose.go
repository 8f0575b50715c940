package artifact

import (
	"strings"

	"github.com/snarg/callscribe/internal/asr"
	"github.com/snarg/callscribe/internal/faults"
	"github.com/snarg/callscribe/internal/recording"
)

// Defaults applied when the service omits a value.
const (
	defaultLanguageProbability = 0.99
	defaultConfidence          = 0.95
)

// Compose builds the canonical document from a raw service result.
// It returns a validation error when the service reported success with
// no content (empty text and no segments) — the caller records a failure
// and does not retry.
func Compose(rec recording.Recording, res *asr.Result) (*Document, error) {
	text := normalizeWhitespace(res.Text)

	if text == "" && len(res.Segments) == 0 {
		return nil, faults.New(faults.KindValidation, "malformed result: empty text and no segments for job %s", res.JobID)
	}

	langProb := defaultLanguageProbability
	if res.LanguageProbability != nil {
		langProb = *res.LanguageProbability
	}

	segments := make([]Segment, 0, len(res.Segments))
	var confidenceSum float64
	for i, s := range res.Segments {
		conf := defaultConfidence
		if s.Confidence != nil {
			conf = *s.Confidence
		}
		confidenceSum += conf
		segments = append(segments, Segment{
			ID:         i,
			Start:      s.Start,
			End:        s.End,
			Text:       strings.TrimSpace(s.Text),
			Confidence: conf,
			Speaker:    s.Speaker,
		})
	}

	overall := defaultConfidence
	if len(segments) > 0 {
		overall = confidenceSum / float64(len(segments))
	}

	duration := 0.0
	switch {
	case res.DurationSeconds != nil:
		duration = *res.DurationSeconds
	case len(segments) > 0:
		duration = segments[len(segments)-1].End
	}

	features := Features{
		Summary:  res.Summary,
		SRT:      res.SRT,
		Speakers: res.Speakers,
	}
	if len(res.Words) > 0 {
		words := make([]Word, len(res.Words))
		for i, w := range res.Words {
			words[i] = Word{Word: w.Word, Start: w.Start, End: w.End, Confidence: w.Confidence}
		}
		features.WordSegments = words
	}

	return &Document{
		SchemaVersion:        SchemaVersion,
		RecordingID:          rec.RecordingID,
		JobID:                res.JobID,
		Language:             res.Language,
		LanguageProbability:  langProb,
		Text:                 text,
		WordCount:            len(strings.Fields(text)),
		OverallConfidence:    overall,
		AudioDurationSeconds: duration,
		ProcessingSeconds:    res.ProcessingSeconds,
		Segments:             segments,
		Features:             features,
		Call: Call{
			StartTime:       rec.StartTime,
			DurationSeconds: rec.DurationSeconds,
			Direction:       string(rec.Direction),
			From:            Party{Number: rec.FromNumber, Name: rec.FromName},
			To:              Party{Number: rec.ToNumber, Name: rec.ToName},
		},
		Timestamps: Timestamps{
			Submitted: res.SubmittedAt,
			Completed: res.CompletedAt,
		},
	}, nil
}

// normalizeWhitespace collapses runs of whitespace into single spaces and
// trims the ends.
func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
