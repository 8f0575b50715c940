// Package artifact builds the canonical transcript document. Service
// responses vary in shape; Compose is the single point where that
// variance collapses into the fixed schema written to the file store.
package artifact

import (
	"time"
)

// SchemaVersion identifies the canonical document layout.
const SchemaVersion = "2.0"

// Document is the canonical transcript artifact.
type Document struct {
	SchemaVersion        string     `json:"schema_version"`
	RecordingID          string     `json:"recording_id"`
	JobID                string     `json:"job_id"`
	Language             string     `json:"language"`
	LanguageProbability  float64    `json:"language_probability"`
	Text                 string     `json:"text"`
	WordCount            int        `json:"word_count"`
	OverallConfidence    float64    `json:"overall_confidence"`
	AudioDurationSeconds float64    `json:"audio_duration_seconds"`
	ProcessingSeconds    float64    `json:"processing_seconds"`
	Segments             []Segment  `json:"segments"`
	Features             Features   `json:"features"`
	Call                 Call       `json:"call"`
	Timestamps           Timestamps `json:"timestamps"`
}

// Segment is a sentence-level timestamp unit of the canonical document.
type Segment struct {
	ID         int     `json:"id"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Speaker    string  `json:"speaker,omitempty"`
}

// Word is a word-level timestamp unit carried in Features.
type Word struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

// Features holds the optional service outputs; fields appear iff the
// service produced them.
type Features struct {
	Summary      string   `json:"summary,omitempty"`
	SRT          string   `json:"srt,omitempty"`
	WordSegments []Word   `json:"word_segments,omitempty"`
	Speakers     []string `json:"speakers,omitempty"`
}

// Call is the originating-call metadata block.
type Call struct {
	StartTime       time.Time `json:"start_time"`
	DurationSeconds int       `json:"duration_seconds"`
	Direction       string    `json:"direction"`
	From            Party     `json:"from"`
	To              Party     `json:"to"`
}

// Party is one side of a call.
type Party struct {
	Number string `json:"number"`
	Name   string `json:"name"`
}

// Timestamps records when the transcription was submitted and completed.
type Timestamps struct {
	Submitted time.Time `json:"submitted"`
	Completed time.Time `json:"completed"`
}
