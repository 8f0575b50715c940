package asr

import "time"

// JobStatus is the transcription service's job state.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusSubmitted JobStatus = "submitted"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the service will not change this status again.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// SubmitOptions are the per-job transcription options.
type SubmitOptions struct {
	Language         string
	Engine           string
	WordTimestamps   bool
	SentenceSegments bool
	Diarization      bool
	SummarySentences int // 0 disables summarization
	Vocabulary       string
	InitialPrompt    string
}

// Job is the service's view of a submitted transcription job.
type Job struct {
	ID     string
	Status JobStatus
	Error  string // service-reported failure reason, if any
}

// Segment is a sentence-level unit as returned by the service. Optional
// fields are pointers; the composer applies defaults.
type Segment struct {
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
	Speaker    string   `json:"speaker,omitempty"`
}

// Word is a word-level timestamp unit.
type Word struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

// Result is the raw transcription output of a succeeded job. Responses
// vary in shape between engines; the artifact composer is the single
// point where that variance collapses into the canonical document.
type Result struct {
	JobID               string
	Text                string
	Language            string
	LanguageProbability *float64
	DurationSeconds     *float64
	ProcessingSeconds   float64
	Segments            []Segment
	Words               []Word
	Summary             string
	SRT                 string
	Speakers            []string
	SubmittedAt         time.Time
	CompletedAt         time.Time
}
