package metrics

import (
	"sync"
	"time"
)

// recentEvents is the size of the recent-event ring.
const recentEvents = 100

// Outcome labels for stage events.
const (
	OutcomeSubmitted = "submitted"
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeTimeout   = "timeout"
)

// Event is one job-level pipeline event.
type Event struct {
	Time        time.Time `json:"time"`
	Stage       string    `json:"stage"`
	RecordingID string    `json:"recording_id"`
	Outcome     string    `json:"outcome"`
	Detail      string    `json:"detail,omitempty"`
}

// StageCounts are the per-stage counters of a snapshot.
type StageCounts struct {
	Submitted int64 `json:"submitted"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Timeout   int64 `json:"timeout"`
}

// DurationStats summarize an observed duration series.
type DurationStats struct {
	Count int64   `json:"count"`
	Total float64 `json:"total_seconds"`
	Min   float64 `json:"min_seconds"`
	Max   float64 `json:"max_seconds"`
	Mean  float64 `json:"mean_seconds"`
}

func (d *DurationStats) observe(seconds float64) {
	if d.Count == 0 || seconds < d.Min {
		d.Min = seconds
	}
	if seconds > d.Max {
		d.Max = seconds
	}
	d.Count++
	d.Total += seconds
	d.Mean = d.Total / float64(d.Count)
}

// Snapshot is a read-only copy of the recorder state.
type Snapshot struct {
	Stages     map[string]StageCounts `json:"stages"`
	Processing DurationStats          `json:"processing"`
	Audio      DurationStats          `json:"audio"`
	Recent     []Event                `json:"recent"`
}

// Recorder keeps in-memory pipeline counters, duration summaries and a
// bounded ring of recent job events. Thread-safe. The same observations
// also feed the registered Prometheus collectors.
type Recorder struct {
	mu         sync.Mutex
	stages     map[string]StageCounts
	processing DurationStats
	audio      DurationStats
	ring       [recentEvents]Event
	ringLen    int
	ringNext   int
}

func NewRecorder() *Recorder {
	return &Recorder{stages: make(map[string]StageCounts)}
}

// Record registers a job event for a stage.
func (r *Recorder) Record(stage, recordingID, outcome, detail string) {
	JobsTotal.WithLabelValues(stage, outcome).Inc()

	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.stages[stage]
	switch outcome {
	case OutcomeSubmitted:
		c.Submitted++
	case OutcomeSucceeded:
		c.Succeeded++
	case OutcomeFailed:
		c.Failed++
	case OutcomeTimeout:
		c.Timeout++
	}
	r.stages[stage] = c

	r.ring[r.ringNext] = Event{
		Time:        time.Now().UTC(),
		Stage:       stage,
		RecordingID: recordingID,
		Outcome:     outcome,
		Detail:      detail,
	}
	r.ringNext = (r.ringNext + 1) % recentEvents
	if r.ringLen < recentEvents {
		r.ringLen++
	}
}

// ObserveProcessing records a transcription processing time.
func (r *Recorder) ObserveProcessing(d time.Duration) {
	ProcessingSeconds.Observe(d.Seconds())
	r.mu.Lock()
	r.processing.observe(d.Seconds())
	r.mu.Unlock()
}

// ObserveAudio records the duration of a transcribed recording.
func (r *Recorder) ObserveAudio(seconds float64) {
	AudioDurationSeconds.Observe(seconds)
	r.mu.Lock()
	r.audio.observe(seconds)
	r.mu.Unlock()
}

// Snapshot returns a copy of the current state. Recent events are
// ordered oldest first.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	stages := make(map[string]StageCounts, len(r.stages))
	for k, v := range r.stages {
		stages[k] = v
	}

	recent := make([]Event, 0, r.ringLen)
	start := 0
	if r.ringLen == recentEvents {
		start = r.ringNext
	}
	for i := 0; i < r.ringLen; i++ {
		recent = append(recent, r.ring[(start+i)%recentEvents])
	}

	return Snapshot{
		Stages:     stages,
		Processing: r.processing,
		Audio:      r.audio,
		Recent:     recent,
	}
}
