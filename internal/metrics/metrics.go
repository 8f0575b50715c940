package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "callscribe"

// Pipeline counters and histograms (incremented by the stage recorder).
var (
	JobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_total",
		Help:      "Pipeline jobs per stage and outcome.",
	}, []string{"stage", "outcome"})

	ProcessingSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "processing_seconds",
		Help:      "Transcription processing time in seconds.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s → ~68m
	})

	AudioDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "audio_duration_seconds",
		Help:      "Duration of transcribed audio in seconds.",
		Buckets:   prometheus.ExponentialBuckets(5, 2, 10), // 5s → ~42m
	})

	RateLimitWaitSeconds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_wait_seconds_total",
		Help:      "Cumulative time spent waiting for rate-limit admission.",
	}, []string{"endpoint"})
)

func init() {
	prometheus.MustRegister(
		JobsTotal,
		ProcessingSeconds,
		AudioDurationSeconds,
		RateLimitWaitSeconds,
	)
}
