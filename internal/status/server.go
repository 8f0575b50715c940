// Package status is the operational HTTP surface of a run: health and
// progress endpoints plus the Prometheus scrape target. It carries no
// pipeline functionality; a run works the same with it disabled.
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snarg/callscribe/internal/database"
	"github.com/snarg/callscribe/internal/metrics"
)

// HealthChecker is the database health probe.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// StateCounter reports progress rows per stage state.
type StateCounter interface {
	CountByState(ctx context.Context) (map[database.Stage]int64, error)
}

// Server serves the status endpoints.
type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// Options configures the status server.
type Options struct {
	Addr      string
	DB        HealthChecker
	Counter   StateCounter
	Recorder  *metrics.Recorder
	Pipeline  QueueStats
	Version   string
	StartTime time.Time
	Log       zerolog.Logger
}

// QueueStats is the live queue view exposed on /status.
type QueueStats interface {
	TranscribeQueueDepth() int
	PersistQueueDepth() int
	InFlight() int
}

func NewServer(opts Options) *Server {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))

	h := &handlers{
		db:        opts.DB,
		counter:   opts.Counter,
		recorder:  opts.Recorder,
		pipeline:  opts.Pipeline,
		version:   opts.Version,
		startTime: opts.StartTime,
	}
	r.Get("/healthz", h.health)
	r.Get("/status", h.status)
	r.Handle("/metrics", promhttp.Handler())

	return &Server{
		http: &http.Server{
			Addr:         opts.Addr,
			Handler:      r,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		log: opts.Log.With().Str("component", "status").Logger(),
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("status server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("status server shutting down")
	return s.http.Shutdown(ctx)
}

type handlers struct {
	db        HealthChecker
	counter   StateCounter
	recorder  *metrics.Recorder
	pipeline  QueueStats
	version   string
	startTime time.Time
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.HealthCheck(r.Context()); err != nil {
		checks["database"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	writeJSON(w, httpStatus, HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	})
}

// StatusResponse is the /status body.
type StatusResponse struct {
	Version       string                         `json:"version"`
	UptimeSeconds int64                          `json:"uptime_seconds"`
	States        map[database.Stage]int64       `json:"states,omitempty"`
	Stages        map[string]metrics.StageCounts `json:"stages"`
	Processing    metrics.DurationStats          `json:"processing"`
	Audio         metrics.DurationStats          `json:"audio"`
	Queues        *QueueDepths                   `json:"queues,omitempty"`
	Recent        []metrics.Event                `json:"recent,omitempty"`
}

// QueueDepths is the live queue block of /status.
type QueueDepths struct {
	Transcribe int `json:"transcribe"`
	Persist    int `json:"persist"`
	InFlight   int `json:"in_flight"`
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	}

	if h.recorder != nil {
		snap := h.recorder.Snapshot()
		resp.Stages = snap.Stages
		resp.Processing = snap.Processing
		resp.Audio = snap.Audio
		resp.Recent = snap.Recent
	}
	if h.pipeline != nil {
		resp.Queues = &QueueDepths{
			Transcribe: h.pipeline.TranscribeQueueDepth(),
			Persist:    h.pipeline.PersistQueueDepth(),
			InFlight:   h.pipeline.InFlight(),
		}
	}
	if h.counter != nil {
		states, err := h.counter.CountByState(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "state counts unavailable")
			return
		}
		resp.States = states
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
