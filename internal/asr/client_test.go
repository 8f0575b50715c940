package asr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/snarg/callscribe/internal/faults"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Options{
		BaseURL: srv.URL,
		APIKey:  "test-key",
		Log:     zerolog.Nop(),
	})
}

func TestGetJob(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transcriptions/j1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		w.Write([]byte(`{"id":"j1","status":"running"}`))
	})

	job, err := c.GetJob(context.Background(), "j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != StatusRunning {
		t.Errorf("status = %q, want running", job.Status)
	}
}

func TestGetResult(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"text": "hello world",
			"language": "en-US",
			"duration": 1.5,
			"segments": [{"start":0,"end":1.0,"text":"hello world","confidence":0.9}]
		}`))
	})

	res, err := c.GetResult(context.Background(), "j1")
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if res.JobID != "j1" {
		t.Errorf("JobID = %q", res.JobID)
	}
	if res.Text != "hello world" {
		t.Errorf("Text = %q", res.Text)
	}
	if res.DurationSeconds == nil || *res.DurationSeconds != 1.5 {
		t.Errorf("DurationSeconds = %v, want 1.5", res.DurationSeconds)
	}
	if len(res.Segments) != 1 || res.Segments[0].Confidence == nil {
		t.Fatalf("segments not decoded: %+v", res.Segments)
	}
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   faults.Kind
	}{
		{"unauthorized", 401, faults.KindAuth},
		{"forbidden", 403, faults.KindAuth},
		{"rate_limited", 429, faults.KindTransient},
		{"server_error", 502, faults.KindTransient},
		{"bad_request", 422, faults.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			_, err := c.GetJob(context.Background(), "j1")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := faults.KindOf(err); got != tt.want {
				t.Errorf("kind = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCancel_AlreadyTerminalIsNotAnError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"job already completed"}`))
	})
	if err := c.Cancel(context.Background(), "j1"); err != nil {
		t.Errorf("Cancel on finished job should be nil, got %v", err)
	}
}

func TestJobStatusTerminal(t *testing.T) {
	terminal := []JobStatus{StatusSucceeded, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []JobStatus{StatusPending, StatusSubmitted, StatusRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
