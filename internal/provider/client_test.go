package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/callscribe/internal/faults"
	"github.com/snarg/callscribe/internal/recording"
)

const callLogBody = `{
	"records": [
		{
			"id": "c1", "sessionId": "s1",
			"startTime": "2025-01-15T10:00:00Z", "duration": 30,
			"direction": "Inbound",
			"from": {"phoneNumber": "+15550001", "name": "Alice"},
			"to": {"phoneNumber": "+15550002", "name": "Bob"},
			"recording": {"id": "r1", "contentUri": "/recordings/r1/content"}
		},
		{
			"id": "c2", "sessionId": "s2",
			"startTime": "2025-01-15T09:00:00Z", "duration": 10,
			"direction": "Outbound",
			"from": {"phoneNumber": "+15550003"},
			"to": {"phoneNumber": "+15550004"}
		}
	],
	"paging": {"page": 1, "totalPages": 1}
}`

func newTestServer(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(Options{
		BaseURL:      srv.URL,
		ClientID:     "id",
		ClientSecret: "secret",
		Log:          zerolog.Nop(),
	})
	return c, srv
}

func authAware(t *testing.T, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/token" {
			w.Write([]byte(`{"access_token":"tok-1"}`))
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization = %q", got)
		}
		next(w, r)
	}
}

func TestListRecordings_FiltersRecordsWithoutRecordingHandle(t *testing.T) {
	c, _ := newTestServer(t, authAware(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(callLogBody))
	}))

	page, err := c.ListRecordings(context.Background(),
		time.Now().Add(-24*time.Hour), time.Now(), 1, 100)
	if err != nil {
		t.Fatalf("ListRecordings: %v", err)
	}
	if len(page.Recordings) != 1 {
		t.Fatalf("got %d recordings, want 1 (record without handle skipped)", len(page.Recordings))
	}
	rec := page.Recordings[0]
	if rec.RecordingID != "r1" || rec.CallID != "c1" {
		t.Errorf("unexpected mapping: %+v", rec)
	}
	if rec.Direction != recording.DirectionInbound {
		t.Errorf("direction = %q", rec.Direction)
	}
	if page.HasMore {
		t.Error("HasMore should be false on the last page")
	}
}

func TestAuth_RefreshOnceOn401(t *testing.T) {
	var authCalls, logCalls atomic.Int32
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/token":
			authCalls.Add(1)
			w.Write([]byte(`{"access_token":"tok-1"}`))
		case "/call-log":
			if logCalls.Add(1) == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Write([]byte(callLogBody))
		}
	})

	_, err := c.ListRecordings(context.Background(), time.Now().Add(-time.Hour), time.Now(), 1, 100)
	if err != nil {
		t.Fatalf("ListRecordings after refresh: %v", err)
	}
	if got := authCalls.Load(); got != 2 {
		t.Errorf("auth calls = %d, want 2 (initial + refresh)", got)
	}
}

func TestAuth_SecondRejectionIsAuthFailure(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/token" {
			w.Write([]byte(`{"access_token":"tok"}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.ListRecordings(context.Background(), time.Now().Add(-time.Hour), time.Now(), 1, 100)
	if err == nil {
		t.Fatal("expected auth failure")
	}
	if faults.KindOf(err) != faults.KindAuth {
		t.Errorf("kind = %v, want auth_failure", faults.KindOf(err))
	}
}

func TestDownload_StagesAudioAtomically(t *testing.T) {
	audio := []byte("mp3 audio bytes")
	c, _ := newTestServer(t, authAware(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/recordings/r1/content" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write(audio)
	}))

	stageDir := t.TempDir()
	rec := recording.Recording{RecordingID: "r1", ContentURI: "/recordings/r1/content"}

	path, err := c.Download(context.Background(), rec, stageDir)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read staged file: %v", err)
	}
	if string(got) != string(audio) {
		t.Error("staged bytes differ from response body")
	}
	if path != rec.StagePath(stageDir) {
		t.Errorf("path = %q, want %q", path, rec.StagePath(stageDir))
	}
}

func TestServerError_IsTransient(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/token" {
			w.Write([]byte(`{"access_token":"tok"}`))
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.ListRecordings(context.Background(), time.Now().Add(-time.Hour), time.Now(), 1, 100)
	if faults.KindOf(err) != faults.KindTransient {
		t.Errorf("kind = %v, want transient", faults.KindOf(err))
	}
}
