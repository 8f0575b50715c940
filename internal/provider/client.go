// Package provider is the HTTP client for the telephony provider:
// token auth, paginated call-log enumeration and audio download.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/callscribe/internal/faults"
	"github.com/snarg/callscribe/internal/ratelimit"
	"github.com/snarg/callscribe/internal/recording"
)

// Endpoint keys for the rate limiter.
const (
	EndpointAuth     = "provider.auth"
	EndpointCallLog  = "provider.calllog"
	EndpointDownload = "provider.download"
)

// Client calls the telephony provider API.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	jwt          string
	limiter      *ratelimit.Limiter
	http         *http.Client
	log          zerolog.Logger

	mu    sync.Mutex
	token string
}

// Options configures the provider client. Either JWT or
// ClientID+ClientSecret must be set.
type Options struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	JWT          string
	Timeout      time.Duration
	Limiter      *ratelimit.Limiter
	Log          zerolog.Logger
}

func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute // downloads can be large
	}
	return &Client{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		jwt:          opts.JWT,
		limiter:      opts.Limiter,
		http:         &http.Client{Timeout: timeout},
		log:          opts.Log.With().Str("component", "provider").Logger(),
	}
}

// Page is one page of the provider's call log, mapped to recordings.
type Page struct {
	Recordings []recording.Recording
	HasMore    bool
}

// ListRecordings returns one call-log page for the date window. Only
// records carrying a recording handle are included.
func (c *Client) ListRecordings(ctx context.Context, from, to time.Time, page, perPage int) (*Page, error) {
	q := url.Values{}
	q.Set("dateFrom", from.UTC().Format(time.RFC3339))
	q.Set("dateTo", to.UTC().Format(time.RFC3339))
	q.Set("page", strconv.Itoa(page))
	q.Set("perPage", strconv.Itoa(perPage))
	q.Set("withRecording", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/call-log?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	var body callLogPayload
	if err := c.do(ctx, req, EndpointCallLog, &body); err != nil {
		return nil, err
	}

	recs := make([]recording.Recording, 0, len(body.Records))
	for _, r := range body.Records {
		if r.Recording.ID == "" || r.Recording.ContentURI == "" {
			continue
		}
		recs = append(recs, recording.Recording{
			RecordingID:     r.Recording.ID,
			CallID:          r.ID,
			SessionID:       r.SessionID,
			StartTime:       r.StartTime,
			DurationSeconds: r.Duration,
			FromNumber:      r.From.PhoneNumber,
			FromName:        r.From.Name,
			ToNumber:        r.To.PhoneNumber,
			ToName:          r.To.Name,
			Direction:       recording.ParseDirection(r.Direction),
			ContentURI:      r.Recording.ContentURI,
		})
	}

	return &Page{
		Recordings: recs,
		HasMore:    body.Paging.Page < body.Paging.TotalPages,
	}, nil
}

// Download streams a recording's audio bytes into the staging directory
// and returns the local path. The write is atomic (temp file + rename).
func (c *Client) Download(ctx context.Context, rec recording.Recording, stageDir string) (string, error) {
	uri := rec.ContentURI
	if !strings.HasPrefix(uri, "http") {
		uri = c.baseURL + uri
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := c.doRaw(ctx, req, EndpointDownload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return "", faults.Wrap(faults.KindLocalIO, fmt.Errorf("mkdir stage dir: %w", err))
	}

	dest := rec.StagePath(stageDir)
	tmp, err := os.CreateTemp(stageDir, ".audio-*.tmp")
	if err != nil {
		return "", faults.Wrap(faults.KindLocalIO, fmt.Errorf("create temp: %w", err))
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", faults.Wrap(faults.KindTransient, fmt.Errorf("download body: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", faults.Wrap(faults.KindLocalIO, fmt.Errorf("close temp: %w", err))
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return "", faults.Wrap(faults.KindLocalIO, fmt.Errorf("rename: %w", err))
	}

	c.log.Debug().Str("recording_id", rec.RecordingID).Str("path", filepath.Base(dest)).Msg("audio staged")
	return dest, nil
}

// do runs an authenticated request and decodes the JSON response. A 401
// invalidates the cached token and retries once after re-auth.
func (c *Client) do(ctx context.Context, req *http.Request, endpoint string, out any) error {
	resp, err := c.doRaw(ctx, req, endpoint)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return faults.Wrap(faults.KindValidation, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) doRaw(ctx context.Context, req *http.Request, endpoint string) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		token, err := c.accessToken(ctx, attempt > 0)
		if err != nil {
			return nil, err
		}

		if c.limiter != nil {
			if _, err := c.limiter.Wait(ctx, endpoint); err != nil {
				return nil, faults.Wrap(faults.KindCancelled, err)
			}
		}

		r := req.Clone(ctx)
		r.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.http.Do(r)
		if err != nil {
			if ctx.Err() != nil {
				return nil, faults.Wrap(faults.KindCancelled, ctx.Err())
			}
			return nil, faults.Wrap(faults.KindTransient, fmt.Errorf("provider request: %w", err))
		}

		if c.limiter != nil {
			c.limiter.RecordResponse(endpoint, resp.StatusCode, resp.Header)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			// Token may have expired; refresh once.
			resp.Body.Close()
			c.log.Debug().Msg("401 from provider, refreshing token")
			continue
		}

		if resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return nil, classifyProviderStatus(resp.StatusCode, body)
		}
		return resp, nil
	}
}

func classifyProviderStatus(status int, body []byte) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return faults.New(faults.KindAuth, "provider auth rejected (status %d)", status)
	case status == http.StatusTooManyRequests:
		return faults.New(faults.KindTransient, "provider rate limited (status 429)")
	case status >= 500:
		return faults.New(faults.KindTransient, "provider server error (status %d): %s", status, body)
	default:
		return faults.New(faults.KindValidation, "provider rejected request (status %d): %s", status, body)
	}
}

// accessToken returns the cached bearer token, authenticating when the
// cache is empty or a refresh is forced.
func (c *Client) accessToken(ctx context.Context, force bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && !force {
		return c.token, nil
	}

	if c.limiter != nil {
		// Auth has the tightest budget of all endpoint groups.
		c.mu.Unlock()
		_, err := c.limiter.Wait(ctx, EndpointAuth)
		c.mu.Lock()
		if err != nil {
			return "", faults.Wrap(faults.KindCancelled, err)
		}
		if c.token != "" && !force {
			return c.token, nil
		}
	}

	form := url.Values{}
	if c.jwt != "" {
		form.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
		form.Set("assertion", c.jwt)
	} else {
		form.Set("grant_type", "client_credentials")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.clientID != "" {
		req.SetBasicAuth(c.clientID, c.clientSecret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", faults.Wrap(faults.KindCancelled, ctx.Err())
		}
		return "", faults.Wrap(faults.KindTransient, fmt.Errorf("auth request: %w", err))
	}
	defer resp.Body.Close()

	if c.limiter != nil {
		c.limiter.RecordResponse(EndpointAuth, resp.StatusCode, resp.Header)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", faults.New(faults.KindAuth, "provider auth failed (status %d): %s", resp.StatusCode, body)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil || tok.AccessToken == "" {
		return "", faults.New(faults.KindAuth, "provider auth response missing access_token")
	}

	c.token = tok.AccessToken
	c.log.Debug().Msg("provider token acquired")
	return c.token, nil
}

// callLogPayload is the wire shape of the provider call-log endpoint.
type callLogPayload struct {
	Records []callLogRecord `json:"records"`
	Paging  struct {
		Page       int `json:"page"`
		TotalPages int `json:"totalPages"`
	} `json:"paging"`
}

type callLogRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	StartTime time.Time `json:"startTime"`
	Duration  int       `json:"duration"`
	Direction string    `json:"direction"`
	From      callParty `json:"from"`
	To        callParty `json:"to"`
	Recording struct {
		ID         string `json:"id"`
		ContentURI string `json:"contentUri"`
	} `json:"recording"`
}

type callParty struct {
	PhoneNumber string `json:"phoneNumber"`
	Name        string `json:"name"`
}
