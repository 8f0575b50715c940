// Package asr is the HTTP client for the cloud transcription service:
// multipart job submit, status poll, result fetch and best-effort cancel.
package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/callscribe/internal/faults"
	"github.com/snarg/callscribe/internal/ratelimit"
)

// Endpoint keys for the rate limiter.
const (
	EndpointSubmit = "asr.submit"
	EndpointStatus = "asr.status"
	EndpointResult = "asr.result"
	EndpointCancel = "asr.cancel"
)

// Client calls the transcription service.
type Client struct {
	baseURL string
	apiKey  string
	org     string
	limiter *ratelimit.Limiter
	http    *http.Client
	log     zerolog.Logger
}

// Options configures the ASR client.
type Options struct {
	BaseURL string
	APIKey  string
	Org     string
	Timeout time.Duration
	Limiter *ratelimit.Limiter
	Log     zerolog.Logger
}

// NewClient creates an ASR client. All requests pass through the rate
// limiter before hitting the wire.
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		baseURL: opts.BaseURL,
		apiKey:  opts.APIKey,
		org:     opts.Org,
		limiter: opts.Limiter,
		http:    &http.Client{Timeout: timeout},
		log:     opts.Log.With().Str("component", "asr").Logger(),
	}
}

// Submit uploads an audio file and starts a transcription job.
func (c *Client) Submit(ctx context.Context, audioPath string, opts SubmitOptions) (*Job, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, faults.Wrap(faults.KindLocalIO, fmt.Errorf("open audio: %w", err))
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, faults.Wrap(faults.KindLocalIO, fmt.Errorf("create form file: %w", err))
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, faults.Wrap(faults.KindLocalIO, fmt.Errorf("copy audio data: %w", err))
	}

	w.WriteField("engine", opts.Engine)
	w.WriteField("language", opts.Language)
	w.WriteField("word_timestamps", strconv.FormatBool(opts.WordTimestamps))
	w.WriteField("sentence_segments", strconv.FormatBool(opts.SentenceSegments))
	if opts.Diarization {
		w.WriteField("diarization", "true")
	}
	if opts.SummarySentences > 0 {
		w.WriteField("summary_sentences", strconv.Itoa(opts.SummarySentences))
	}
	if opts.Vocabulary != "" {
		w.WriteField("vocabulary", opts.Vocabulary)
	}
	if opts.InitialPrompt != "" {
		w.WriteField("initial_prompt", opts.InitialPrompt)
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcriptions", &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var job Job
	if err := c.do(ctx, req, EndpointSubmit, &job); err != nil {
		return nil, err
	}
	if job.ID == "" {
		return nil, faults.New(faults.KindValidation, "submit response missing job id")
	}
	c.log.Debug().Str("job_id", job.ID).Str("file", filepath.Base(audioPath)).Msg("job submitted")
	return &job, nil
}

// GetJob returns the current status of a job.
func (c *Client) GetJob(ctx context.Context, jobID string) (*Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/transcriptions/"+jobID, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	var job Job
	if err := c.do(ctx, req, EndpointStatus, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetResult fetches the raw result of a succeeded job.
func (c *Client) GetResult(ctx context.Context, jobID string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/transcriptions/"+jobID+"/result", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	var body resultPayload
	if err := c.do(ctx, req, EndpointResult, &body); err != nil {
		return nil, err
	}
	return body.toResult(jobID), nil
}

// Cancel requests cancellation of a running job. Best-effort: a job that
// already finished is not an error.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/transcriptions/"+jobID+"/cancel", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	err = c.do(ctx, req, EndpointCancel, nil)
	if faults.KindOf(err) == faults.KindValidation {
		// Already terminal on the service side.
		return nil
	}
	return err
}

// do runs one admitted request and decodes the JSON response into out.
func (c *Client) do(ctx context.Context, req *http.Request, endpoint string, out any) error {
	if c.limiter != nil {
		if _, err := c.limiter.Wait(ctx, endpoint); err != nil {
			return faults.Wrap(faults.KindCancelled, err)
		}
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if c.org != "" {
		req.Header.Set("X-Organization", c.org)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return faults.Wrap(faults.KindCancelled, ctx.Err())
		}
		return faults.Wrap(faults.KindTransient, fmt.Errorf("asr request: %w", err))
	}
	defer resp.Body.Close()

	if c.limiter != nil {
		c.limiter.RecordResponse(endpoint, resp.StatusCode, resp.Header)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return faults.Wrap(faults.KindTransient, fmt.Errorf("read response: %w", err))
	}

	if err := classifyStatus(resp.StatusCode, body); err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return faults.Wrap(faults.KindValidation, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func classifyStatus(status int, body []byte) error {
	switch {
	case status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return faults.New(faults.KindAuth, "asr auth rejected (status %d)", status)
	case status == http.StatusTooManyRequests:
		return faults.New(faults.KindTransient, "asr rate limited (status 429)")
	case status >= 500:
		return faults.New(faults.KindTransient, "asr server error (status %d): %s", status, truncate(body, 200))
	default:
		return faults.New(faults.KindValidation, "asr rejected request (status %d): %s", status, truncate(body, 200))
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "…"
}

// resultPayload is the wire shape of the result endpoint.
type resultPayload struct {
	Text                string    `json:"text"`
	Language            string    `json:"language"`
	LanguageProbability *float64  `json:"language_probability"`
	Duration            *float64  `json:"duration"`
	ProcessingSeconds   float64   `json:"processing_seconds"`
	Segments            []Segment `json:"segments"`
	Words               []Word    `json:"words"`
	Summary             string    `json:"summary"`
	SRT                 string    `json:"srt"`
	Speakers            []string  `json:"speakers"`
	SubmittedAt         time.Time `json:"submitted_at"`
	CompletedAt         time.Time `json:"completed_at"`
}

func (p *resultPayload) toResult(jobID string) *Result {
	return &Result{
		JobID:               jobID,
		Text:                p.Text,
		Language:            p.Language,
		LanguageProbability: p.LanguageProbability,
		DurationSeconds:     p.Duration,
		ProcessingSeconds:   p.ProcessingSeconds,
		Segments:            p.Segments,
		Words:               p.Words,
		Summary:             p.Summary,
		SRT:                 p.SRT,
		Speakers:            p.Speakers,
		SubmittedAt:         p.SubmittedAt,
		CompletedAt:         p.CompletedAt,
	}
}
