// Package processor implements the HTTP client for the downstream media
// processor (metadata extraction, conversion, per-job status, health).
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/clipforge/orchestrator/internal/domain"
)

// Client calls the processor's REST API. Call budgets: metadata extraction
// is bounded by metadataTimeout, conversion by convertTimeout, health probes
// by healthTimeout. Status polls share the caller's context.
type Client struct {
	baseURL         string
	callbackURL     string
	httpClient      *http.Client
	metadataTimeout time.Duration
	convertTimeout  time.Duration
	healthTimeout   time.Duration
}

// Option mutates the Client during construction.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New constructs a processor client. callbackURL is advertised to the
// processor so it can push progress to POST {callbackURL}/internal/progress.
func New(baseURL, callbackURL string, metadataTimeout, convertTimeout, healthTimeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL:     baseURL,
		callbackURL: callbackURL,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		metadataTimeout: metadataTimeout,
		convertTimeout:  convertTimeout,
		healthTimeout:   healthTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// errorPayload is the processor's error envelope.
type errorPayload struct {
	Error struct {
		Code       string `json:"code"`
		Message    string `json:"message"`
		RetryAfter int    `json:"retry_after_seconds"`
	} `json:"error"`
}

// ExtractMetadata fetches title, duration, thumbnail and uploader for a URL.
func (c *Client) ExtractMetadata(ctx domain.Context, url string) (domain.MediaMetadata, error) {
	ctx, cancel := contextWithTimeout(ctx, c.metadataTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"url": url})
	if err != nil {
		return domain.MediaMetadata{}, fmt.Errorf("op=processor.ExtractMetadata: marshal: %w", err)
	}
	var out struct {
		Success  bool                 `json:"success"`
		Metadata domain.MediaMetadata `json:"metadata"`
	}
	if err := c.post(ctx, "/extract-metadata", body, &out); err != nil {
		return domain.MediaMetadata{}, fmt.Errorf("op=processor.ExtractMetadata: %w", err)
	}
	return out.Metadata, nil
}

// Convert runs a full conversion and blocks until the processor answers.
// Progress arrives out of band via the callback endpoint or Status polls.
func (c *Client) Convert(ctx domain.Context, req domain.ConvertRequest) (domain.ConvertResult, error) {
	ctx, cancel := contextWithTimeout(ctx, c.convertTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{
		"url":          req.URL,
		"format":       string(req.Format),
		"quality":      req.Quality,
		"job_id":       req.JobID,
		"callback_url": c.callbackURL + "/internal/progress",
	})
	if err != nil {
		return domain.ConvertResult{}, fmt.Errorf("op=processor.Convert: marshal: %w", err)
	}
	var out struct {
		StorageKey string  `json:"storage_key"`
		Size       int64   `json:"size"`
		Duration   float64 `json:"duration"`
	}
	if err := c.post(ctx, "/convert", body, &out); err != nil {
		return domain.ConvertResult{}, fmt.Errorf("op=processor.Convert: %w", err)
	}
	return domain.ConvertResult{StorageKey: out.StorageKey, Size: out.Size, Duration: out.Duration}, nil
}

// Status polls the processor for one progress snapshot.
func (c *Client) Status(ctx domain.Context, jobID string) (domain.ProgressSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status/"+jobID, nil)
	if err != nil {
		return domain.ProgressSnapshot{}, fmt.Errorf("op=processor.Status: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.ProgressSnapshot{}, fmt.Errorf("op=processor.Status: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return domain.ProgressSnapshot{}, decodeError(resp)
	}
	var out struct {
		Progress int    `json:"progress"`
		Step     string `json:"step"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.ProgressSnapshot{}, fmt.Errorf("op=processor.Status: decode: %w", err)
	}
	return domain.ProgressSnapshot{JobID: jobID, Progress: out.Progress, Step: out.Step}, nil
}

// Health probes the processor's /health endpoint.
func (c *Client) Health(ctx domain.Context) error {
	ctx, cancel := contextWithTimeout(ctx, c.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("op=processor.Health: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("op=processor.Health: %w: %v", domain.NewError(domain.KindProcessorUnavailable), err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("op=processor.Health: status %d: %w", resp.StatusCode, domain.NewError(domain.KindProcessorUnavailable))
	}
	return nil
}

func (c *Client) post(ctx domain.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Connection refused and DNS failures mean the backend is down;
		// context errors keep their own classification.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", domain.NewError(domain.KindProcessorUnavailable), err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// decodeError maps a non-200 processor response to a ConversionError. The
// processor's error codes share the orchestrator's taxonomy; unknown codes
// and unparseable bodies degrade by HTTP status class.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var payload errorPayload
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error.Code != "" {
		ce := domain.NewError(domain.ErrorKind(payload.Error.Code))
		if payload.Error.RetryAfter > 0 {
			ce.RetryAfter = time.Duration(payload.Error.RetryAfter) * time.Second
		}
		return ce
	}
	if ra := resp.Header.Get("Retry-After"); ra != "" && resp.StatusCode == http.StatusTooManyRequests {
		ce := domain.NewError(domain.KindRateLimited)
		if secs, err := strconv.Atoi(ra); err == nil {
			ce.RetryAfter = time.Duration(secs) * time.Second
		}
		return ce
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.NewError(domain.KindVideoNotFound)
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.NewError(domain.KindRateLimited)
	case resp.StatusCode >= 500:
		return domain.NewError(domain.KindProcessorUnavailable)
	}
	return domain.NewError(domain.KindInternal)
}

func contextWithTimeout(ctx domain.Context, d time.Duration) (domain.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
