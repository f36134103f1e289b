package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"anthropic-relay/internal/config"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "anthropic-relay/0.1"

	probeTimeout = 5 * time.Second

	// SSE lines can carry large deltas; allow up to 1 MiB per line.
	maxLineBytes = 1 << 20

	errorBodyLimit = 64 * 1024
)

// UpstreamError reports a backend that was reachable but returned a failure
// status. Status and body are preserved for diagnostics.
type UpstreamError struct {
	StatusCode int
	Body       []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, strings.TrimSpace(string(e.Body)))
}

// TransportError reports a backend that could not be reached at all.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("backend unreachable: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Chunk is one unit of a live backend stream. Err is set only on the
// terminal chunk of a failed stream.
type Chunk struct {
	Line []byte
	Err  error
}

// Dispatcher issues translated requests against the configured backend. It
// holds no per-request state and is safe for concurrent use.
type Dispatcher struct {
	baseURL string
	apiKey  string
	headers map[string]string
	client  *http.Client
	timeout time.Duration
}

// New creates a dispatcher for the configured backend. The HTTP client
// carries no timeout of its own; each request is bounded by the configured
// end-to-end duration via context.
func New(cfg config.BackendConfig) *Dispatcher {
	return &Dispatcher{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		headers: cfg.Headers,
		client:  &http.Client{},
		timeout: cfg.Timeout,
	}
}

// Timeout returns the configured end-to-end request duration.
func (d *Dispatcher) Timeout() time.Duration {
	return d.timeout
}

// BaseURL returns the configured backend base URL.
func (d *Dispatcher) BaseURL() string {
	return d.baseURL
}

// Do performs a single non-streaming chat completion exchange and returns
// the raw response body.
func (d *Dispatcher) Do(ctx context.Context, payload any) ([]byte, error) {
	httpReq, err := d.newRequest(ctx, payload)
	if err != nil {
		return nil, err
	}

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, wrapTransportError(ctx, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, errorBodyLimit))
		return nil, &UpstreamError{StatusCode: httpResp.StatusCode, Body: body}
	}

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, wrapTransportError(ctx, err)
	}
	return body, nil
}

// Stream opens a live connection and exposes the raw provider chunk lines.
// Mid-stream failures surface as a terminal error chunk rather than a silent
// close. The returned channel is closed when the stream ends; cancelling ctx
// aborts the outbound read promptly.
func (d *Dispatcher) Stream(ctx context.Context, payload any) (<-chan Chunk, error) {
	httpReq, err := d.newRequest(ctx, payload)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, wrapTransportError(ctx, err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, errorBodyLimit))
		httpResp.Body.Close()
		return nil, &UpstreamError{StatusCode: httpResp.StatusCode, Body: body}
	}

	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)
		defer httpResp.Body.Close()

		scanner := bufio.NewScanner(httpResp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}

			// The scanner reuses its buffer between calls.
			sent := make([]byte, len(line))
			copy(sent, line)

			select {
			case chunks <- Chunk{Line: sent}:
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil {
			select {
			case chunks <- Chunk{Err: wrapTransportError(ctx, err)}:
			case <-ctx.Done():
			}
		}
	}()

	return chunks, nil
}

// Probe checks backend reachability with its own short timeout, independent
// of the translation path. It returns "healthy", "unhealthy" or
// "unreachable".
func (d *Dispatcher) Probe(ctx context.Context) string {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(probeCtx, http.MethodGet, d.baseURL+"/v1/models", nil)
	if err != nil {
		return "unreachable"
	}
	d.applyHeaders(httpReq)

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return "unreachable"
	}
	defer httpResp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(httpResp.Body, errorBodyLimit))

	if httpResp.StatusCode == http.StatusOK {
		return "healthy"
	}
	log.WithField("status", httpResp.StatusCode).Debug("backend probe returned non-OK status")
	return "unhealthy"
}

func (d *Dispatcher) newRequest(ctx context.Context, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	d.applyHeaders(req)

	return req, nil
}

// applyHeaders attaches auth and provider-specific headers. A missing API
// key is valid for local backends and must not block the request.
func (d *Dispatcher) applyHeaders(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}
	for k, v := range d.headers {
		req.Header.Set(k, v)
	}
}

// wrapTransportError distinguishes the configured deadline expiring from the
// backend being unreachable.
func wrapTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return context.DeadlineExceeded
	}
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return context.Canceled
	}
	return &TransportError{Err: err}
}
