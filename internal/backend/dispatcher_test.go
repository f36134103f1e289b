package backend_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"anthropic-relay/internal/backend"
	"anthropic-relay/internal/config"
)

func newDispatcher(baseURL, apiKey string, headers map[string]string) *backend.Dispatcher {
	return backend.New(config.BackendConfig{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Timeout: 5 * time.Second,
		Headers: headers,
	})
}

func TestDoAttachesAuthAndHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.Equal(t, "v1", r.Header.Get("X-Extra"))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	d := newDispatcher(upstream.URL, "secret", map[string]string{"X-Extra": "v1"})
	body, err := d.Do(context.Background(), map[string]string{"k": "v"})
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(body))
}

func TestDoWithoutAPIKeySkipsAuthHeader(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.Header.Get("Authorization"), "local backends need no auth")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	_, err := newDispatcher(upstream.URL, "", nil).Do(context.Background(), struct{}{})
	require.NoError(t, err)
}

func TestDoWrapsUpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("model not loaded"))
	}))
	defer upstream.Close()

	_, err := newDispatcher(upstream.URL, "", nil).Do(context.Background(), struct{}{})

	var upstreamErr *backend.UpstreamError
	require.True(t, errors.As(err, &upstreamErr), "expected UpstreamError, got %v", err)
	require.Equal(t, http.StatusInternalServerError, upstreamErr.StatusCode)
	require.Contains(t, string(upstreamErr.Body), "model not loaded")
}

func TestDoUnreachableBackend(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close()

	_, err := newDispatcher(upstream.URL, "", nil).Do(context.Background(), struct{}{})

	var transportErr *backend.TransportError
	require.True(t, errors.As(err, &transportErr), "expected TransportError, got %v", err)
}

func TestDoTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer upstream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newDispatcher(upstream.URL, "", nil).Do(ctx, struct{}{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStreamDeliversLines(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range []string{
			`data: {"choices":[{"delta":{"content":"a"}}]}`,
			"",
			`data: [DONE]`,
		} {
			_, _ = w.Write([]byte(line + "\n"))
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	chunks, err := newDispatcher(upstream.URL, "", nil).Stream(context.Background(), struct{}{})
	require.NoError(t, err)

	var lines []string
	for chunk := range chunks {
		require.NoError(t, chunk.Err)
		lines = append(lines, string(chunk.Line))
	}
	require.Equal(t, []string{
		`data: {"choices":[{"delta":{"content":"a"}}]}`,
		`data: [DONE]`,
	}, lines, "blank keep-alive lines are skipped")
}

func TestStreamUpstreamFailureBeforeBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("backend exploded"))
	}))
	defer upstream.Close()

	_, err := newDispatcher(upstream.URL, "", nil).Stream(context.Background(), struct{}{})

	var upstreamErr *backend.UpstreamError
	require.True(t, errors.As(err, &upstreamErr), "expected UpstreamError, got %v", err)
	require.Equal(t, http.StatusBadGateway, upstreamErr.StatusCode)
}

func TestStreamCancelClosesChannel(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer upstream.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	chunks, err := newDispatcher(upstream.URL, "", nil).Stream(ctx, struct{}{})
	require.NoError(t, err)

	<-chunks
	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, open := <-chunks:
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("chunk channel was not closed after cancellation")
		}
	}
}

func TestProbe(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/models", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer healthy.Close()
	require.Equal(t, "healthy", newDispatcher(healthy.URL, "", nil).Probe(context.Background()))

	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer unhealthy.Close()
	require.Equal(t, "unhealthy", newDispatcher(unhealthy.URL, "", nil).Probe(context.Background()))

	gone := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	gone.Close()
	require.Equal(t, "unreachable", newDispatcher(gone.URL, "", nil).Probe(context.Background()))
}
