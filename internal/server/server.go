package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"anthropic-relay/internal/backend"
	"anthropic-relay/internal/config"
	"anthropic-relay/internal/translator"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
)

type Server struct {
	cfg        config.Config
	dispatcher *backend.Dispatcher
	app        *echo.Echo
	address    string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, dispatcher *backend.Dispatcher) (*Server, error) {
	if dispatcher == nil {
		return nil, errors.New("dispatcher must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = anthropicErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			entry := log.WithFields(log.Fields{
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency_ms": v.Latency.Milliseconds(),
			})
			if v.Error != nil {
				entry = entry.WithField("error", v.Error)
			}
			entry.Info("request")
			return nil
		},
	}))

	srv := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		app:        e,
		address:    fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the underlying HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port, s.dispatcher.BaseURL())
	log.WithField("addr", s.address).Info("starting server")

	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		// WriteTimeout stays unset so long-lived SSE streams are bounded by
		// the configured request timeout instead.
		IdleTimeout: idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		log.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/", s.handleRoot)
	s.app.POST("/v1/messages", s.handleMessages)
	s.app.POST("/messages", s.handleMessages)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":         "ok",
		"backend_status": s.dispatcher.Probe(c.Request().Context()),
		"backend_url":    s.dispatcher.BaseURL(),
	})
}

func (s *Server) handleRoot(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"message":      "Anthropic to OpenAI relay",
		"usage":        fmt.Sprintf("Point Anthropic Messages clients at http://localhost:%d", s.cfg.Server.Port),
		"health_check": "/health",
		"backend":      s.dispatcher.BaseURL(),
	})
}

func (s *Server) handleMessages(c echo.Context) error {
	var req translator.MessageRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	normalized := req.Normalize()
	payload := translator.BuildChatPayload(normalized, s.cfg.Backend.Model)

	// A single configured duration bounds the full request, streaming or not.
	ctx, cancel := context.WithTimeout(c.Request().Context(), s.dispatcher.Timeout())
	defer cancel()

	if normalized.Stream {
		return s.streamMessages(ctx, c, normalized.Model, payload)
	}

	body, err := s.dispatcher.Do(ctx, payload)
	if err != nil {
		return toHTTPError(err)
	}

	completion, err := translator.ParseCompletion(body)
	if err != nil {
		return toHTTPError(err)
	}

	return c.JSON(http.StatusOK, translator.FromCompletion(completion))
}

// streamMessages pumps the backend chunk stream through the streaming
// translator into an SSE response. Once the response header is written,
// failures are recovered into terminal stream events instead of an abrupt
// disconnect; if the client transport itself is gone, termination is local
// and only logged.
func (s *Server) streamMessages(ctx context.Context, c echo.Context, clientModel string, payload translator.ChatPayload) error {
	chunks, err := s.dispatcher.Stream(ctx, payload)
	if err != nil {
		return toHTTPError(err)
	}

	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		log.Error("http writer does not support flushing")
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    "api_error",
		}
	}

	header := c.Response().Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	st := translator.NewStreamTranslator(clientModel)

	if err := writeEvents(writer, flusher, st.Start()); err != nil {
		log.WithError(err).Warn("client went away before stream start")
		return nil
	}

	for chunk := range chunks {
		if chunk.Err != nil {
			log.WithError(chunk.Err).Error("backend stream failed mid-flight")
			if err := writeEvents(writer, flusher, st.Fail()); err != nil {
				log.WithError(err).Debug("could not deliver terminal events")
			}
			return nil
		}

		events := st.Feed(chunk.Line)
		if err := writeEvents(writer, flusher, events); err != nil {
			log.WithError(err).Debug("client disconnected during stream")
			return nil
		}
		if st.Done() {
			break
		}
	}

	if !st.Done() {
		// End of stream without a backend finish reason: normal completion
		// unless our side of the request was cancelled or timed out.
		terminal := st.Finish()
		if ctx.Err() != nil {
			log.WithError(ctx.Err()).Warn("stream interrupted before completion")
			terminal = st.Fail()
		}
		if err := writeEvents(writer, flusher, terminal); err != nil {
			log.WithError(err).Debug("could not deliver terminal events")
		}
	}

	return nil
}

func writeEvents(w io.Writer, flusher http.Flusher, events []translator.StreamEvent) error {
	for _, event := range events {
		if err := writeSSEEvent(w, event.Type, event.Payload); err != nil {
			return err
		}
		flusher.Flush()
	}
	return nil
}

func writeSSEEvent(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return fmt.Errorf("write SSE event name: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		}
		var validationErr *translator.ValidationError
		if errors.As(err, &validationErr) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: validationErr.Message,
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Type    string
}

func (e requestError) Error() string {
	return e.Message
}

// errorEnvelope is the Anthropic-shaped error body. Clients always receive
// this schema, never a raw backend error body.
type errorEnvelope struct {
	Type  string      `json:"type"`
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func writeError(c echo.Context, status int, errType, message string) error {
	return c.JSON(status, errorEnvelope{
		Type:  "error",
		Error: errorDetail{Type: errType, Message: message},
	})
}

func anthropicErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Type, reqErr.Message)
		return
	}

	var echoErr *echo.HTTPError
	if errors.As(err, &echoErr) {
		_ = writeError(c, echoErr.Code, "invalid_request_error", fmt.Sprintf("%v", echoErr.Message))
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "api_error", "internal server error")
}

// toHTTPError converts translation and dispatch failures into the Anthropic
// error taxonomy. Backend error bodies are logged, never forwarded raw.
func toHTTPError(err error) error {
	var validationErr *translator.ValidationError
	if errors.As(err, &validationErr) {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: validationErr.Message,
			Type:    "invalid_request_error",
		}
	}

	var formatErr *translator.UpstreamFormatError
	if errors.As(err, &formatErr) {
		log.WithError(formatErr).Error("backend response unparseable")
		return requestError{
			Status:  http.StatusBadGateway,
			Message: "backend returned an unusable response",
			Type:    "api_error",
		}
	}

	var upstreamErr *backend.UpstreamError
	if errors.As(err, &upstreamErr) {
		log.WithFields(log.Fields{
			"status": upstreamErr.StatusCode,
			"body":   string(upstreamErr.Body),
		}).Error("backend request failed")
		return requestError{
			Status:  http.StatusBadGateway,
			Message: fmt.Sprintf("backend returned status %d", upstreamErr.StatusCode),
			Type:    "api_error",
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return requestError{
			Status:  http.StatusGatewayTimeout,
			Message: "request to backend timed out",
			Type:    "api_error",
		}
	}

	var transportErr *backend.TransportError
	if errors.As(err, &transportErr) {
		log.WithError(transportErr).Error("backend unreachable")
		return requestError{
			Status:  http.StatusServiceUnavailable,
			Message: "backend is unreachable",
			Type:    "api_error",
		}
	}

	log.WithError(err).Error("unexpected relay failure")
	return requestError{
		Status:  http.StatusInternalServerError,
		Message: "internal server error",
		Type:    "api_error",
	}
}

func printStartupBanner(port int, backendURL string) {
	fmt.Println()
	fmt.Println("anthropic-relay ready")
	fmt.Printf("Listening on http://127.0.0.1:%d\n", port)
	fmt.Printf("Backend:      %s\n", backendURL)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  POST /v1/messages")
	fmt.Printf("Example:\n  curl http://127.0.0.1:%d/v1/messages -H 'Content-Type: application/json' -d '{\"model\":\"claude-3-sonnet\",\"max_tokens\":64,\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", port)
}
