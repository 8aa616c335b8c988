package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"streamrelay/internal/config"
	"streamrelay/internal/debug"
	"streamrelay/internal/router"
	"streamrelay/internal/translator"
)

const (
	maxBodyBytes        = 8 << 20 // 8 MiB, history may carry images
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
)

type Server struct {
	cfg     config.Config
	router  *router.Router
	frames  *debug.MemoryRecorder
	app     *echo.Echo
	address string
}

// New constructs an HTTP server wired with routing and middleware. frames may be
// nil; the debug frame endpoints are only mounted when debug is enabled.
func New(cfg config.Config, rt *router.Router, frames *debug.MemoryRecorder) (*Server, error) {
	if rt == nil {
		return nil, errors.New("router must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = openAIErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"request_id", v.RequestID,
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))
	if len(cfg.Server.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.Server.AllowedOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
		}))
	}

	srv := &Server{
		cfg:     cfg,
		router:  rt,
		frames:  frames,
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the routed handler.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port, s.debugEnabled())
	slog.Info("starting server", "addr", s.address)

	// No WriteTimeout: streams are bounded by server.stream_timeout instead.
	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
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
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) debugEnabled() bool {
	return s.cfg.Debug.Enabled && s.frames != nil
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/api/models", s.handleModels)
	s.app.GET("/v1/models", s.handleOpenAIModels)
	s.app.POST("/api/chat/stream", s.handleChatStream)
	s.app.POST("/v1/chat/completions", s.handleChatCompletions)
	s.app.POST("/v1/messages", s.handleClaudeMessages)

	if s.debugEnabled() {
		s.app.GET("/api/debug/frames", s.handleFrames)
		s.app.GET("/api/debug/frames/:id", s.handleFrame)
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type modelEntry struct {
	ID      string   `json:"id"`
	Profile string   `json:"profile"`
	Dialect string   `json:"dialect"`
	Aliases []string `json:"aliases,omitempty"`
}

func (s *Server) handleModels(c echo.Context) error {
	list := s.router.Models()
	out := make([]modelEntry, 0, len(list))
	for _, m := range list {
		out = append(out, modelEntry{ID: m.ID, Profile: m.Profile, Dialect: string(m.Dialect), Aliases: m.Aliases})
	}
	return c.JSON(http.StatusOK, map[string]any{"models": out})
}

func (s *Server) handleOpenAIModels(c echo.Context) error {
	type entry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	list := s.router.Models()
	data := make([]entry, 0, len(list))
	for _, m := range list {
		data = append(data, entry{ID: m.ID, Object: "model", OwnedBy: m.Profile})
	}
	return c.JSON(http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (s *Server) handleChatStream(c echo.Context) error {
	var req translator.ChatStreamRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	return s.relay(c, req.ToChatRequest(), nativeStream{})
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req translator.ChatCompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	if !req.Stream {
		return errStreamingOnly
	}

	enc := translator.NewChunkEncoder("chatcmpl-"+uuid.NewString(), time.Now().Unix(), req.Model)
	return s.relay(c, req.ToChatRequest(), openAIStream{enc: enc})
}

func (s *Server) handleClaudeMessages(c echo.Context) error {
	var req translator.ClaudeMessageRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	if !req.Stream {
		return errStreamingOnly
	}

	enc := translator.NewClaudeEncoder("msg_"+uuid.NewString(), req.Model)
	return s.relay(c, req.ToChatRequest(), claudeStream{enc: enc})
}

func (s *Server) handleFrames(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"frames": s.frames.Frames()})
}

func (s *Server) handleFrame(c echo.Context) error {
	frame, ok := s.frames.Frame(c.Param("id"))
	if !ok {
		return requestError{
			Status:  http.StatusNotFound,
			Message: "frame not found",
			Type:    "invalid_request_error",
		}
	}
	return c.JSON(http.StatusOK, frame)
}

var errStreamingOnly = requestError{
	Status:  http.StatusBadRequest,
	Message: "only streaming requests are supported; set \"stream\": true",
	Type:    "invalid_request_error",
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
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType, code string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	payload.Error.Code = code
	return c.JSON(status, payload)
}

func openAIErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = writeError(c, he.Code, fmt.Sprint(he.Message), "invalid_request_error", "")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error", "")
}

func printStartupBanner(port int, debugEnabled bool) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("streamrelay ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /api/models")
	fmt.Println("  GET  /v1/models")
	fmt.Println("  POST /api/chat/stream")
	fmt.Println("  POST /v1/chat/completions (stream only)")
	fmt.Println("  POST /v1/messages (stream only)")
	if debugEnabled {
		fmt.Println("  GET  /api/debug/frames")
		fmt.Println("  GET  /api/debug/frames/:id")
	}
	fmt.Printf("Example:\n  curl -N http://%s:%d/api/chat/stream -H 'Content-Type: application/json' -d '{\"model\":\"sonnet\",\"history\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", host, port)
}
