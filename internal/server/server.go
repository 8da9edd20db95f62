package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"coderider-gateway/internal/config"
	"coderider-gateway/internal/metrics"
	"coderider-gateway/internal/registry"
	"coderider-gateway/internal/router"
	"coderider-gateway/internal/translator"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second

	routeHealth     = "/health"
	routeModels     = "/v1/models"
	routeModelsFull = "/v1/models/full"
	routeChat       = "/v1/chat/completions"
	routeMessages   = "/v1/messages"
	routeMetrics    = "/metrics"
)

var errInvalidAPIKey = errors.New("invalid API key")

type Server struct {
	cfg     config.Config
	router  *router.Router
	metrics *metrics.Metrics
	logger  *slog.Logger
	app     *echo.Echo
	address string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, rt *router.Router, m *metrics.Metrics, logger *slog.Logger) (*Server, error) {
	if rt == nil {
		return nil, errors.New("router must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		cfg:     cfg,
		router:  rt,
		metrics: m,
		logger:  logger,
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}
	e.HTTPErrorHandler = srv.errorHandler

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
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Int64("latency_ms", v.Latency.Milliseconds()),
				slog.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			logger.LogAttrs(c.Request().Context(), logLevelForStatus(v.Status), "request", attrs...)
			return nil
		},
	}))
	e.Use(srv.observeRequests)
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: corsOrigins(cfg.Server.CORSOrigins),
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{
			echo.HeaderContentType,
			echo.HeaderAuthorization,
			"X-API-Key",
			"anthropic-version",
		},
	}))

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the routed echo instance.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port)
	s.logger.Info("starting server", "addr", s.address, "upstream", s.cfg.Upstream.Host)

	httpServer := &http.Server{
		Addr:    s.address,
		Handler: s.app,
		// Upstream calls can run for the whole upstream timeout.
		ReadTimeout:  readTimeout,
		WriteTimeout: s.cfg.Upstream.Timeout + readTimeout,
		IdleTimeout:  idleTimeout,
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
		s.logger.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET(routeHealth, s.handleHealth)
	s.app.GET(routeModels, s.handleModels)
	s.app.GET(routeModelsFull, s.handleModelsFull)
	s.app.GET(routeMetrics, echo.WrapHandler(s.metrics.Handler()))

	auth := s.apiKeyAuth()
	s.app.POST(routeChat, s.handleChatCompletions, auth)
	s.app.POST(routeMessages, s.handleClaudeMessages, auth)
}

func (s *Server) apiKeyAuth() echo.MiddlewareFunc {
	keys := s.cfg.Server.APIKeys
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		Skipper: func(echo.Context) bool {
			return len(keys) == 0
		},
		KeyLookup: "header:X-API-Key,header:" + echo.HeaderAuthorization + ":Bearer ",
		Validator: func(key string, _ echo.Context) (bool, error) {
			for _, allowed := range keys {
				if subtle.ConstantTimeCompare([]byte(key), []byte(allowed)) == 1 {
					return true, nil
				}
			}
			return false, errInvalidAPIKey
		},
		ErrorHandler: func(err error, _ echo.Context) error {
			message := "missing API key: send X-API-Key or Authorization: Bearer"
			if errors.Is(err, errInvalidAPIKey) {
				message = errInvalidAPIKey.Error()
			}
			return requestError{
				Status:  http.StatusUnauthorized,
				Message: message,
				Type:    errTypeAuthentication,
				Code:    "invalid_api_key",
			}
		},
	})
}

// observeRequests records per-route request metrics. Errors are rendered
// here so the recorded status matches what the client sees.
func (s *Server) observeRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		started := time.Now()
		if err := next(c); err != nil {
			c.Error(err)
		}
		endpoint := c.Path()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		s.metrics.ObserveRequest(c.Request().Method, endpoint, c.Response().Status, time.Since(started))
		return nil
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type modelListEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type listResponse[T any] struct {
	Object string `json:"object"`
	Data   []T    `json:"data"`
}

func (s *Server) handleModels(c echo.Context) error {
	entries := s.router.Registry().Models()
	data := make([]modelListEntry, 0, len(entries))
	for _, m := range entries {
		data = append(data, modelListEntry{ID: m.ID, Object: registry.ObjectModel, OwnedBy: registry.OwnedBy})
	}
	return c.JSON(http.StatusOK, listResponse[modelListEntry]{Object: "list", Data: data})
}

func (s *Server) handleModelsFull(c echo.Context) error {
	entries, err := s.router.Catalog(c.Request().Context())
	if err != nil {
		return s.toHTTPError(err)
	}
	return c.JSON(http.StatusOK, listResponse[registry.CatalogEntry]{Object: "list", Data: entries})
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	body, err := readRequestBody(c)
	if err != nil {
		return err
	}

	req, err := translator.ParseChatRequest(body)
	if err != nil {
		return s.toHTTPError(err)
	}
	if req.Stream {
		s.logger.Debug("streaming requested; answering with a single response", "model", req.Model)
	}

	resp, _, err := s.router.Chat(c.Request().Context(), req.ToCanonical())
	if err != nil {
		return s.toHTTPError(err)
	}
	return c.JSON(http.StatusOK, translator.BuildChatResponse(resp))
}

func (s *Server) handleClaudeMessages(c echo.Context) error {
	body, err := readRequestBody(c)
	if err != nil {
		return err
	}

	req, err := translator.ParseClaudeRequest(body, s.router.Registry())
	if err != nil {
		return s.toHTTPError(err)
	}
	if req.Stream {
		s.logger.Debug("streaming requested; answering with a single response", "model", req.Model)
	}

	resp, _, err := s.router.Chat(c.Request().Context(), req.ToCanonical())
	if err != nil {
		return s.toHTTPError(err)
	}

	requestedModel := req.Model
	if requestedModel == "" {
		requestedModel = resp.Model
	}
	return c.JSON(http.StatusOK, translator.BuildClaudeResponse(resp, requestedModel))
}

func readRequestBody(c echo.Context) ([]byte, error) {
	req := c.Request()
	defer req.Body.Close()

	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, requestError{
				Status:  http.StatusRequestEntityTooLarge,
				Message: fmt.Sprintf("request body exceeds %d bytes", maxBodyBytes),
				Type:    errTypeInvalidRequest,
			}
		}
		return nil, requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("read request body: %v", err),
			Type:    errTypeInvalidRequest,
		}
	}
	return body, nil
}

func corsOrigins(configured []string) []string {
	if len(configured) == 0 {
		return []string{"*"}
	}
	return configured
}

func printStartupBanner(port int) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("coderider-gateway ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /v1/models")
	fmt.Println("  GET  /v1/models/full")
	fmt.Println("  POST /v1/chat/completions")
	fmt.Println("  POST /v1/messages")
	fmt.Println("  GET  /metrics")
	fmt.Println("Responses are never streamed; stream:true requests get one complete JSON body.")
	fmt.Printf("OpenAI-style example:\n  curl http://%s:%d/v1/chat/completions -H 'Content-Type: application/json' -d '{\"model\":\"maas/maas-glm-4.6\",\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n", host, port)
	fmt.Printf("Claude CLI example:\n  ANTHROPIC_BASE_URL=http://%s:%d claude\n\n", host, port)
}
