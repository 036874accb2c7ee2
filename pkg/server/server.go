// Package server exposes the gateway over HTTP: the OpenAI-compatible
// completion endpoint, operational read APIs, and the kill-switch admin
// surface.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/openclaw/gateway/pkg/budget"
	"github.com/openclaw/gateway/pkg/gwerr"
	"github.com/openclaw/gateway/pkg/metrics"
	"github.com/openclaw/gateway/pkg/models"
	"github.com/openclaw/gateway/pkg/provider"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	writeTimeout        = 180 * time.Second
	idleTimeout         = 120 * time.Second
)

// Completer runs a request through the admission pipeline.
type Completer interface {
	Complete(ctx context.Context, caller string, req *models.ChatRequest) (*models.ChatResponse, error)
}

// ModelLister is the local backend's model inventory, when one is configured.
type ModelLister interface {
	ListModels(ctx context.Context) ([]provider.ModelInfo, error)
}

type Server struct {
	secret  string
	address string
	gw      Completer
	guard   *budget.Guard
	kill    *budget.KillSwitch
	metrics *metrics.Collector
	local   ModelLister
	app     *echo.Echo
	log     *slog.Logger
}

// Deps collects the server's collaborators.
type Deps struct {
	Listen  string
	Secret  string
	Gateway Completer
	Guard   *budget.Guard
	Kill    *budget.KillSwitch
	Metrics *metrics.Collector
	Local   ModelLister
	Log     *slog.Logger
}

// New constructs the HTTP server with middleware and routes registered.
func New(d Deps) (*Server, error) {
	if d.Gateway == nil {
		return nil, errors.New("gateway must not be nil")
	}
	log := d.Log
	if log == nil {
		log = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		secret:  d.Secret,
		address: d.Listen,
		gw:      d.Gateway,
		guard:   d.Guard,
		kill:    d.Kill,
		metrics: d.Metrics,
		local:   d.Local,
		app:     e,
		log:     log,
	}
	e.HTTPErrorHandler = s.errorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(s.authenticate)

	s.registerRoutes()
	return s, nil
}

// Run starts the server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("starting gateway server", "addr", s.address)

	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.app,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
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
		s.log.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

// Handler exposes the echo instance for tests.
func (s *Server) Handler() http.Handler { return s.app }

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.POST("/v1/chat/completions", s.handleChatCompletions)
	s.app.GET("/api/metrics", s.handleMetrics)
	s.app.GET("/api/budget", s.handleBudget)
	s.app.GET("/api/local/models", s.handleLocalModels)
	s.app.POST("/admin/kill-switch", s.handleKillSwitch)
}

const callerContextKey = "gateway.caller"

// authenticate enforces the shared bearer secret on everything except
// /health. The presented token doubles as the caller identity for rate
// limiting and auditing.
func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Path() == "/health" {
			return next(c)
		}
		token := bearerToken(c.Request())
		if s.secret != "" {
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.secret)) != 1 {
				return requestError{
					Status:  http.StatusUnauthorized,
					Message: "invalid or missing bearer token",
					Type:    "authentication_error",
				}
			}
		}
		if token == "" {
			token = "anonymous:" + c.RealIP()
		}
		c.Set(callerContextKey, token)
		return next(c)
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req models.ChatRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	caller, _ := c.Get(callerContextKey).(string)
	resp, err := s.gw.Complete(c.Request().Context(), caller, &req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleBudget(c echo.Context) error {
	status, err := s.guard.Status(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, status)
}

func (s *Server) handleLocalModels(c echo.Context) error {
	if s.local == nil {
		return gwerr.New(gwerr.KindTierUnavailable, "tier_disabled", "no local backend configured")
	}
	list, err := s.local.ListModels(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"models": list})
}

func (s *Server) handleKillSwitch(c echo.Context) error {
	ctx := c.Request().Context()
	switch action := c.QueryParam("action"); action {
	case "enable":
		reason := c.QueryParam("reason")
		if reason == "" {
			reason = "manual"
		}
		if err := s.kill.Enable(ctx, "admin", reason); err != nil {
			return err
		}
	case "disable":
		if err := s.kill.Disable(ctx, "admin"); err != nil {
			return err
		}
	case "status", "":
	default:
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("unknown action %q", action),
			Type:    "invalid_request_error",
		}
	}
	return c.JSON(http.StatusOK, s.kill.State())
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

func (e requestError) Error() string { return e.Message }

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

// errorHandler renders classified gateway errors with their mapped status
// and stable code, including a Retry-After hint when one is attached.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	if ge, ok := gwerr.As(err); ok {
		if ge.RetryAfter > 0 {
			secs := int(ge.RetryAfter.Round(time.Second).Seconds())
			if secs < 1 {
				secs = 1
			}
			c.Response().Header().Set("Retry-After", fmt.Sprintf("%d", secs))
		}
		_ = writeError(c, ge.Kind.HTTPStatus(), ge.Message, ge.Kind.String(), ge.Code)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = writeError(c, he.Code, fmt.Sprintf("%v", he.Message), "invalid_request_error", "")
		return
	}

	s.log.Error("unclassified error", "error", err)
	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error", "")
}
