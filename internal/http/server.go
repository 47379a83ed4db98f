// Package http provides the status API for autodeploy.
//
// The API reads deployments from the state store, so it reports runs of any
// process sharing the store. Cancel requests go through the store as well and
// are picked up by whichever process runs the deployment.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodeploy/internal/deployment"
	"github.com/fyrsmithlabs/autodeploy/internal/logging"
	"github.com/fyrsmithlabs/autodeploy/internal/reporter"
	"github.com/fyrsmithlabs/autodeploy/internal/store"
)

// Deployments is the read and cancel surface the API serves.
// *orchestrator.Engine implements it.
type Deployments interface {
	Status(ctx context.Context, id string) (*deployment.DeploymentState, error)
	List(ctx context.Context) ([]*deployment.DeploymentState, error)
	Cancel(ctx context.Context, id string) error
}

// Server provides HTTP endpoints for autodeploy.
type Server struct {
	echo        *echo.Echo
	deployments Deployments
	logger      *logging.Logger
	config      *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// EventsDir holds per-deployment events.jsonl files. Empty disables
	// the events endpoint.
	EventsDir string
	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	// Registerer receives the request metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}

// NewServer creates a new HTTP server.
func NewServer(deployments Deployments, logger *logging.Logger, cfg *Config) (*Server, error) {
	if deployments == nil {
		return nil, fmt.Errorf("deployments cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9191,
		}
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	logger = logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(newRequestMetrics(cfg.Registerer).middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logging.WithRequestID(c.Request().Context(), requestID)
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.Info(ctx, "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return nil
		}
	})

	s := &Server{
		echo:        e,
		deployments: deployments,
		logger:      logger,
		config:      cfg,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/deployments", s.handleList)
	v1.GET("/deployments/:id", s.handleGet)
	v1.GET("/deployments/:id/events", s.handleEvents)
	v1.POST("/deployments/:id/cancel", s.handleCancel)
}

// Handler returns the HTTP handler, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleList returns deployment summaries, optionally filtered by ?status=.
func (s *Server) handleList(c echo.Context) error {
	ds, err := s.deployments.List(c.Request().Context())
	if err != nil {
		return err
	}

	filter := deployment.Status(c.QueryParam("status"))
	if filter != "" && !filter.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown status %q", filter))
	}

	resp := ListResponse{
		Deployments: make([]DeploymentSummary, 0, len(ds)),
		Counts:      CountByStatus(ds),
	}
	for _, d := range ds {
		if filter != "" && d.Status != filter {
			continue
		}
		resp.Deployments = append(resp.Deployments, Summarize(d))
	}
	return c.JSON(http.StatusOK, resp)
}

// handleGet returns the full state document.
func (s *Server) handleGet(c echo.Context) error {
	id, err := deploymentID(c)
	if err != nil {
		return err
	}
	d, err := s.deployments.Status(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

// handleEvents returns the recorded event log of a deployment.
func (s *Server) handleEvents(c echo.Context) error {
	id, err := deploymentID(c)
	if err != nil {
		return err
	}
	if s.config.EventsDir == "" {
		return echo.NewHTTPError(http.StatusNotFound, "event log not configured")
	}
	if _, err := s.deployments.Status(c.Request().Context(), id); err != nil {
		return err
	}
	events, err := reporter.ReadEvents(s.config.EventsDir, id)
	if errors.Is(err, os.ErrNotExist) {
		events = []reporter.Event{}
	} else if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, events)
}

// handleCancel records a cancel request for a live deployment.
func (s *Server) handleCancel(c echo.Context) error {
	id, err := deploymentID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := s.deployments.Cancel(ctx, id); err != nil {
		return err
	}
	s.logger.Info(logging.WithDeploymentID(ctx, id), "cancel requested over http")

	d, err := s.deployments.Status(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, CancelResponse{ID: id, Status: d.Status, CancelRequested: true})
}

func deploymentID(c echo.Context) (string, error) {
	id := c.Param("id")
	if err := deployment.ValidateID(id); err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return id, nil
}

// errorHandler maps store errors to status codes.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	msg := http.StatusText(code)

	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		code = he.Code
		msg = fmt.Sprint(he.Message)
	case errors.Is(err, store.ErrNotFound):
		code, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, store.ErrTerminal):
		code, msg = http.StatusConflict, err.Error()
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, ErrorResponse{Message: msg})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
