// Package http serves run status for phasegate.
package http

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/budget"
	"github.com/fyrsmithlabs/phasegate/internal/checkpoint"
)

// Server provides the status endpoints for a single plan's runs.
type Server struct {
	echo    *echo.Echo
	store   *checkpoint.Store
	planID  string
	meter   *budget.Meter
	logger  *zap.Logger
	config  *Config
	metrics *HTTPMetrics

	requestCheckpoint func() bool
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Option configures a Server.
type Option func(*Server)

// WithMeter reports live budget counters from m alongside the run state file.
func WithMeter(m *budget.Meter) Option {
	return func(s *Server) {
		s.meter = m
	}
}

// WithHTTPMetrics records request metrics through m.
func WithHTTPMetrics(m *HTTPMetrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithCheckpointRequests enables POST /checkpoint, which calls request to ask
// the running phase for a manual checkpoint.
func WithCheckpointRequests(request func() bool) Option {
	return func(s *Server) {
		s.requestCheckpoint = request
	}
}

// NewServer creates a new HTTP server for planID's run state in store.
func NewServer(store *checkpoint.Store, planID string, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("checkpoint store cannot be nil")
	}
	if planID == "" {
		return nil, fmt.Errorf("plan id is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9090,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		store:  store,
		planID: planID,
		logger: logger,
		config: cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if s.metrics != nil {
		e.Use(s.metrics.MetricsMiddleware())
	}
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Debug("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/status", s.handleStatus)
	s.echo.GET("/checkpoints", s.handleCheckpoints)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	if s.requestCheckpoint != nil {
		s.echo.POST("/checkpoint", s.handleCheckpointRequest)
	}
}

// Handler exposes the router, mainly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	st, err := s.store.LoadState(s.planID)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.metrics.recordStateMiss(c.Request().Context(), s.planID)
			return echo.NewHTTPError(http.StatusNotFound, "no run recorded for plan "+s.planID)
		}
		s.logger.Warn("failed to load run state", zap.String("plan_id", s.planID), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load run state")
	}

	resp := StatusResponse{Run: st}
	if s.meter != nil {
		resp.Live = &LiveBudget{
			Counters: s.meter.Counters(),
			Zone:     s.meter.Zone(),
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCheckpoints(c echo.Context) error {
	entries, err := s.store.List(checkpoint.ListOptions{
		PhaseID:         c.QueryParam("phase"),
		IncludeArchived: c.QueryParam("archived") == "true",
	})
	if err != nil {
		s.logger.Warn("failed to list checkpoints", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list checkpoints")
	}

	resp := CheckpointsResponse{Checkpoints: make([]CheckpointEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Checkpoints = append(resp.Checkpoints, CheckpointEntry{
			ID:       e.ID,
			PhaseID:  e.PhaseID,
			Sequence: e.Sequence,
			Archived: e.Archived,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCheckpointRequest(c echo.Context) error {
	queued := s.requestCheckpoint()
	s.logger.Info("manual checkpoint requested over http", zap.Bool("queued", queued))
	return c.JSON(http.StatusAccepted, CheckpointRequestResponse{Queued: queued})
}

// Start starts the HTTP server. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
