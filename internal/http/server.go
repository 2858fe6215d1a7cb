// Package http provides the HTTP API for coordd.
//
// Agent frameworks call the hook endpoints from their lifecycle callbacks;
// the query endpoints expose the operation log, pending conflicts and
// trajectory metadata for inspection.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/coordd/internal/hooks"
	"github.com/fyrsmithlabs/coordd/internal/oplog"
)

// Server provides HTTP endpoints for coordd.
type Server struct {
	echo      *echo.Echo
	lifecycle *hooks.Lifecycle
	log       *oplog.Log
	logger    *zap.Logger
	config    *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server.
func NewServer(lifecycle *hooks.Lifecycle, log *oplog.Log, logger *zap.Logger, cfg *Config) (*Server, error) {
	if lifecycle == nil {
		return nil, fmt.Errorf("lifecycle cannot be nil")
	}
	if log == nil {
		return nil, fmt.Errorf("operation log cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 9180,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:      e,
		lifecycle: lifecycle,
		log:       log,
		logger:    logger,
		config:    cfg,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/hooks/pre-task", s.handlePreTask)
	v1.POST("/hooks/post-edit", s.handlePostEdit)
	v1.POST("/hooks/post-task", s.handlePostTask)
	v1.POST("/hooks/conflict", s.handleConflictNotify)
	v1.GET("/operations", s.handleOperations)
	v1.GET("/conflicts/pending", s.handlePendingConflicts)
	v1.GET("/trajectories", s.handleTrajectories)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status: "ok",
		State:  string(s.lifecycle.State()),
	})
}

func (s *Server) handlePreTask(c echo.Context) error {
	var req PreTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.AgentID == "" || req.SessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent_id and session_id are required")
	}

	event, err := s.lifecycle.OnPreTask(c.Request().Context(), req.AgentID, req.SessionID, req.Task)
	if err != nil {
		return mapLifecycleError(err)
	}
	return c.JSON(http.StatusOK, EventResponse{Type: string(event.Type), SessionID: req.SessionID})
}

func (s *Server) handlePostEdit(c echo.Context) error {
	var req PostEditRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Resource == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "resource field is required")
	}

	op, err := s.lifecycle.OnPostEdit(c.Request().Context(), req.Resource, req.Command)
	if err != nil {
		return mapLifecycleError(err)
	}
	return c.JSON(http.StatusOK, OperationResponse{
		Operation: *op,
		Pending:   len(s.lifecycle.PendingConflicts()),
	})
}

func (s *Server) handlePostTask(c echo.Context) error {
	ops, err := s.lifecycle.OnPostTask(c.Request().Context())
	if err != nil {
		return mapLifecycleError(err)
	}
	return c.JSON(http.StatusOK, OperationsResponse{Operations: ops, Count: len(ops)})
}

func (s *Server) handleConflictNotify(c echo.Context) error {
	var req ConflictNotifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Resources) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "resources field is required")
	}

	event, err := s.lifecycle.OnConflictDetected(c.Request().Context(), req.Resources)
	if err != nil {
		return mapLifecycleError(err)
	}
	return c.JSON(http.StatusOK, EventResponse{Type: string(event.Type)})
}

func (s *Server) handleOperations(c echo.Context) error {
	var q OperationsQuery
	if err := c.Bind(&q); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid query parameters")
	}

	ops := s.log.Query(oplog.QueryFilter{
		AgentID: q.AgentID,
		SinceID: oplog.OperationID(q.SinceID),
		Limit:   q.Limit,
	})
	return c.JSON(http.StatusOK, OperationsResponse{Operations: ops, Count: len(ops)})
}

func (s *Server) handlePendingConflicts(c echo.Context) error {
	pending := s.lifecycle.PendingConflicts()
	return c.JSON(http.StatusOK, ConflictsResponse{Conflicts: pending, Count: len(pending)})
}

func (s *Server) handleTrajectories(c echo.Context) error {
	var q TrajectoriesQuery
	if err := c.Bind(&q); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid query parameters")
	}
	if q.Limit == 0 {
		q.Limit = 20
	}

	hits := s.lifecycle.QueryTrajectories(q.Keyword, q.Limit)
	out := make([]TrajectoryMeta, 0, len(hits))
	for _, h := range hits {
		out = append(out, TrajectoryMeta{
			ID:           h.ID,
			SessionID:    h.SessionID,
			AgentID:      h.AgentID,
			Task:         h.Task,
			SuccessScore: h.SuccessScore,
			Timestamp:    h.Timestamp,
		})
	}
	return c.JSON(http.StatusOK, TrajectoriesResponse{Trajectories: out, Count: len(out)})
}

// mapLifecycleError converts lifecycle state errors into HTTP errors.
func mapLifecycleError(err error) error {
	switch {
	case errors.Is(err, hooks.ErrNoActiveSession), errors.Is(err, hooks.ErrSessionActive):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// Start starts the HTTP server.
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

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
