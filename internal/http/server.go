// Package http provides the txcore admin HTTP API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/txcore/internal/logging"
	"github.com/fyrsmithlabs/txcore/internal/recovery"
	"github.com/fyrsmithlabs/txcore/internal/txmanager"
)

// Runtime is the part of the service registry the admin API reads.
type Runtime interface {
	IsTransactionManagerRunning() bool
	IsTaskSchedulerRunning() bool
	TransactionManager() *txmanager.TransactionManager
	Recoverer() *recovery.Recoverer
}

// Server provides the admin HTTP endpoints.
type Server struct {
	echo     *echo.Echo
	runtime  Runtime
	gatherer prometheus.Gatherer
	logger   *logging.Logger
	config   *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string
}

// NewServer creates a new admin server. Metrics are served from gatherer.
func NewServer(runtime Runtime, gatherer prometheus.Gatherer, logger *logging.Logger, cfg *Config) (*Server, error) {
	if runtime == nil {
		return nil, errors.New("runtime cannot be nil")
	}
	if gatherer == nil {
		return nil, errors.New("gatherer cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9797,
		}
	}
	logger = logger.Named("http")

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

			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:     e,
		runtime:  runtime,
		gatherer: gatherer,
		logger:   logger,
		config:   cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
}

// handleHealth reports liveness without building any service.
func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{
		Status:             "ok",
		TransactionManager: s.runtime.IsTransactionManagerRunning(),
		TaskScheduler:      s.runtime.IsTaskSchedulerRunning(),
	}
	if !resp.TransactionManager {
		resp.Status = "unavailable"
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStatus(c echo.Context) error {
	resp := StatusResponse{Status: "unavailable", Version: s.config.Version}
	if !s.runtime.IsTransactionManagerRunning() {
		return c.JSON(http.StatusServiceUnavailable, resp)
	}

	tm := s.runtime.TransactionManager()
	stats := tm.Stats()
	resp.Transactions = TransactionsStatus{
		Running:    tm.IsRunning(),
		InFlight:   stats.InFlight,
		Begun:      stats.Begun,
		Committed:  stats.Committed,
		RolledBack: stats.RolledBack,
	}
	if resp.Transactions.Running {
		resp.Status = "ok"
	}

	rec := s.runtime.Recoverer()
	rs := &RecoveryStatus{
		InProgress: rec.IsRunning(),
		Executions: rec.ExecutionsCount(),
		Committed:  rec.CommittedCount(),
		RolledBack: rec.RolledbackCount(),
	}
	if last := rec.LastRunTime(); !last.IsZero() {
		rs.LastRun = &last
	}
	if err := rec.LastError(); err != nil {
		rs.LastError = err.Error()
	}
	resp.Recovery = rs

	return c.JSON(http.StatusOK, resp)
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// Start serves until Shutdown. It returns http.ErrServerClosed after a
// clean shutdown.
func (s *Server) Start() error {
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", s.Addr()))
	return s.echo.Start(s.Addr())
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
