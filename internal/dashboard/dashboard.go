// Package dashboard serves the read-only HTTP surface: engine status,
// task list, health and metrics. It never mutates state; all writes go
// through the engine's own cycle.
package dashboard

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

	"github.com/fyrsmithlabs/autodev/internal/engine"
	"github.com/fyrsmithlabs/autodev/internal/tasks"
)

// StatusProvider exposes the engine's current state.
type StatusProvider interface {
	Status() engine.StatusSnapshot
}

// TaskSource loads the current task list.
type TaskSource interface {
	Load() (*tasks.List, error)
}

// Config configures the HTTP server.
type Config struct {
	Addr string `koanf:"addr"`
}

// ApplyDefaults fills in zero values.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8090"
	}
}

// Server is the dashboard HTTP server.
type Server struct {
	echo   *echo.Echo
	cfg    Config
	status StatusProvider
	source TaskSource
	logger *zap.Logger
}

// New creates the server. gatherer may be nil to use the default registry.
func New(cfg Config, status StatusProvider, source TaskSource, gatherer prometheus.Gatherer, logger *zap.Logger) (*Server, error) {
	cfg.ApplyDefaults()
	if status == nil {
		return nil, fmt.Errorf("dashboard: status provider is required")
	}
	if source == nil {
		return nil, fmt.Errorf("dashboard: task source is required")
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, cfg: cfg, status: status, source: source, logger: logger}

	e.GET("/healthz", s.handleHealth)
	e.GET("/status", s.handleStatus)
	e.GET("/tasks", s.handleTasks)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return s, nil
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.status.Status())
}

// taskView is the summarized task representation served to the dashboard.
type taskView struct {
	ID           int      `json:"id"`
	Description  string   `json:"description"`
	Status       string   `json:"status"`
	Type         string   `json:"type"`
	Priority     string   `json:"priority"`
	FailureCount int      `json:"failureCount,omitempty"`
	Dependencies []int    `json:"dependencies,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

func (s *Server) handleTasks(c echo.Context) error {
	list, err := s.source.Load()
	if err != nil {
		s.logger.Error("failed to load tasks for dashboard", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "task list unavailable")
	}

	views := make([]taskView, 0, len(list.Tasks))
	for _, t := range list.Tasks {
		views = append(views, taskView{
			ID:           t.ID,
			Description:  t.Description,
			Status:       string(t.Status),
			Type:         string(t.Type),
			Priority:     string(t.Priority),
			FailureCount: t.Metadata.FailureCount,
			Dependencies: t.Dependencies,
			Tags:         t.Tags,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"tasks": views,
		"total": len(views),
	})
}

// Start runs the server until the context is canceled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("dashboard listening", zap.String("addr", s.cfg.Addr))
		if err := s.echo.Start(s.cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("dashboard server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
