// Package api serves the local HTTP interface of the agent: health, Prometheus
// metrics, and start requests for whitelisted services.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stone-age-io/svcstart/internal/config"
	"github.com/stone-age-io/svcstart/internal/tasks"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// Server is the gin-backed HTTP API
type Server struct {
	engine   *gin.Engine
	logger   *zap.Logger
	executor *tasks.Executor
	live     *config.Live
	version  string
}

type healthResponse struct {
	Status       string                   `json:"status"`
	Version      string                   `json:"version"`
	AgentMetrics *tasks.AgentMetrics      `json:"agent_metrics"`
	TaskMetrics  *tasks.TaskHealthMetrics `json:"task_metrics"`
	Timestamp    string                   `json:"timestamp"`
}

type errorResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id,omitempty"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// New builds the router
func New(logger *zap.Logger, executor *tasks.Executor, live *config.Live, version string) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		engine:   gin.New(),
		logger:   logger,
		executor: executor,
		live:     live,
		version:  version,
	}

	s.engine.Use(gin.Recovery(), s.requestLogger())

	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
		executor.Metrics().Registry(),
		promhttp.HandlerOpts{ErrorLog: zap.NewStdLog(logger)},
	)))

	v1 := s.engine.Group("/v1")
	v1.POST("/services/:name/start", s.handleStart)

	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP API listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP API shutdown error", zap.Error(err))
		return err
	}
	s.logger.Info("HTTP API stopped")
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status:       "healthy",
		Version:      s.version,
		AgentMetrics: s.executor.GetAgentMetrics(),
		TaskMetrics:  s.executor.GetTaskMetrics(),
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStart maps outcomes onto status codes: 200 for Info and Warning,
// 409 for Error, 403 outside the allow list, 400 for bad input.
func (s *Server) handleStart(c *gin.Context) {
	requestID := uuid.NewString()
	c.Header("X-Request-ID", requestID)

	// An empty body means "use the configured defaults"
	var sr tasks.StartRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&sr); err != nil && !errors.Is(err, io.EOF) {
			s.executor.RecordCommandError(err)
			s.abort(c, http.StatusBadRequest, requestID, "Invalid request format")
			return
		}
	}
	sr.ServiceName = c.Param("name")

	cfg := s.live.Config()
	req, err := sr.Resolve(cfg.Start)
	if err != nil {
		s.executor.RecordCommandError(err)
		s.abort(c, http.StatusBadRequest, requestID, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.Commands.Timeout)
	defer cancel()

	outcome, err := s.executor.StartService(ctx, req, s.live.AllowedServices())
	if errors.Is(err, tasks.ErrServiceNotAllowed) {
		s.abort(c, http.StatusForbidden, requestID, err.Error())
		return
	}
	if err != nil {
		s.abort(c, http.StatusInternalServerError, requestID, err.Error())
		return
	}

	status := http.StatusOK
	if !outcome.Succeeded() {
		status = http.StatusConflict
	}
	c.JSON(status, tasks.NewStartResponse(requestID, outcome))
}

func (s *Server) abort(c *gin.Context, code int, requestID, msg string) {
	c.AbortWithStatusJSON(code, errorResponse{
		Status:    "error",
		RequestID: requestID,
		Error:     msg,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// requestLogger logs each request through zap
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client", c.ClientIP()))
	}
}
