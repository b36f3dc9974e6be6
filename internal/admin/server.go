// Package admin serves the HTTP admin surface of a running topology:
// health, the registered topology and Prometheus metrics.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glimte/mmate-topology/health"
	"github.com/glimte/mmate-topology/topology"
)

// Describer reports the registered topology
type Describer interface {
	Describe() topology.Description
}

// Server is the admin HTTP server
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	health     *health.Registry
	topology   Describer
	timeout    time.Duration
	logger     *slog.Logger
}

// New builds the server. gatherer may be nil to leave /metrics out.
func New(addr string, registry *health.Registry, describer Describer, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	r := gin.New()
	s := &Server{
		engine:   r,
		health:   registry,
		topology: describer,
		timeout:  5 * time.Second,
		logger:   logger,
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	r.Use(gin.Recovery(), requestID(), s.requestLogger())
	r.GET("/health", s.getHealth)
	r.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	})
	r.GET("/topology", s.getTopology)
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		})))
	}

	return s
}

// Engine returns the underlying gin engine
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start serves in the background. The returned channel receives a serve
// error, if any, and is closed when serving stops.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin server: %w", err)
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown stops the server, waiting for active requests until ctx ends
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) getHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
	defer cancel()

	result := s.health.Check(ctx)
	status := http.StatusOK
	if result.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, result)
}

func (s *Server) getTopology(c *gin.Context) {
	c.JSON(http.StatusOK, s.topology.Describe())
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Writer.Header().Set("X-Request-ID", id)
		c.Set("request_id", id)
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("admin request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"requestId", c.GetString("request_id"))
	}
}
