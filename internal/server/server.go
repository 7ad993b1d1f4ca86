// Package server provides the HTTP control plane for the xsknet service.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/penguintechinc/xsknet/internal/config"
	"github.com/penguintechinc/xsknet/internal/metrics"
	"github.com/penguintechinc/xsknet/internal/xdp"
)

// Server represents the HTTP server.
type Server struct {
	config     *config.Config
	router     *gin.Engine
	httpServer *http.Server
	handlers   *Handlers
	metrics    *metrics.Metrics
	device     *xdp.XDPSocket
}

// NewServer creates a new HTTP server instance. device may be nil when
// the datapath is disabled; the status surface then reports that.
func NewServer(cfg *config.Config, device *xdp.XDPSocket) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	m := metrics.NewMetrics("xsknet")

	router.Use(loggingMiddleware())
	router.Use(metricsMiddleware(m))

	handlers := NewHandlers("1.0.0", device, cfg)

	server := &Server{
		config:   cfg,
		router:   router,
		handlers: handlers,
		metrics:  m,
		device:   device,
	}

	server.registerRoutes()

	return server, nil
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handlers.HealthCheck)
	s.router.GET("/readyz", s.handlers.ReadinessCheck)

	if s.config.MetricsEnabled {
		s.router.GET("/metrics", s.systemStatsRefresh(), gin.WrapH(promhttp.Handler()))
	}

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.handlers.Status)
		v1.GET("/xsk/stats", s.handlers.XSKStats)
		v1.GET("/numa/info", s.handlers.NUMAInfo)
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.ServerHost, s.config.ServerPort)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server. The device is closed by
// its owner, not here.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// loggingMiddleware provides request logging.
func loggingMiddleware() gin.HandlerFunc {
	return gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/readyz", "/metrics"},
	})
}

// systemStatsRefresh updates runtime gauges just before a scrape.
func (s *Server) systemStatsRefresh() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.metrics.UpdateSystemStats()
		c.Next()
	}
}

// metricsMiddleware records request metrics.
func metricsMiddleware(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		m.HTTPActiveRequests.Inc()

		c.Next()

		m.HTTPActiveRequests.Dec()
		m.RecordHTTPRequest(
			c.Request.Method,
			c.FullPath(),
			fmt.Sprintf("%d", c.Writer.Status()),
			time.Since(start).Seconds(),
		)
	}
}
