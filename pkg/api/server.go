// Package api exposes the admin HTTP surface: grant submission, workflow
// inspection, agent health, stats, Prometheus metrics, and the WebSocket
// event stream.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/grantmesh/grantmesh/pkg/orchestrator"
)

// shutdownTimeout bounds the HTTP server drain on shutdown.
const shutdownTimeout = 10 * time.Second

// Server is the admin API over a running orchestrator.
type Server struct {
	orch     *orchestrator.Orchestrator
	stream   *StreamManager
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// NewServer creates an API server. The gatherer may be nil to disable the
// metrics endpoint; the stream may be nil to disable /ws.
func NewServer(orch *orchestrator.Orchestrator, stream *StreamManager, gatherer prometheus.Gatherer) *Server {
	return &Server{
		orch:     orch,
		stream:   stream,
		gatherer: gatherer,
		logger:   slog.With("component", "api"),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	v1 := r.Group("/api/v1")
	{
		v1.POST("/grants", s.CreateGrant)
		v1.GET("/grants", s.ListGrants)
		v1.GET("/grants/:id", s.GetGrant)
		v1.GET("/grants/:id/messages", s.GetGrantMessages)

		v1.GET("/workflows", s.ListWorkflows)
		v1.GET("/workflows/:id", s.GetWorkflow)
		v1.POST("/workflows/:id/abort", s.AbortWorkflow)

		v1.GET("/agents", s.ListAgents)
		v1.GET("/agents/health", s.AgentsHealth)
		v1.GET("/agents/health/:type", s.AgentHealthByType)

		v1.GET("/messages/:id", s.GetMessage)
		v1.GET("/stats", s.GetStats)
		v1.GET("/health", s.Health)
	}

	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	if s.stream != nil {
		r.GET("/ws", s.handleWebSocket)
	}
	return r
}

// Run serves the API until the context is cancelled, then drains.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("API server stopped")
	return nil
}

// handleWebSocket upgrades to WebSocket and hands the connection to the
// stream manager. Blocks until the client disconnects.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := websocketAccept(c)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	s.stream.HandleConnection(c.Request.Context(), conn)
}

// requestLogger logs one line per request.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("Request handled",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
