// Package api is the HTTP control/health surface (spec.md §4.8's external
// control operations, generalized from the teacher's single gin.Default()
// health endpoint, cmd/tarsy/main.go, into the full control surface).
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/omssupervisor/singularity/pkg/mergequeue"
	"github.com/omssupervisor/singularity/pkg/registry"
	"github.com/omssupervisor/singularity/pkg/supervisor"
)

// Server is the HTTP control/health server.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	sup        *supervisor.Manager
	registry   *registry.Registry
	queue      *mergequeue.Queue
	log        *slog.Logger
	startedAt  time.Time
}

// NewServer builds a Server and registers its routes. ginMode is passed to
// gin.SetMode (e.g. "release", "debug"); empty leaves gin's default.
func NewServer(sup *supervisor.Manager, reg *registry.Registry, queue *mergequeue.Queue, ginMode string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if ginMode != "" {
		gin.SetMode(ginMode)
	}
	s := &Server{
		engine:    gin.Default(),
		sup:       sup,
		registry:  reg,
		queue:     queue,
		log:       log,
		startedAt: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)

	control := s.engine.Group("/control")
	control.POST("/start", s.handleControlStart)
	control.POST("/steer", s.handleControlSteer)
	control.POST("/interrupt", s.handleControlInterrupt)
	control.POST("/broadcast", s.handleControlBroadcast)
	control.POST("/stop", s.handleControlStop)
}

// Start runs the HTTP server on addr, blocking until it exits.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.engine}
	return s.httpServer.ListenAndServe()
}

// StartWithListener runs the HTTP server on a pre-created listener, for
// tests that want a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.engine}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
