// Package server exposes the status snapshot and start/stop control over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/tiroq/osmolapse/internal/ipc"
	"github.com/tiroq/osmolapse/internal/timelapse"
)

// Controller is what the API drives.
type Controller interface {
	Handle(cmd ipc.Command) (string, error)
	Snapshot() ipc.StatusSnapshot
}

// CommandResponse is the body of the control endpoints.
type CommandResponse struct {
	Running   bool      `json:"running"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Server is the HTTP control API.
type Server struct {
	ctl        Controller
	log        zerolog.Logger
	engine     *gin.Engine
	httpServer *http.Server
}

// New creates a server listening on addr.
func New(addr string, ctl Controller, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		ctl:    ctl,
		log:    log,
		engine: engine,
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      engine,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)

	api := s.engine.Group("/api")
	api.GET("/status", s.handleStatus)
	api.POST("/timelapse/start", s.handleCommand(ipc.CmdStart))
	api.POST("/timelapse/stop", s.handleCommand(ipc.CmdStop))
}

// Handler returns the routes for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctl.Snapshot())
}

func (s *Server) handleCommand(cmd ipc.Command) gin.HandlerFunc {
	return func(c *gin.Context) {
		msg, err := s.ctl.Handle(cmd)
		resp := CommandResponse{
			Running:   s.ctl.Snapshot().Timelapse.Running,
			Message:   msg,
			Timestamp: time.Now(),
		}

		code := http.StatusOK
		switch {
		case err == nil:
		case errors.Is(err, timelapse.ErrAlreadyRunning), errors.Is(err, timelapse.ErrNotRunning):
			// Start and stop are idempotent.
		case errors.Is(err, timelapse.ErrLinkNotReady):
			code = http.StatusConflict
			resp.Error = err.Error()
		default:
			code = http.StatusInternalServerError
			resp.Error = err.Error()
		}

		s.log.Info().Str("command", string(cmd)).Int("code", code).Str("client", c.ClientIP()).Msg("http command")
		c.JSON(code, resp)
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	s.log.Info().Str("addr", ln.Addr().String()).Msg("http api listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
