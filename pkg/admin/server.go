// Package admin serves a small local HTTP status surface for the agent.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"riptide/agent/pkg/agent"
	"riptide/agent/pkg/store"
)

type StatusSource interface {
	Snapshot() agent.Snapshot
}

type ShareLister interface {
	ListShares(ctx context.Context, userName string) ([]store.Share, error)
}

// Server exposes /healthz, /status and /shares. Bind it to loopback; it
// has no authentication.
type Server struct {
	addr   string
	status StatusSource
	shares ShareLister
	logger *log.Logger
	engine *gin.Engine
}

func New(addr string, status StatusSource, shares ShareLister, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{addr: addr, status: status, shares: shares, logger: logger}
	s.engine = s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() *gin.Engine {
	if s.logger.GetLevel() == log.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.status.Snapshot())
	})
	engine.GET("/shares", s.handleShares)
	return engine
}

func (s *Server) handleShares(c *gin.Context) {
	if s.shares == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "share listing unavailable"})
		return
	}
	shares, err := s.shares.ListShares(c.Request.Context(), c.Query("user"))
	if err != nil {
		s.logger.Error("list shares", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if shares == nil {
		shares = []store.Share{}
	}
	c.JSON(http.StatusOK, gin.H{"data": shares})
}

func (s *Server) Handler() http.Handler { return s.engine }

// Run listens on addr until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("admin: listen %s: %w", s.addr, err)
	}
	srv := &http.Server{Handler: s.engine, ReadHeaderTimeout: 5 * time.Second}
	s.logger.Info("admin server listening", "addr", ln.Addr().String())

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return fmt.Errorf("admin: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("admin shutdown", "err", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin: %w", err)
	}
	return ctx.Err()
}
