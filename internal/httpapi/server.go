// Package httpapi exposes a small operational HTTP surface: liveness,
// readiness and a status snapshot of the tables, timers and notifier.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"streambot/internal/notify"
	"streambot/internal/rotation"
	"streambot/internal/timers"
	"streambot/pkg/logx"
)

type Config struct {
	Addr string
}

type Server struct {
	log    logx.Logger
	srv    *http.Server
	tables *rotation.Tables
	reg    *timers.Registry
	notes  *notify.Service

	started time.Time
	ready   func() bool
}

// New builds the server. ready reports whether the bot finished startup;
// nil means always ready.
func New(cfg Config, tables *rotation.Tables, reg *timers.Registry, notes *notify.Service, ready func() bool, log logx.Logger) *Server {
	s := &Server{
		log:     log,
		tables:  tables,
		reg:     reg,
		notes:   notes,
		started: time.Now(),
		ready:   ready,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/health", s.handleHealth)
	r.GET("/ready", s.handleReady)
	r.GET("/status", s.handleStatus)

	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		s.log.Info("http api listening", logx.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http api failed", logx.Err(err))
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "streambot",
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleReady(c *gin.Context) {
	if s.ready != nil && !s.ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"tables":   s.tables.Stats(),
		"timers":   s.reg.Snapshot(),
		"notifier": s.notes.Stats(),
		"uptime":   time.Since(s.started).Round(time.Second).String(),
	})
}
