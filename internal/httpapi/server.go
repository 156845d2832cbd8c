// Package httpapi exposes the REST surface consumed by the dashboard.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"artifactd/internal/artifact"
	"artifactd/internal/dispatch"
	"artifactd/internal/store"
	logx "artifactd/pkg/logx"
)

// Config controls the HTTP listener.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Server struct {
	cfg  Config
	log  logx.Logger
	http *http.Server

	dispatch  *dispatch.Service
	artifacts *artifact.Service
	store     *store.Store
}

func New(cfg Config, disp *dispatch.Service, arts *artifact.Service, st *store.Store, log logx.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		// Downloads can stream large backups.
		cfg.WriteTimeout = 5 * time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	s := &Server{
		cfg:       cfg,
		log:       log,
		dispatch:  disp,
		artifacts: arts,
		store:     st,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	v1 := r.Group("/api/v1")
	{
		v1.GET("/healthz", s.health)
		v1.GET("/audit", s.listAudit)

		v1.POST("/schedules", s.createSchedule)
		v1.GET("/schedules", s.listSchedules)
		v1.GET("/schedules/summary", s.summary)
		v1.GET("/schedules/:id", s.getSchedule)
		v1.PUT("/schedules/:id", s.updateSchedule)
		v1.PATCH("/schedules/:id", s.updateSchedule)
		v1.DELETE("/schedules/:id", s.deleteSchedule)
		v1.POST("/schedules/:id/pause", s.pauseSchedule)
		v1.POST("/schedules/:id/resume", s.resumeSchedule)
		v1.POST("/schedules/:id/run-now", s.runNow)
		v1.GET("/schedules/:id/runs", s.listScheduleRuns)

		v1.POST("/exports", s.createExport)

		v1.GET("/runs/:id", s.getRun)
		v1.POST("/runs/:id/cancel", s.cancelRun)
		v1.GET("/runs/:id/deliveries", s.listDeliveries)

		v1.GET("/artifacts", s.listArtifacts)
		v1.GET("/artifacts/:id", s.getArtifact)
		v1.GET("/artifacts/:id/download", s.downloadArtifact)
	}

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("http listening", logx.String("addr", s.cfg.Addr))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("dur", time.Since(start)))
	}
}

// actor identifies the operator for the audit trail.
func actor(c *gin.Context) string {
	if v := c.GetHeader("X-Actor"); v != "" {
		return v
	}
	return "api"
}
