// Package api serves the agent's status endpoints and the tab websocket.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/labwall/labwall/internal/alert"
	"github.com/labwall/labwall/internal/logging"
	"github.com/labwall/labwall/internal/version"
	"github.com/rs/zerolog"
)

// Manager is the part of the alert manager the API reads and drives.
type Manager interface {
	Snapshot(ctx context.Context) (active, dismissed alert.Set, err error)
	Reconcile(ctx context.Context)
	Passes() (uint64, time.Time)
	AttachedCount() int
	PollInterval() time.Duration
	Watching() bool
}

// Tabs is the websocket hub.
type Tabs interface {
	Count() int
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// Server provides HTTP API endpoints
type Server struct {
	manager   Manager
	tabs      Tabs
	logger    zerolog.Logger
	addr      string
	startTime time.Time
	engine    *gin.Engine

	mu        sync.Mutex
	httpSrv   *http.Server
	logBuffer *logging.Buffer
}

// NewServer creates a new API server
func NewServer(mgr Manager, tabs Tabs, logger zerolog.Logger, addr string) *Server {
	s := &Server{
		manager:   mgr,
		tabs:      tabs,
		logger:    logger.With().Str("component", "api").Logger(),
		addr:      addr,
		startTime: time.Now(),
	}
	s.engine = s.routes()
	return s
}

// SetLogBuffer sets the buffer served by /api/logs
func (s *Server) SetLogBuffer(lb *logging.Buffer) {
	s.mu.Lock()
	s.logBuffer = lb
	s.mu.Unlock()
}

// Handler returns the router
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.logger))

	r.GET("/health", s.handleHealth)
	r.GET("/status", s.handleStatus)
	r.GET("/alerts", s.handleAlerts)
	r.GET("/ws", gin.WrapF(s.tabs.ServeWS))

	api := r.Group("/api")
	{
		api.GET("/logs", s.handleLogs)
		api.POST("/reconcile", s.handleReconcile)
	}
	return r
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()

	s.logger.Info().
		Str("address", s.addr).
		Msg("Starting API server")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("Request")
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	passes, last := s.manager.Passes()
	status := gin.H{
		"time":             time.Now().UTC().Format(time.RFC3339),
		"uptime":           time.Since(s.startTime).Round(time.Second).String(),
		"version":          version.Get(),
		"poll_interval":    s.manager.PollInterval().String(),
		"watching":         s.manager.Watching(),
		"passes":           passes,
		"tabs":             s.tabs.Count(),
		"attached_banners": s.manager.AttachedCount(),
	}
	if !last.IsZero() {
		status["last_pass"] = last.UTC().Format(time.RFC3339)
	}

	active, dismissed, err := s.manager.Snapshot(c.Request.Context())
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to read alert sets for status")
		status["store_error"] = err.Error()
	} else {
		status["active_alerts"] = len(active)
		status["dismissed_alerts"] = len(dismissed)
	}

	c.JSON(http.StatusOK, status)
}

type alertJSON struct {
	ID string `json:"id"`
	alert.Wire
}

func listAlerts(set alert.Set) []alertJSON {
	records, _ := set.Records()
	out := make([]alertJSON, 0, len(records))
	for _, r := range records {
		out = append(out, alertJSON{ID: r.ID(), Wire: r.Wire()})
	}
	return out
}

func (s *Server) handleAlerts(c *gin.Context) {
	active, dismissed, err := s.manager.Snapshot(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read alert sets")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "alert store unavailable"})
		return
	}

	list := listAlerts(active)
	c.JSON(http.StatusOK, gin.H{
		"alerts":    list,
		"dismissed": listAlerts(dismissed),
		"count":     len(list),
	})
}

func (s *Server) handleLogs(c *gin.Context) {
	limit := 200
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	floor := zerolog.TraceLevel
	if v := c.Query("level"); v != "" {
		lvl, err := zerolog.ParseLevel(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid level"})
			return
		}
		floor = lvl
	}

	s.mu.Lock()
	lb := s.logBuffer
	s.mu.Unlock()

	entries := []logging.Entry{}
	if lb != nil {
		entries = lb.Recent(limit, floor)
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// handleReconcile runs a pass now instead of waiting for the next tick
func (s *Server) handleReconcile(c *gin.Context) {
	s.manager.Reconcile(c.Request.Context())
	passes, _ := s.manager.Passes()
	s.logger.Info().
		Uint64("passes", passes).
		Msg("Manual reconciliation requested")
	c.JSON(http.StatusAccepted, gin.H{"passes": passes})
}
