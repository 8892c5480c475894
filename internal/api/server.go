// Package api serves the read-only status API: scheduler counts,
// active sessions, provider breaker state, and queue contents.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/spawnd/spawnd/internal/common/config"
	"github.com/spawnd/spawnd/internal/common/logger"
	"github.com/spawnd/spawnd/internal/events/bus"
	"github.com/spawnd/spawnd/internal/provider"
	"github.com/spawnd/spawnd/internal/scheduler"
	"github.com/spawnd/spawnd/internal/worktree"
)

// recentEventCap bounds the in-memory ring of lifecycle events.
const recentEventCap = 100

// Server hosts the HTTP status endpoints.
type Server struct {
	cfg       config.ServerConfig
	logger    *logger.Logger
	scheduler *scheduler.Scheduler
	providers *provider.Router
	worktrees *worktree.Manager
	startedAt time.Time

	eventsMu sync.Mutex
	recent   []*bus.Event

	httpServer *http.Server
}

// NewServer builds the status API server.
func NewServer(cfg config.ServerConfig, sched *scheduler.Scheduler, providers *provider.Router, worktrees *worktree.Manager, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "status-api")),
		scheduler: sched,
		providers: providers,
		worktrees: worktrees,
		startedAt: time.Now(),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)
	v1 := r.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/sessions", s.handleSessions)
		v1.GET("/providers", s.handleProviders)
		v1.GET("/queue", s.handleQueue)
		v1.GET("/events", s.handleEvents)
	}
	return r
}

// RecordEvent appends a lifecycle event to the recent-events ring.
// Wire it to a bus subscription; old entries are evicted FIFO.
func (s *Server) RecordEvent(event *bus.Event) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	s.recent = append(s.recent, event)
	if len(s.recent) > recentEventCap {
		s.recent = s.recent[len(s.recent)-recentEventCap:]
	}
}

// Start begins serving; it returns once the listener is up.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status api server failed", zap.Error(err))
		}
	}()
	s.logger.Info("status api listening", zap.String("addr", addr))
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	active, waiting := s.scheduler.Counts()
	c.JSON(http.StatusOK, gin.H{
		"uptime_seconds":   int(time.Since(s.startedAt).Seconds()),
		"active_sessions":  active,
		"queued_sessions":  waiting,
		"active_worktrees": len(s.worktrees.Active()),
	})
}

func (s *Server) handleSessions(c *gin.Context) {
	type sessionView struct {
		IssueID      string `json:"issue_id"`
		WorktreePath string `json:"worktree_path,omitempty"`
		Branch       string `json:"branch,omitempty"`
	}
	views := make([]sessionView, 0)
	for _, issueID := range s.scheduler.ActiveList() {
		view := sessionView{IssueID: issueID}
		if wt, ok := s.worktrees.Get(issueID); ok {
			view.WorktreePath = wt.WorktreePath
			view.Branch = wt.BranchName
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

func (s *Server) handleProviders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": s.providers.Snapshots()})
}

func (s *Server) handleQueue(c *gin.Context) {
	_, waiting := s.scheduler.Counts()
	c.JSON(http.StatusOK, gin.H{"waiting": waiting})
}

func (s *Server) handleEvents(c *gin.Context) {
	s.eventsMu.Lock()
	events := make([]*bus.Event, len(s.recent))
	copy(events, s.recent)
	s.eventsMu.Unlock()
	c.JSON(http.StatusOK, gin.H{"events": events})
}
