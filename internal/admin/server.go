// Package admin serves the read-mostly HTTP surface of a collabd node.
package admin

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/danmuck/collabd/internal/auth"
	"github.com/danmuck/collabd/internal/collab"
	logs "github.com/danmuck/collabd/internal/logging"
	"github.com/danmuck/collabd/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const version = "0.1.0"

// Sessions is the registry view the admin surface needs.
type Sessions interface {
	Sessions() []collab.Snapshot
	Session(token string) (*collab.Session, bool)
	Retired(token string) bool
	NotifyCloseCollabSession(token string) error
}

type Config struct {
	NodeID      string
	Addr        string
	CORSOrigins []string
	// AdminToken guards mutating routes; empty leaves them open.
	AdminToken string
}

type Server struct {
	cfg      Config
	sessions Sessions
	router   *gin.Engine
	started  time.Time
	ready    atomic.Bool
}

func New(cfg Config, sessions Sessions) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.ComponentLogger("admin")))
	r.Use(observability.RequestMetrics(cfg.NodeID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization", observability.RequestIDHeader},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{cfg: cfg, sessions: sessions, router: r, started: time.Now()}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// SetReady flips /ready once the transport is accepting peers.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"node":    s.cfg.NodeID,
			"version": version,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		if !s.ready.Load() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   s.ready.Load(),
			"uptime":  time.Since(s.started).String(),
			"node":    s.cfg.NodeID,
			"version": version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/sessions", func(c *gin.Context) {
		list := s.sessions.Sessions()
		c.JSON(http.StatusOK, gin.H{
			"count":    len(list),
			"sessions": list,
		})
	})

	s.router.GET("/sessions/:token", func(c *gin.Context) {
		token := c.Param("token")
		sess, ok := s.sessions.Session(token)
		if !ok {
			status := http.StatusNotFound
			if s.sessions.Retired(token) {
				status = http.StatusGone
			}
			c.JSON(status, gin.H{"error": "session not found", "token": token})
			return
		}
		c.JSON(http.StatusOK, sess.Snapshot())
	})

	var guard auth.Validator
	if s.cfg.AdminToken != "" {
		guard = auth.StaticToken{Token: s.cfg.AdminToken}
	}
	s.router.POST("/sessions/:token/close", auth.RequireBearer(guard), func(c *gin.Context) {
		token := c.Param("token")
		err := s.sessions.NotifyCloseCollabSession(token)
		switch {
		case err == nil:
			c.JSON(http.StatusAccepted, gin.H{"status": "closing", "token": token})
		case errors.Is(err, collab.ErrTokenRetired):
			_ = c.Error(err)
			c.JSON(http.StatusGone, gin.H{"error": err.Error()})
		case errors.Is(err, collab.ErrUnknownSession):
			_ = c.Error(err)
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			_ = c.Error(err)
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		}
	})
}

// Serve listens on the configured address until ctx ends, then shuts down
// with a short grace period.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logs.Infof("admin.Server listening addr=%q node=%q", s.cfg.Addr, s.cfg.NodeID)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logs.Infof("admin.Server stopped node=%q", s.cfg.NodeID)
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
