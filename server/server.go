// Package server wires the registry engine to its HTTP surface: the pub
// client protocol (package info, the three-step publish flow, archive
// downloads) plus health. Every handler maps 1:1 onto an engine operation;
// no domain logic lives here.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pubkeep/pubkeep/engine/auth"
	"github.com/pubkeep/pubkeep/engine/blob"
	"github.com/pubkeep/pubkeep/engine/packages"
	"github.com/pubkeep/pubkeep/engine/publish"
	"github.com/pubkeep/pubkeep/engine/upstream"
	"github.com/pubkeep/pubkeep/pkg/config"
	"github.com/pubkeep/pubkeep/pkg/logger"
)

// Deps bundles everything the HTTP layer serves. Upstream is nil when
// mirroring is disabled.
type Deps struct {
	Config     *config.Config
	Auth       *auth.Service
	Publish    *publish.Service
	Packages   *packages.Service
	Upstream   *upstream.Service
	Blobs      blob.Store
	CacheBlobs blob.Store
}

// Server is the registry HTTP front end.
type Server struct {
	deps   Deps
	log    logger.Logger
	router *gin.Engine
}

func New(deps Deps, log logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	s := &Server{deps: deps, log: log}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.loggerMiddleware())
	router.Use(s.authMiddleware())

	router.GET("/healthz", s.handleHealth)

	api := router.Group("/api")
	{
		api.GET("/packages", s.handleListPackages)
		api.GET("/packages/versions/new", requireAuth(), s.handleNewVersion)
		api.POST("/packages/versions/newupload/:session", requireAuth(), s.handleUpload)
		api.GET("/packages/versions/newuploadfinish/:session", requireAuth(), s.handleFinalize)
		api.GET("/packages/:name", s.handlePackageInfo)
		api.GET("/archives/cache/:name/:version", s.handleCacheDownload)
	}
	router.GET("/archives/*key", s.handleDownload)
	return router
}

// Run serves until the context is canceled or a termination signal
// arrives, then drains with a bounded grace period. The sweep ticker for
// upload and browser sessions runs alongside; it is hygiene only, expiry
// is also enforced at read time.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.deps.Config.Server.Host, s.deps.Config.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sweepCtx, cancelSweep := context.WithCancel(logger.ContextWithLogger(ctx, s.log))
	defer cancelSweep()
	go s.runSweeper(sweepCtx)

	select {
	case err := <-errCh:
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("draining server: %w", err)
	}
	return nil
}

func (s *Server) runSweeper(ctx context.Context) {
	interval := s.deps.Config.Publish.SweepInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.deps.Publish.Sweep(ctx); err != nil {
				s.log.Warn("upload session sweep failed", "error", err)
			}
			if _, err := s.deps.Auth.SweepSessions(ctx); err != nil {
				s.log.Warn("browser session sweep failed", "error", err)
			}
		}
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
