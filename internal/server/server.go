// Package server exposes the bridge over HTTP: producer lifecycle,
// event streaming in both directions, and the exec registry.
package server

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/api/option"

	"workbridge/internal/config"
	"workbridge/internal/dispatch"
	"workbridge/internal/execreg"
	"workbridge/internal/gcsync"
	"workbridge/internal/launcher"
	"workbridge/internal/logging"
	"workbridge/internal/observability"
	"workbridge/internal/sandbox"
)

// Server owns the gin engine and the long-lived stream handlers.
type Server struct {
	cfg        *config.Config
	launcher   *launcher.Launcher
	registry   *execreg.Registry
	dispatcher *dispatch.Dispatcher
	callbacks  *dispatch.CallbackClient
	sandbox    *sandbox.Sandbox
	objects    gcsync.ObjectStore
	metrics    *observability.MetricsCollector

	engine     *gin.Engine
	httpServer *http.Server
	logger     *logging.Logger
	startTime  time.Time

	// rootCtx is cancelled on shutdown so held-open streams terminate and
	// run their final sync instead of riding out the drain timeout.
	rootCtx    context.Context
	rootCancel context.CancelFunc

	// One sync engine per work root so overlapping runs coalesce.
	engineMu sync.Mutex
	engines  map[string]*gcsync.Engine
}

// Deps carries the server's collaborators. Objects may be nil when no
// bucket is configured; sync then silently degrades to a no-op.
type Deps struct {
	Launcher   *launcher.Launcher
	Registry   *execreg.Registry
	Dispatcher *dispatch.Dispatcher
	Callbacks  *dispatch.CallbackClient
	Sandbox    *sandbox.Sandbox
	Objects    gcsync.ObjectStore
	Metrics    *observability.MetricsCollector
}

// NewServer wires the router. Debug mode is never enabled here; callers
// flip gin's mode before construction if they need it.
func NewServer(cfg *config.Config, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-User-Id", "X-Project-Id", "X-Workspace-Id", "X-Session-Id", "X-Sync-Credentials"}
	engine.Use(cors.New(corsConfig))

	s := &Server{
		cfg:        cfg,
		launcher:   deps.Launcher,
		registry:   deps.Registry,
		dispatcher: deps.Dispatcher,
		callbacks:  deps.Callbacks,
		sandbox:    deps.Sandbox,
		objects:    deps.Objects,
		metrics:    deps.Metrics,
		engine:     engine,
		logger:     logging.NewComponentLogger("Server"),
		startTime:  time.Now(),
		engines:    make(map[string]*gcsync.Engine),
	}
	s.rootCtx, s.rootCancel = context.WithCancel(context.Background())

	s.httpServer = &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: engine,
		// No global timeouts: the streaming endpoints hold their
		// connections open indefinitely.
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promclient.Handler()))

	authed := s.engine.Group("/")
	authed.Use(s.requestLog(), s.identity())

	authed.POST("/producer/start", s.handleProducerStart)
	authed.POST("/producer/stop", s.handleProducerStop)

	authed.GET("/sessions/consume", s.handleSessionsConsume)
	authed.POST("/sessions/stream", s.handleSessionsStream)

	authed.POST("/execs/register", s.handleExecRegister)
	authed.POST("/links/register", s.handleLinkRegister)
	authed.GET("/links/by-calling/:id", s.handleLinksByCalling)
	authed.GET("/links/by-triggered/:id", s.handleLinkByTriggered)
	authed.POST("/status/update", s.handleStatusUpdate)
	authed.POST("/status", s.handleStatus)
	authed.POST("/tree", s.handleTree)
}

// Handler exposes the router for httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Bridge server listening on :%s", s.cfg.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown cancels every open stream, drains connections and stops the
// launcher's exit monitors.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down bridge server")
	s.rootCancel()
	if s.launcher != nil {
		s.launcher.Shutdown()
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

// syncEngine returns the engine for one stream's work root, or nil when
// no object store is configured or the root cannot be created. A stream
// carrying its own narrowed credential gets a dedicated store and engine;
// the work root is owned by a single consumer at a time, so per-stream
// engines keep the serialization guarantee.
func (s *Server) syncEngine(c *gin.Context, scope sandbox.Scope) *gcsync.Engine {
	credential := c.GetHeader("X-Sync-Credentials")
	if s.objects == nil && (credential == "" || s.cfg.GCSBucket == "") {
		return nil
	}
	workRoot, err := s.sandbox.WorkRoot(scope)
	if err != nil {
		s.logger.Warn("Sync disabled for this stream, work root unavailable: %v", err)
		return nil
	}

	options := gcsync.Options{
		Prefix:              s.scopePrefix(scope),
		DownloadConcurrency: s.cfg.DownloadConcurrency,
		EnableUpload:        s.cfg.EnableUpload,
	}

	if credential != "" && s.cfg.GCSBucket != "" {
		store, err := gcsync.NewGCSStore(c.Request.Context(), s.cfg.GCSBucket, option.WithCredentialsJSON([]byte(credential)))
		if err != nil {
			s.logger.Warn("Per-stream object store credential rejected: %v", err)
			return nil
		}
		return gcsync.NewEngine(store, workRoot, options)
	}

	s.engineMu.Lock()
	defer s.engineMu.Unlock()
	if engine, ok := s.engines[workRoot]; ok {
		return engine
	}
	engine := gcsync.NewEngine(s.objects, workRoot, options)
	s.engines[workRoot] = engine
	return engine
}

// scopePrefix places each scope's mirror under its own remote prefix,
// matching the work-root layout so two workspaces never share objects.
func (s *Server) scopePrefix(scope sandbox.Scope) string {
	return path.Join(s.cfg.GCSPrefix, sandbox.RenderPrefix(s.cfg.WorkPrefixTemplate, scope))
}
