// Package api is the Control API (C7): a gin router exposing the REST
// contract in the component design plus the Telemetry Bus's /ws endpoint.
// Grounded on the teacher's internal/api/server/server.go (gin.Engine +
// gin-contrib/cors setup) and internal/api/middleware/auth.go (JWT bearer
// parsing via github.com/golang-jwt/jwt/v5), simplified from the teacher's
// role-based auth to a single operator shared secret — this relay has one
// operator persona, not a station roster of admins/DJs/managers.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"relaycaster/internal/config"
	"relaycaster/internal/ingest"
	"relaycaster/internal/metrics"
	"relaycaster/internal/registry"
	"relaycaster/internal/relay"
	"relaycaster/internal/telemetry"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// Server is the Control API component.
type Server struct {
	registry.Base

	cfg        *config.Store
	configPath string
	supervisor *relay.Supervisor
	ing        *ingest.Ingest
	bus        *telemetry.Bus
	metrics    *metrics.Metrics
	logger     *slog.Logger

	operatorSecret string
	listenAddr     string

	router     *gin.Engine
	httpServer *http.Server

	platformsCache *platformsCache
}

type Options struct {
	ConfigStore    *config.Store
	ConfigPath     string
	Supervisor     *relay.Supervisor
	Ingest         *ingest.Ingest
	Bus            *telemetry.Bus
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
	OperatorSecret string
	ListenAddr     string
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:            opts.ConfigStore,
		configPath:     opts.ConfigPath,
		supervisor:     opts.Supervisor,
		ing:            opts.Ingest,
		bus:            opts.Bus,
		metrics:        opts.Metrics,
		logger:         logger,
		operatorSecret: opts.OperatorSecret,
		listenAddr:     opts.ListenAddr,
		platformsCache: newPlatformsCache(1 * time.Second),
	}

	s.router = gin.New()
	// Match routes on the escaped path so an id carrying an encoded "/"
	// still lands on the :id route and is rejected by requireValidID.
	s.router.UseRawPath = true
	s.router.Use(gin.Recovery())
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	s.router.Use(cors.New(corsConfig))
	s.router.Use(rateLimitMiddleware())
	s.router.Use(compressionMiddleware())
	s.router.Use(s.metricsMiddleware())
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws", func(c *gin.Context) { s.bus.ServeHTTP(c.Writer, c.Request) })
	if s.metrics != nil {
		s.router.GET("/metrics", func(c *gin.Context) { s.metrics.Handler(nil).ServeHTTP(c.Writer, c.Request) })
	}

	api := s.router.Group("/api")
	{
		api.GET("/stream/status", s.handleStreamStatus)
		api.GET("/platforms", s.handlePlatformsList)
		api.GET("/config", s.handleConfigGet)

		mutating := api.Group("")
		mutating.Use(s.requireOperatorToken())
		{
			mutating.POST("/stream/start", s.handleStreamStartAll)
			mutating.POST("/stream/stop", s.handleStreamStopAll)
			mutating.POST("/stream/connect", s.handleIngestConnect)
			mutating.POST("/stream/disconnect", s.handleIngestDisconnect)
			mutating.POST("/platforms/:id/connect", s.requireValidID(), s.handlePlatformConnect)
			mutating.POST("/platforms/:id/disconnect", s.requireValidID(), s.handlePlatformDisconnect)
			mutating.POST("/config", s.handleConfigPost)
		}
	}
}

// Handler exposes the underlying router, e.g. for tests using httptest.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Initialize(ctx context.Context) error {
	if err := s.Transition(registry.Initializing); err != nil {
		return err
	}
	return s.Transition(registry.Initialized)
}

func (s *Server) Activate(ctx context.Context) error {
	if err := s.Transition(registry.Activating); err != nil {
		return err
	}
	s.httpServer = &http.Server{Addr: s.listenAddr, Handler: s.router}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("control api listener stopped", "error", err)
		}
	}()
	return s.Transition(registry.Active)
}

func (s *Server) Deactivate(ctx context.Context) error {
	if err := s.Transition(registry.Deactivating); err != nil {
		return err
	}
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}
	return s.Transition(registry.Deactivated)
}

func (s *Server) Destroy(ctx context.Context) error {
	if err := s.Transition(registry.Destroying); err != nil {
		return err
	}
	return s.Transition(registry.Destroyed)
}
