package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/ExtensionOS/backend/internal/agent"
	apihttp "github.com/GriffinCanCode/ExtensionOS/backend/internal/api/http"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/api/middleware"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/bridge"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/clipboard"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/config"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/connection"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/download"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/events"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/logging"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/monitoring"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/runtime"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/sandbox"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/skills"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/storage"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/surface"
)

// Server wraps the HTTP server and every host-side collaborator.
type Server struct {
	cfg     *config.Config
	log     *logging.Logger
	router  *gin.Engine
	http    *http.Server
	manager *runtime.Manager
	hub     *surface.Hub
	bus     *events.Bus
}

// NewServer builds the full host: stores, event bus, surface hub, outbound
// bridge, sandbox factory and the HTTP API on top of them.
func NewServer(cfg *config.Config, log *logging.Logger) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logging.NewDefault()
	}

	metrics := monitoring.NewMetrics()

	// Hub and surface manager reference each other: the hub replays the
	// manager's snapshot to fresh clients, the manager broadcasts through
	// the hub. The snapshot closure breaks the cycle.
	var surfaces *surface.Manager
	hub := surface.NewHub(func() []surface.Update { return surfaces.Snapshot() }, metrics, log)
	surfaces = surface.NewManager(hub)

	store, err := storage.NewStore(cfg.Data.StorageDir)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	skillStore, err := skills.NewStore(cfg.Data.SkillsDir)
	if err != nil {
		return nil, fmt.Errorf("open skills: %w", err)
	}
	downloads, err := download.New(cfg.Data.DownloadsDir, cfg.Bridge.Timeout)
	if err != nil {
		return nil, fmt.Errorf("open downloads: %w", err)
	}

	connections := connection.NewStore(cfg.Connections.SecretKey)
	if cfg.Connections.RegistryFile != "" {
		if err := connection.SeedStore(connections, cfg.Connections.RegistryFile); err != nil {
			log.Warn("connection registry seed failed", zap.Error(err))
		}
	}

	fetcher := bridge.New(connections, bridge.Config{
		Timeout:           cfg.Bridge.Timeout,
		RequestsPerSecond: cfg.Bridge.RequestsPerSecond,
		Burst:             cfg.Bridge.Burst,
		RetryCount:        cfg.Bridge.Retries,
	}, metrics, log)

	bus := events.NewBus()

	manager := runtime.NewManager(runtime.Deps{
		Factory: func(instanceID, source string) (runtime.Realm, error) {
			return sandbox.New(sandbox.Config{
				InstanceID:  instanceID,
				Source:      source,
				ExecTimeout: cfg.Sandbox.ExecTimeout,
			}, log)
		},
		Surfaces:    surfaces,
		Events:      bus,
		Storage:     store,
		Skills:      skillStore,
		Agent:       agent.NewLogController(log),
		Completer: agent.NewOpenAICompleter(agent.CompleterConfig{
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			APIKey:  cfg.LLM.APIKey,
		}),
		Clipboard:   clipboard.NewMemory(),
		Bridge:      fetcher,
		Connections: connections,
		Downloads:   downloads,
		Metrics:     metrics,
		Log:         log,

		ReadyTimeout:   cfg.Sandbox.ReadyTimeout,
		RequestTimeout: cfg.Sandbox.RequestTimeout,
	})

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	handlers := apihttp.NewHandlers(manager, hub, log)

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Extension lifecycle
	router.POST("/extensions", handlers.LaunchExtension)
	router.GET("/extensions", handlers.ListExtensions)
	router.GET("/extensions/:id", handlers.GetExtension)
	router.DELETE("/extensions/:id", handlers.DisposeExtension)

	// Invocation
	router.POST("/extensions/:id/actions", handlers.HandleAction)
	router.POST("/extensions/:id/commands/:name", handlers.InvokeCommand)
	router.POST("/extensions/:id/tools/:name", handlers.InvokeTool)

	// Surface stream
	router.GET("/ws", handlers.Stream)

	return &Server{
		cfg:     cfg,
		log:     log.Named("server"),
		router:  router,
		manager: manager,
		hub:     hub,
		bus:     bus,
	}, nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine { return s.router }

// Manager exposes the runtime manager for tests.
func (s *Server) Manager() *runtime.Manager { return s.manager }

// Run starts the server and blocks until the listener fails or Shutdown
// is called.
func (s *Server) Run() error {
	addr := s.cfg.Server.Host + ":" + s.cfg.Server.Port
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("listening", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, then disposes every running
// extension gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}
	s.manager.DisposeAll(true)
	return err
}
