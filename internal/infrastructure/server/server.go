// Package server assembles the agent: store, trust set, tab host, bridge,
// orchestrator, watcher, history, and the HTTP/WebSocket API around them.
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apihttp "github.com/tccl/tabsync/internal/api/http"
	"github.com/tccl/tabsync/internal/api/middleware"
	"github.com/tccl/tabsync/internal/api/ws"
	"github.com/tccl/tabsync/internal/bridge"
	"github.com/tccl/tabsync/internal/history"
	"github.com/tccl/tabsync/internal/infrastructure/config"
	"github.com/tccl/tabsync/internal/infrastructure/logging"
	"github.com/tccl/tabsync/internal/infrastructure/monitoring"
	"github.com/tccl/tabsync/internal/infrastructure/tracing"
	"github.com/tccl/tabsync/internal/pagehost"
	"github.com/tccl/tabsync/internal/remotehost"
	"github.com/tccl/tabsync/internal/shared/types"
	"github.com/tccl/tabsync/internal/store"
	"github.com/tccl/tabsync/internal/syncer"
	"github.com/tccl/tabsync/internal/tabs"
	"github.com/tccl/tabsync/internal/trust"
	"github.com/tccl/tabsync/internal/watcher"
)

// Server wraps the HTTP server and all agent components.
type Server struct {
	router       *gin.Engine
	config       *config.Config
	logger       *logging.Logger
	metrics      *monitoring.Metrics
	tracer       *tracing.Tracer
	store        *store.Store
	trust        *trust.Store
	host         tabs.Host
	hostCloser   func()
	bridge       *bridge.Bridge
	orchestrator *syncer.Orchestrator
	watcher      *watcher.Watcher
	history      *history.Log
}

// New assembles a server from configuration.
func New(cfg *config.Config) (*Server, error) {
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stdout"},
	})
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	logger.Info("initializing tabsync agent",
		zap.String("port", cfg.Server.Port),
		zap.String("host_kind", cfg.Host.Kind),
	)

	metrics := monitoring.NewMetrics()
	tracer := tracing.New("tabsync", logger.Logger)

	st, err := store.New(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	trustStore := trust.NewStore(st)

	var (
		host       tabs.Host
		hostCloser func()
	)
	switch cfg.Host.Kind {
	case "remote":
		rh := remotehost.New(cfg.Host, logger)
		host = rh
		hostCloser = rh.Close
		logger.Info("using remote tab host", zap.String("addr", cfg.Host.Address))
	default:
		ph := pagehost.New(pagehost.DefaultConfig())
		host = ph
		hostCloser = ph.Close
		logger.Info("using in-process page host")
	}

	br := bridge.New(host, logger)
	locator := tabs.NewLocator(host, trustStore)

	orch := syncer.New(syncer.Config{
		DefaultStrategy:   types.Strategy(cfg.Sync.Strategy),
		WriteTimeout:      cfg.Sync.WriteTimeout,
		BackgroundTimeout: cfg.Sync.BackgroundTimeout,
	}, locator, trustStore, br, host, logger, metrics)

	historyLog := history.New(history.DefaultCapacity, logger, metrics)
	w := watcher.New(watcher.Config{PollInterval: cfg.Watcher.PollInterval}, st, historyLog, orch, logger, metrics)
	orch.SetGate(w)

	restorer := history.NewRestorer(historyLog, st, orch, logger, metrics)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		logger.Info("rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(cfg.RateLimit))
	}

	handlers := apihttp.NewHandlers(orch, w, trustStore, historyLog, restorer, logger)
	wsHandler := ws.NewHandler(w, trustStore, orch, logger, metrics)
	w.SetNotify(wsHandler.Broadcast)

	router.GET("/health", handlers.Health)
	router.GET("/stats", handlers.Stats)

	router.POST("/sync", handlers.TriggerSync)

	router.GET("/history", handlers.ListHistory)
	router.POST("/history/:id/restore", handlers.RestoreHistory)

	router.GET("/domains", handlers.ListDomains)
	router.POST("/domains", handlers.AddDomain)
	router.DELETE("/domains/:domain", handlers.RemoveDomain)
	router.GET("/domains/:domain/check", handlers.CheckDomain)

	router.PUT("/watcher", handlers.SetWatcherEnabled)

	router.GET("/stream", wsHandler.HandleConnection)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return &Server{
		router:       router,
		config:       cfg,
		logger:       logger,
		metrics:      metrics,
		tracer:       tracer,
		store:        st,
		trust:        trustStore,
		host:         host,
		hostCloser:   hostCloser,
		bridge:       br,
		orchestrator: orch,
		watcher:      w,
		history:      historyLog,
	}, nil
}

// Start launches the watcher poll loop.
func (s *Server) Start(ctx context.Context) error {
	return s.watcher.Start(ctx)
}

// Run starts the HTTP server and blocks.
func (s *Server) Run() error {
	addr := s.config.Server.Host + ":" + s.config.Server.Port
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Close shuts the agent down: the watcher stops first so the suspend
// fan-out below is not detected as user activity, then every trusted tab
// gets a best-effort empty payload so no page keeps stale clipboard state.
func (s *Server) Close() error {
	s.logger.Info("shutting down")
	s.watcher.Disable()
	s.watcher.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result := s.orchestrator.Propagate(ctx, types.EmptyPayload(), syncer.Options{})
	s.logger.Info("cleanup fan-out settled",
		zap.Int("synced", result.Synced),
		zap.Int("total", result.Total),
	)

	if err := s.store.Delete(types.RecordStorageKey); err != nil {
		s.logger.Warn("failed to clear record store", zap.Error(err))
	}
	if err := s.store.Delete(types.MetadataKey); err != nil {
		s.logger.Warn("failed to clear metadata store", zap.Error(err))
	}

	if s.hostCloser != nil {
		s.hostCloser()
	}
	s.tracer.Close()
	_ = s.logger.Sync()
	return nil
}
