package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/taskflow/agent"
	"github.com/BaSui01/taskflow/api/handlers"
	"github.com/BaSui01/taskflow/config"
	"github.com/BaSui01/taskflow/engine"
	"github.com/BaSui01/taskflow/internal/database"
	"github.com/BaSui01/taskflow/internal/metrics"
	"github.com/BaSui01/taskflow/internal/server"
	"github.com/BaSui01/taskflow/internal/telemetry"
	"github.com/BaSui01/taskflow/store"
	"github.com/BaSui01/taskflow/workflow"
)

// Server assembles and runs the coordinator: store, runtime, registry,
// command surface, and the separate metrics listener.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	httpManager    *server.Manager
	metricsManager *server.Manager

	collector *metrics.Collector
	providers *telemetry.Providers

	instances store.InstanceStore
	dbPool    *database.PoolManager
	history   *store.HistoryStore

	runtime  *engine.LocalRuntime
	registry *agent.Registry

	rateLimiterCancel context.CancelFunc
}

// NewServer creates an unstarted server.
func NewServer(cfg *config.Config, logger *zap.Logger, providers *telemetry.Providers) *Server {
	return &Server{
		cfg:       cfg,
		logger:    logger,
		providers: providers,
	}
}

// Start brings up the store, the runtime with crash recovery, and both
// listeners.
func (s *Server) Start() error {
	s.collector = metrics.NewCollector("taskflow", s.logger)

	if err := s.initStore(); err != nil {
		return fmt.Errorf("failed to init store: %w", err)
	}
	if err := s.initHistory(); err != nil {
		return fmt.Errorf("failed to init history: %w", err)
	}
	s.initRuntime()

	if s.cfg.Workflow.Recovery {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		// Sessions must re-own their in-flight instances before the
		// runtime relaunches them, or the recovered runs' callbacks
		// fail the stale-instance guard.
		if adopted, err := s.registry.Rehydrate(ctx, s.instances); err != nil {
			s.logger.Warn("session rehydration failed", zap.Error(err))
		} else if adopted > 0 {
			s.logger.Info("sessions rehydrated", zap.Int("count", adopted))
		}
		recovered, err := s.runtime.Recover(ctx)
		cancel()
		if err != nil {
			s.logger.Warn("instance recovery failed", zap.Error(err))
		} else if recovered > 0 {
			s.logger.Info("recovered suspended instances", zap.Int("count", recovered))
		}
	}

	// Both listeners bind concurrently; either failure aborts startup.
	var g errgroup.Group
	g.Go(s.startHTTPServer)
	g.Go(s.startMetricsServer)
	if err := g.Wait(); err != nil {
		return err
	}

	s.logger.Info("all servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("store", s.cfg.Store.Type),
		zap.Bool("history", s.history != nil),
	)
	return nil
}

func (s *Server) initStore() error {
	st, err := store.NewInstanceStore(storeConfigFrom(s.cfg.Store))
	if err != nil {
		return err
	}
	s.instances = st
	return nil
}

// initHistory opens the run-history database when one is configured. The
// coordinator runs without history otherwise.
func (s *Server) initHistory() error {
	if !s.cfg.HistoryEnabled() {
		s.logger.Info("run history disabled, no database configured")
		return nil
	}

	pool, err := database.Open(s.cfg.Database, s.logger)
	if err != nil {
		return err
	}

	history, err := store.NewHistoryStore(pool.DB(), s.logger)
	if err != nil {
		pool.Close()
		return err
	}

	s.dbPool = pool
	s.history = history
	return nil
}

func (s *Server) initRuntime() {
	opts := []engine.Option{
		engine.WithRetryConfig(retryConfigFrom(s.cfg.Workflow)),
	}
	if s.history != nil {
		history := s.history
		logger := s.logger
		opts = append(opts, engine.WithTerminalHook(func(rec *store.InstanceRecord) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := history.Archive(ctx, rec); err != nil {
				logger.Warn("failed to archive run",
					zap.String("instance_id", rec.ID),
					zap.Error(err),
				)
			}
		}))
	}

	s.runtime = engine.NewLocalRuntime(s.instances, s.logger, opts...)
	s.registry = agent.NewRegistry(s.runtime, s.logger, agent.WithMetrics(s.collector))

	pipeline := workflow.NewPipeline(s.registry, workflow.EchoCompleter(),
		workflow.WithItemDelay(s.cfg.Workflow.ItemDelay),
		workflow.WithLogger(s.logger),
	)
	s.runtime.Register(workflow.PipelineWorkflow, pipeline.Definition())
}

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	health := handlers.NewHealthHandler(s.logger)
	health.RegisterCheck(handlers.NewPingCheck("store", s.instances.Ping))
	if s.dbPool != nil {
		health.RegisterCheck(handlers.NewPingCheck("database", s.dbPool.Ping))
	}
	health.Register(mux)

	handlers.NewSessionHandler(s.registry, s.logger).Register(mux)
	handlers.NewWSHandler(s.registry, s.logger).Register(mux)
	if s.history != nil {
		handlers.NewHistoryHandler(s.history, s.logger).Register(mux)
	}

	skipAuthPaths := []string{"/healthz", "/readyz"}
	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		OTelTracing(),
	}
	if s.cfg.RateLimit.Enabled {
		ctx, cancel := context.WithCancel(context.Background())
		s.rateLimiterCancel = cancel
		middlewares = append(middlewares,
			RateLimiter(ctx, s.cfg.RateLimit.RPS, s.cfg.RateLimit.Burst, s.logger))
	}
	if s.cfg.Auth.Enabled {
		middlewares = append(middlewares,
			JWTAuth(s.cfg.Auth, skipAuthPaths, s.logger))
	}
	handler := Chain(mux, middlewares...)

	s.httpManager = server.NewManager(handler, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	return s.httpManager.Start()
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.metricsManager = server.NewManager(mux, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	return s.metricsManager.Start()
}

// WaitForShutdown blocks until a signal or listener failure, then shuts
// everything down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops the listeners, suspends live instances, and closes the
// stores. Suspended instances are picked up by the recovery sweep on the
// next start.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")
	ctx := context.Background()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}

	if s.runtime != nil {
		if err := s.runtime.Close(); err != nil {
			s.logger.Error("runtime shutdown error", zap.Error(err))
		}
	}
	if s.instances != nil {
		if err := s.instances.Close(); err != nil {
			s.logger.Error("store shutdown error", zap.Error(err))
		}
	}
	if s.dbPool != nil {
		if err := s.dbPool.Close(); err != nil {
			s.logger.Error("database shutdown error", zap.Error(err))
		}
	}
	if s.providers != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := s.providers.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("telemetry shutdown error", zap.Error(err))
		}
		cancel()
	}

	s.logger.Info("graceful shutdown completed")
}

// storeConfigFrom maps the loaded configuration onto the store package's
// config.
func storeConfigFrom(cfg config.StoreConfig) store.Config {
	sc := store.DefaultConfig()
	sc.Type = store.StoreType(cfg.Type)
	if cfg.Dir != "" {
		sc.BaseDir = cfg.Dir
	}
	if cfg.Redis.Addr != "" {
		sc.Redis.Addr = cfg.Redis.Addr
	}
	sc.Redis.Password = cfg.Redis.Password
	sc.Redis.DB = cfg.Redis.DB
	if cfg.Redis.PoolSize > 0 {
		sc.Redis.PoolSize = cfg.Redis.PoolSize
	}
	sc.Cleanup.Enabled = cfg.CleanupInterval > 0
	if cfg.CleanupInterval > 0 {
		sc.Cleanup.Interval = cfg.CleanupInterval
	}
	if cfg.Retention > 0 {
		sc.Cleanup.Retention = cfg.Retention
	}
	return sc
}

func retryConfigFrom(cfg config.WorkflowConfig) engine.RetryConfig {
	rc := engine.DefaultRetryConfig()
	if cfg.MaxAttempts > 0 {
		rc.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialBackoff > 0 {
		rc.InitialBackoff = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		rc.MaxBackoff = cfg.MaxBackoff
	}
	if cfg.Multiplier >= 1 {
		rc.Multiplier = cfg.Multiplier
	}
	return rc
}
