package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/councilflow/api/handlers"
	"github.com/BaSui01/councilflow/config"
	"github.com/BaSui01/councilflow/gate"
	"github.com/BaSui01/councilflow/internal/database"
	"github.com/BaSui01/councilflow/internal/metrics"
	"github.com/BaSui01/councilflow/internal/server"
	"github.com/BaSui01/councilflow/internal/telemetry"
	"github.com/BaSui01/councilflow/llm"
	"github.com/BaSui01/councilflow/quality"
	"github.com/BaSui01/councilflow/round"
	"github.com/BaSui01/councilflow/usage"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 CouncilFlow 的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 核心组件
	gate    *gate.Gate
	pool    *database.PoolManager
	manager *round.Manager

	// Handlers
	healthHandler *handlers.HealthHandler
	panelHandler  *handlers.PanelHandler

	// 指标收集器
	metricsCollector *metrics.Collector

	// 遥测
	otelProviders *telemetry.Providers

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers) *Server {
	return &Server{
		cfg:           cfg,
		logger:        logger,
		otelProviders: otelProviders,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	s.metricsCollector = metrics.NewCollector("councilflow", s.logger)

	if err := s.initComponents(); err != nil {
		return fmt.Errorf("failed to init components: %w", err)
	}
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initComponents 初始化门控、存储、生成客户端与编排器
func (s *Server) initComponents() error {
	// 韧性门控：Redis 后端不可用且非严格模式时降级为进程内后端
	var backend gate.Backend
	if s.cfg.Redis.Enabled {
		redisBackend, err := gate.NewRedisBackend(gate.RedisConfig{
			Addr:         s.cfg.Redis.Addr,
			Password:     s.cfg.Redis.Password,
			DB:           s.cfg.Redis.DB,
			PoolSize:     s.cfg.Redis.PoolSize,
			MinIdleConns: s.cfg.Redis.MinIdleConns,
		}, s.logger)
		if err != nil {
			if s.cfg.Gate.Strict {
				return fmt.Errorf("redis backend required in strict mode: %w", err)
			}
			s.logger.Warn("Redis unavailable, gate falls back to in-process backend", zap.Error(err))
		} else {
			backend = redisBackend
		}
	}
	s.gate = gate.New(backend, gate.Config{
		Strict: s.cfg.Gate.Strict,
		RateLimit: gate.RateLimitConfig{
			Limit:  s.cfg.Gate.RateLimit,
			Window: s.cfg.Gate.RateWindow,
		},
		IdempotencyTTL:  s.cfg.Gate.IdempotencyTTL,
		MaxConcurrent:   s.cfg.Gate.MaxConcurrent,
		SlotTTL:         s.cfg.Gate.SlotTTL,
		CircuitCooldown: s.cfg.Gate.CircuitCooldown,
	}, s.logger)

	// 用量持久化：数据库未启用时丢弃记录
	recorder, err := s.initRecorder()
	if err != nil {
		return err
	}

	// 面板与生成客户端
	panel := make([]round.Agent, 0, len(s.cfg.Panel.Agents))
	for _, agent := range s.cfg.Panel.Agents {
		panel = append(panel, round.Agent{
			ID:       agent.ID,
			Name:     agent.Name,
			ModelID:  agent.Model,
			Provider: agent.Provider,
		})
	}

	router := llm.NewRouter(s.logger)
	for _, provider := range distinctProviders(panel) {
		router.Register(provider, llm.NewClient(llm.Config{
			Provider: provider,
			APIKey:   s.cfg.LLM.APIKey,
			BaseURL:  s.cfg.LLM.BaseURL,
			Timeout:  s.cfg.LLM.Timeout,
		}, s.logger))
	}

	// 编排器
	var estimator usage.Estimator
	if len(panel) > 0 {
		estimator = usage.NewTiktokenEstimator(panel[0].ModelID)
	}
	store := round.NewMemoryReplyStore()
	runner, err := round.NewRunner(round.RunnerOptions{
		Generator: router,
		Store:     store,
		Normalizer: quality.NewNormalizer(quality.Config{
			MinCompareLength: s.cfg.Quality.MinCompareLength,
			PrefixWindow:     s.cfg.Quality.PrefixWindow,
		}, s.logger),
		Recorder:  recorder,
		Estimator: estimator,
		Tripper:   s.gate,
		Logger:    s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create round runner: %w", err)
	}
	s.manager = round.NewManager(runner, s.logger)

	// Handlers
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewPingCheck("gate", s.gate.Ping))
	if s.pool != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("database", s.pool.Ping))
	}

	s.panelHandler, err = handlers.NewPanelHandler(handlers.PanelHandlerOptions{
		Manager:   s.manager,
		Gate:      s.gate,
		Store:     store,
		Panel:     panel,
		MaxRounds: s.cfg.Panel.MaxRounds,
		Metrics:   s.metricsCollector,
		Logger:    s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create panel handler: %w", err)
	}

	s.logger.Info("Components initialized",
		zap.Int("panel_size", len(panel)),
		zap.Bool("redis_enabled", s.cfg.Redis.Enabled),
		zap.Bool("database_enabled", s.cfg.Database.Enabled),
	)
	return nil
}

// initRecorder 初始化用量记录器
func (s *Server) initRecorder() (usage.Recorder, error) {
	if !s.cfg.Database.Enabled {
		s.logger.Info("Database disabled, usage records are discarded")
		return usage.NopRecorder{}, nil
	}

	db, err := database.Open(database.Config{
		Driver: s.cfg.Database.Driver,
		DSN:    s.cfg.Database.DSN(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pool, err := database.NewPoolManager(db, database.Config{
		Driver:          s.cfg.Database.Driver,
		MaxIdleConns:    s.cfg.Database.MaxIdleConns,
		MaxOpenConns:    s.cfg.Database.MaxOpenConns,
		ConnMaxLifetime: s.cfg.Database.ConnMaxLifetime,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	s.pool = pool

	store, err := usage.NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("failed to init usage store: %w", err)
	}
	return usage.NewStoreRecorder(store, s.logger), nil
}

// distinctProviders 面板中去重后的提供者列表
func distinctProviders(panel []round.Agent) []string {
	seen := make(map[string]struct{}, len(panel))
	out := make([]string, 0, len(panel))
	for _, agent := range panel {
		if agent.Provider == "" {
			continue
		}
		if _, ok := seen[agent.Provider]; ok {
			continue
		}
		seen[agent.Provider] = struct{}{}
		out = append(out, agent.Provider)
	}
	return out
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动应用 HTTP 服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	s.healthHandler.RegisterRoutes(mux)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))
	s.panelHandler.RegisterRoutes(mux)

	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(rateLimiterCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
		MetricsMiddleware(s.metricsCollector),
		OTelTracing(),
	)

	s.httpManager = server.NewManager(handler, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}
	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.metricsManager = server.NewManager(mux, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}
	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	// 两个 HTTP 服务并行关闭
	var g errgroup.Group
	if s.httpManager != nil {
		g.Go(func() error { return s.httpManager.Shutdown(ctx) })
	}
	if s.metricsManager != nil {
		g.Go(func() error { return s.metricsManager.Shutdown(ctx) })
	}
	if err := g.Wait(); err != nil {
		s.logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if s.gate != nil {
		if err := s.gate.Close(); err != nil {
			s.logger.Error("Gate shutdown error", zap.Error(err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("Database pool shutdown error", zap.Error(err))
		}
	}
	if s.otelProviders != nil {
		if err := s.otelProviders.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
