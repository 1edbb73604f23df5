package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/llmgateway/api/handlers"
	"github.com/BaSui01/llmgateway/config"
	"github.com/BaSui01/llmgateway/gateway"
	"github.com/BaSui01/llmgateway/guardrails"
	"github.com/BaSui01/llmgateway/internal/cache"
	"github.com/BaSui01/llmgateway/internal/database"
	"github.com/BaSui01/llmgateway/internal/metrics"
	"github.com/BaSui01/llmgateway/internal/migration"
	"github.com/BaSui01/llmgateway/internal/server"
	"github.com/BaSui01/llmgateway/internal/storage"
	"github.com/BaSui01/llmgateway/internal/telemetry"
	"github.com/BaSui01/llmgateway/llm/budget"
	llmcache "github.com/BaSui01/llmgateway/llm/cache"
	"github.com/BaSui01/llmgateway/llm/observability"
	"github.com/BaSui01/llmgateway/llm/providers/openrouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 网关主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 外部依赖，未配置时为 nil
	db        *database.PoolManager
	redis     *cache.Manager
	mongo     *storage.MongoAuditStore
	telemetry *telemetry.Providers

	pricing        *budget.PricingTable
	pricingWatcher *config.PricingWatcher
	limiter        *budget.CostLimiter
	gateway        *gateway.Gateway

	// Handlers
	healthHandler  *handlers.HealthHandler
	chatHandler    *handlers.ChatHandler
	datasetHandler *handlers.DatasetHandler
	modelsHandler  *handlers.ModelsHandler

	// 指标收集器
	metricsCollector *metrics.Collector

	// 取消后台任务（限流清理、价格监听）
	cancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 连接外部依赖、装配编排器并启动 HTTP 与 Metrics 服务，不阻塞
func (s *Server) Start(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	// 1. 遥测，失败不影响服务
	providers, err := telemetry.Init(ctx, s.cfg.Telemetry, Version, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize telemetry", zap.Error(err))
	} else {
		s.telemetry = providers
	}

	// 2. 指标收集器
	s.metricsCollector = metrics.NewCollector("llmgateway", s.logger)

	// 3. 数据库 / Redis / Mongo
	if err := s.initStorage(ctx); err != nil {
		return fmt.Errorf("failed to init storage: %w", err)
	}

	// 4. 价格表、限额器、编排器
	if err := s.initGateway(bgCtx); err != nil {
		return fmt.Errorf("failed to init gateway: %w", err)
	}

	// 5. Handlers
	s.initHandlers()

	// 6. HTTP 服务器
	if err := s.startHTTPServer(bgCtx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 7. Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("ledger", s.cfg.Cost.Ledger),
		zap.String("audit", s.cfg.Audit.Backend),
		zap.Bool("cache", s.cfg.Cache.Enabled),
	)
	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initStorage 按配置连接数据库、Redis 与 MongoDB。显式配置但连不上时直接失败。
func (s *Server) initStorage(ctx context.Context) error {
	dbCfg := s.cfg.Database
	if dbCfg.Driver != "" {
		pool := database.DefaultPoolConfig()
		pool.MaxOpenConns = dbCfg.MaxOpenConns
		pool.MaxIdleConns = dbCfg.MaxIdleConns
		if dbCfg.ConnMaxLifetime > 0 {
			pool.ConnMaxLifetime = dbCfg.ConnMaxLifetime
		}

		db, err := database.Open(dbCfg.Driver, dbCfg.DSN(), pool, s.logger,
			database.WithStatsObserver(func(driver string, stats sql.DBStats) {
				s.metricsCollector.RecordDBConnections(driver, stats.OpenConnections, stats.Idle)
			}),
		)
		if err != nil {
			return err
		}
		s.db = db

		if dbCfg.AutoMigrate {
			sqlDB, err := db.DB().DB()
			if err != nil {
				return fmt.Errorf("get sql.DB: %w", err)
			}
			version, err := migration.AutoMigrate(ctx, sqlDB, dbCfg.Driver)
			if err != nil {
				return fmt.Errorf("auto migrate: %w", err)
			}
			s.logger.Info("database migrated", zap.Uint("version", version))
		}
	}

	if s.cfg.Redis.Addr != "" {
		redisCfg := cache.DefaultConfig()
		redisCfg.Addr = s.cfg.Redis.Addr
		redisCfg.Password = s.cfg.Redis.Password
		redisCfg.DB = s.cfg.Redis.DB
		if s.cfg.Redis.PoolSize > 0 {
			redisCfg.PoolSize = s.cfg.Redis.PoolSize
		}
		redisCfg.MinIdleConns = s.cfg.Redis.MinIdleConns

		rdb, err := cache.NewManager(ctx, redisCfg, s.logger,
			cache.WithPoolObserver(func(stats *redis.PoolStats) {
				s.metricsCollector.RecordDBConnections("redis", int(stats.TotalConns), int(stats.IdleConns))
			}))
		if err != nil {
			return err
		}
		s.redis = rdb
	}

	if s.cfg.Audit.Backend == "mongo" {
		store, err := storage.NewMongoAuditStore(ctx, storage.MongoConfig{
			URI:        s.cfg.Audit.MongoURI,
			Database:   s.cfg.Audit.MongoDatabase,
			Collection: s.cfg.Audit.MongoCollection,
		}, s.logger)
		if err != nil {
			return err
		}
		s.mongo = store
	}
	return nil
}

// initGateway 装配价格表、账本、审计、缓存、上游与编排器
func (s *Server) initGateway(ctx context.Context) error {
	costCfg := s.cfg.Cost

	s.pricing = budget.LoadPricingTable(costCfg.PricingFile, unknownPrice(costCfg, s.logger), s.logger)
	if costCfg.WatchPricingFile && costCfg.PricingFile != "" {
		w, err := config.WatchPricing(ctx, costCfg.PricingFile, s.pricing, s.logger)
		if err != nil {
			s.logger.Warn("pricing file watch disabled", zap.String("path", costCfg.PricingFile), zap.Error(err))
		} else {
			s.pricingWatcher = w
		}
	}

	ledger, err := s.buildLedger()
	if err != nil {
		return err
	}
	s.limiter = budget.NewCostLimiter(limiterConfig(costCfg), s.pricing, ledger, s.logger)

	deps := gateway.Deps{
		Provider: openrouter.NewClient(providerConfig(s.cfg.OpenRouter), s.logger),
		Limiter:  s.limiter,
		Audit:    s.buildAuditStore(),
		Recorder: s.metricsCollector,
		Logger:   s.logger,
	}
	if s.cfg.OpenRouter.APIKey == "" {
		s.logger.Warn("openrouter api key not configured, upstream calls will be rejected")
	}
	if s.db != nil {
		deps.Datasets = storage.NewDatasetRepository(s.db.DB(), s.logger,
			storage.WithTxRunner(func(ctx context.Context, fn func(tx *gorm.DB) error) error {
				return s.db.WithTransactionRetry(ctx, 3, fn)
			}),
		)
	}
	if s.cfg.Cache.Enabled && s.redis != nil {
		deps.Cache = llmcache.NewCompletionCache(s.redis.Client(), llmcache.Config{TTL: s.cfg.Cache.TTL}, s.logger)
	}
	if m, err := observability.NewGlobalMetrics(); err != nil {
		s.logger.Warn("otel gateway metrics disabled", zap.Error(err))
	} else {
		deps.Metrics = m
	}

	gw, err := gateway.New(gatewayConfig(s.cfg.Guardrails), deps)
	if err != nil {
		return err
	}
	s.gateway = gw
	return nil
}

// buildLedger 按 cost.ledger 选择账本后端
func (s *Server) buildLedger() (budget.SpendLedger, error) {
	switch s.cfg.Cost.Ledger {
	case "database":
		if s.db == nil {
			return nil, errors.New("ledger backend database requires a database connection")
		}
		return budget.NewGormLedger(s.db.DB()), nil
	case "redis":
		if s.redis == nil {
			return nil, errors.New("ledger backend redis requires a redis connection")
		}
		return budget.NewRedisLedger(s.redis.Client(), "spend"), nil
	default:
		s.logger.Warn("using in-memory spend ledger, spend resets on restart")
		return budget.NewMemoryLedger(), nil
	}
}

// buildAuditStore 按 audit.backend 选择审计写入，数据库未配置时退化为丢弃
func (s *Server) buildAuditStore() storage.AuditStore {
	switch s.cfg.Audit.Backend {
	case "database":
		if s.db == nil {
			s.logger.Warn("audit backend database has no connection, audit logs disabled")
			return storage.NopAuditStore{}
		}
		return storage.NewGormAuditStore(s.db.DB())
	case "mongo":
		return s.mongo
	default:
		return storage.NopAuditStore{}
	}
}

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(Version, s.logger)
	s.healthHandler.RegisterCheck(handlers.ProviderCheck(s.gateway.Provider()))
	if s.db != nil {
		s.healthHandler.RegisterCheck(handlers.PingCheck("database", s.db.Ping))
	}
	if s.redis != nil {
		s.healthHandler.RegisterCheck(handlers.PingCheck("redis", s.redis.Ping))
	}
	if s.mongo != nil {
		s.healthHandler.RegisterCheck(handlers.PingCheck("mongo", s.mongo.Ping))
	}

	s.chatHandler = handlers.NewChatHandler(s.gateway, s.logger)
	s.datasetHandler = handlers.NewDatasetHandler(s.gateway, s.logger)
	s.modelsHandler = handlers.NewModelsHandler(s.pricing)

	s.logger.Info("Handlers initialized")
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// routes 注册全部路由，/datasets 管理接口额外套 JWT 管理员认证
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.healthHandler.HandleRoot)
	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /models", s.modelsHandler.HandleModels)

	mux.HandleFunc("POST /chat", s.chatHandler.HandleChat)
	mux.HandleFunc("POST /chat/completion", s.chatHandler.HandleCompletion)
	mux.HandleFunc("POST /chat/stream", s.chatHandler.HandleStream)
	mux.HandleFunc("GET /chat/ws", s.chatHandler.HandleWebSocket)
	mux.HandleFunc("POST /chat/dataset-generator", s.datasetHandler.HandleGenerate)
	mux.HandleFunc("GET /chat/dataset-generator/download/{request_id}", s.datasetHandler.HandleDownload)

	admin := JWTAdminAuth(s.cfg.Auth, s.logger)
	mux.Handle("GET /datasets/export", admin(http.HandlerFunc(s.datasetHandler.HandleExport)))
	mux.Handle("GET /datasets/stats", admin(http.HandlerFunc(s.datasetHandler.HandleStats)))
	mux.Handle("POST /datasets/quality", admin(http.HandlerFunc(s.datasetHandler.HandleQuality)))
	mux.Handle("POST /datasets/split", admin(http.HandlerFunc(s.datasetHandler.HandleSplit)))

	if s.cfg.Server.MetricsPort == 0 {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	return mux
}

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer(ctx context.Context) error {
	handler := Chain(s.routes(),
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		MetricsMiddleware(s.metricsCollector),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSAllowedOrigins, s.logger),
		RateLimiter(ctx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
		APIKeyAuth(s.cfg.Auth.APIKeys, skipAPIKey, s.logger),
		CostLimit(s.limiter, s.logger),
	)

	s.httpManager = server.NewManager("http", handler, s.serverConfig(s.cfg.Server.HTTPPort), s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// skipAPIKey 健康检查与指标不需要 API Key，/datasets 由 JWT 保护
func skipAPIKey(path string) bool {
	switch path {
	case "/", "/health", "/healthz", "/ready", "/metrics":
		return true
	}
	return strings.HasPrefix(path, "/datasets/")
}

func (s *Server) serverConfig(port int) server.Config {
	cfg := server.DefaultConfig()
	cfg.Addr = fmt.Sprintf(":%d", port)
	if s.cfg.Server.ReadTimeout > 0 {
		cfg.ReadTimeout = s.cfg.Server.ReadTimeout
		cfg.IdleTimeout = 2 * s.cfg.Server.ReadTimeout
	}
	if s.cfg.Server.WriteTimeout > 0 {
		cfg.WriteTimeout = s.cfg.Server.WriteTimeout
	}
	if s.cfg.Server.ShutdownTimeout > 0 {
		cfg.ShutdownTimeout = s.cfg.Server.ShutdownTimeout
	}
	return cfg
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 在独立端口暴露 /metrics，metrics_port 为 0 时挂在主端口
func (s *Server) startMetricsServer() error {
	if s.cfg.Server.MetricsPort == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.metricsManager = server.NewManager("metrics", mux, s.serverConfig(s.cfg.Server.MetricsPort), s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 阻塞到收到信号或任一端口异常退出，然后优雅关闭
func (s *Server) WaitForShutdown(ctx context.Context) error {
	cause := server.Await(ctx, s.logger, s.httpManager, s.metricsManager)
	s.Shutdown(ctx)
	return cause
}

// Shutdown 优雅关闭所有服务，先停入口再断开依赖
func (s *Server) Shutdown(ctx context.Context) {
	s.logger.Info("Starting graceful shutdown...")
	ctx = context.WithoutCancel(ctx)

	if s.cancel != nil {
		s.cancel()
	}

	if err := server.Shutdown(ctx, s.httpManager, s.metricsManager); err != nil {
		s.logger.Error("HTTP shutdown error", zap.Error(err))
	}
	if s.pricingWatcher != nil {
		if err := s.pricingWatcher.Stop(); err != nil {
			s.logger.Error("Pricing watcher shutdown error", zap.Error(err))
		}
	}

	closeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if s.mongo != nil {
		if err := s.mongo.Close(closeCtx); err != nil {
			s.logger.Error("Mongo disconnect error", zap.Error(err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("Redis close error", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("Database close error", zap.Error(err))
		}
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(closeCtx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}

// =============================================================================
// 🔁 配置转换
// =============================================================================

// unknownPrice 未知模型价格，配置非法时退回内置值
func unknownPrice(cfg config.CostConfig, logger *zap.Logger) budget.Price {
	in, errIn := decimal.NewFromString(cfg.DefaultInputPer1K)
	out, errOut := decimal.NewFromString(cfg.DefaultOutputPer1K)
	if errIn != nil || errOut != nil {
		logger.Warn("invalid default model price, using built-in fallback",
			zap.String("input", cfg.DefaultInputPer1K),
			zap.String("output", cfg.DefaultOutputPer1K))
		return budget.DefaultUnknownPrice()
	}
	return budget.Price{InputPer1K: in, OutputPer1K: out}
}

func limiterConfig(cfg config.CostConfig) budget.Config {
	limits := make(map[string]decimal.Decimal, len(cfg.InferenceLimits))
	for name, limit := range cfg.InferenceLimits {
		limits[name] = decimal.NewFromFloat(limit)
	}
	return budget.Config{
		DailyLimitUSD:        decimal.NewFromFloat(cfg.DailyLimitUSD),
		InferenceLimits:      limits,
		ReserveEstimatedCost: cfg.ReserveEstimatedCost,
	}
}

func providerConfig(cfg config.OpenRouterConfig) openrouter.Config {
	return openrouter.Config{
		APIKey:          cfg.APIKey,
		BaseURL:         cfg.BaseURL,
		Timeout:         cfg.Timeout,
		AppName:         cfg.AppName,
		SiteURL:         cfg.SiteURL,
		MaxAttempts:     cfg.MaxRetries,
		RetryMinWait:    cfg.RetryMinWait,
		RetryMaxWait:    cfg.RetryMaxWait,
		BreakerFailures: cfg.BreakerFailures,
		BreakerTimeout:  cfg.BreakerTimeout,
	}
}

func gatewayConfig(cfg config.GuardrailsConfig) gateway.Config {
	gc := gateway.DefaultConfig()
	gc.GuardrailsEnabled = cfg.Enabled
	gc.StrictFinancialInjection = cfg.StrictInjection
	gc.Presets = guardrails.PresetOptions{
		Chain: guardrails.ChainConfig{
			FailFast:         cfg.FailFast,
			LogAllViolations: cfg.LogAllViolations,
		},
		AllowedTopics:      cfg.AllowedTopics,
		ForbiddenTopics:    cfg.ForbiddenTopics,
		CaseSensitive:      cfg.CaseSensitiveTopics,
		StrictInjection:    cfg.StrictInjection,
		OutputMaxLength:    cfg.OutputMaxLength,
		FinancialMaxLength: cfg.FinancialMaxLength,
	}
	return gc
}
