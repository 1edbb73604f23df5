package config

import "time"

// DefaultConfig 不依赖外部服务即可启动：内存账本，不连数据库和 Redis。
// 每次调用返回独立副本。
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		OpenRouter: DefaultOpenRouterConfig(),
		Cost:       DefaultCostConfig(),
		Guardrails: DefaultGuardrailsConfig(),
		Database:   DefaultDatabaseConfig(),
		Redis:      DefaultRedisConfig(),
		Cache:      DefaultCacheConfig(),
		Audit:      DefaultAuditConfig(),
		Auth:       DefaultAuthConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:           8000,
		MetricsPort:        9091,
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       5 * time.Minute,
		ShutdownTimeout:    15 * time.Second,
		CORSAllowedOrigins: []string{"*"},
		RateLimitRPS:       20,
		RateLimitBurst:     40,
	}
}

// DefaultOpenRouterConfig 返回默认上游配置
func DefaultOpenRouterConfig() OpenRouterConfig {
	return OpenRouterConfig{
		BaseURL:         "https://openrouter.ai/api/v1",
		Timeout:         60 * time.Second,
		MaxRetries:      3,
		RetryMinWait:    2 * time.Second,
		RetryMaxWait:    10 * time.Second,
		AppName:         "llmgateway",
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// DefaultCostConfig 返回默认成本配置
func DefaultCostConfig() CostConfig {
	return CostConfig{
		DailyLimitUSD: 15,
		InferenceLimits: map[string]float64{
			"chat_completion":    15,
			"dataset_generation": 15,
		},
		PricingFile:          "models.yaml",
		DefaultInputPer1K:    "0.10",
		DefaultOutputPer1K:   "0.20",
		Ledger:               "memory",
		ReserveEstimatedCost: true,
	}
}

// DefaultGuardrailsConfig 返回默认护栏配置
func DefaultGuardrailsConfig() GuardrailsConfig {
	return GuardrailsConfig{
		Enabled:            true,
		FailFast:           true,
		LogAllViolations:   true,
		StrictInjection:    true,
		FinancialMaxLength: 4000,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置，Driver 为空表示不启用
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "llmgateway",
		Name:            "llmgateway",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultCacheConfig 返回默认缓存配置
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled: false,
		TTL:     time.Hour,
	}
}

// DefaultAuditConfig 返回默认审计配置
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		Backend:         "database",
		MongoDatabase:   "llmgateway",
		MongoCollection: "llm_logs",
	}
}

// DefaultAuthConfig 返回默认认证配置
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		JWTIssuer: "llmgateway",
		AdminRole: "admin",
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "llmgateway",
		SampleRate:   0.1,
	}
}
