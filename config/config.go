package config

import "time"

// Config 网关完整配置，yaml 标签对应配置文件键，env 标签拼接成环境变量名
type Config struct {
	Server     ServerConfig     `yaml:"server" env:"SERVER"`
	OpenRouter OpenRouterConfig `yaml:"openrouter" env:"OPENROUTER"`
	Cost       CostConfig       `yaml:"cost" env:"COST"`
	Guardrails GuardrailsConfig `yaml:"guardrails" env:"GUARDRAILS"`
	Database   DatabaseConfig   `yaml:"database" env:"DATABASE"`
	Redis      RedisConfig      `yaml:"redis" env:"REDIS"`
	Cache      CacheConfig      `yaml:"cache" env:"CACHE"`
	Audit      AuditConfig      `yaml:"audit" env:"AUDIT"`
	Auth       AuthConfig       `yaml:"auth" env:"AUTH"`
	Log        LogConfig        `yaml:"log" env:"LOG"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口，0 表示挂在主端口的 /metrics
	MetricsPort int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 流式补全会持续占用连接，不宜过短
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 为空时不输出 CORS 头
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	// 按客户端 IP 的令牌桶，RPS 为 0 时关闭
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// OpenRouterConfig 上游 OpenRouter 的连接、重试与熔断参数
type OpenRouterConfig struct {
	APIKey          string        `yaml:"api_key" env:"API_KEY"`
	BaseURL         string        `yaml:"base_url" env:"BASE_URL"`
	Timeout         time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxRetries      int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryMinWait    time.Duration `yaml:"retry_min_wait" env:"RETRY_MIN_WAIT"`
	RetryMaxWait    time.Duration `yaml:"retry_max_wait" env:"RETRY_MAX_WAIT"`
	AppName         string        `yaml:"app_name" env:"APP_NAME"`
	SiteURL         string        `yaml:"site_url" env:"SITE_URL"`
	BreakerFailures uint32        `yaml:"breaker_failures" env:"BREAKER_FAILURES"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout" env:"BREAKER_TIMEOUT"`
}

// CostConfig 按凭证的每日花费控制
type CostConfig struct {
	// 所有推理类型共用的上限（美元），也是 inference_limits 缺省项的回退值
	DailyLimitUSD float64 `yaml:"daily_limit_usd" env:"DAILY_LIMIT_USD"`
	// 按推理类型的上限，环境变量格式 chat_completion=20,dataset_generation=5
	InferenceLimits map[string]float64 `yaml:"inference_limits" env:"INFERENCE_LIMITS"`
	// YAML 价格表，为空时只用内置价格
	PricingFile      string `yaml:"pricing_file" env:"PRICING_FILE"`
	WatchPricingFile bool   `yaml:"watch_pricing_file" env:"WATCH_PRICING_FILE"`
	// 价格表中没有的模型按此计价，为空时计 0
	DefaultInputPer1K  string `yaml:"default_input_per_1k" env:"DEFAULT_INPUT_PER_1K"`
	DefaultOutputPer1K string `yaml:"default_output_per_1k" env:"DEFAULT_OUTPUT_PER_1K"`
	// memory / database / redis
	Ledger string `yaml:"ledger" env:"LEDGER"`
	// 调用上游前先按估算成本占用额度，结算时多退少补
	ReserveEstimatedCost bool `yaml:"reserve_estimated_cost" env:"RESERVE_ESTIMATED_COST"`
}

// GuardrailsConfig 默认护栏链的开关
type GuardrailsConfig struct {
	Enabled             bool `yaml:"enabled" env:"ENABLED"`
	FailFast            bool `yaml:"fail_fast" env:"FAIL_FAST"`
	LogAllViolations    bool `yaml:"log_all_violations" env:"LOG_ALL_VIOLATIONS"`
	StrictInjection     bool `yaml:"strict_injection" env:"STRICT_INJECTION"`
	CaseSensitiveTopics bool `yaml:"case_sensitive_topics" env:"CASE_SENSITIVE_TOPICS"`
	// 0 表示不限制
	OutputMaxLength    int `yaml:"output_max_length" env:"OUTPUT_MAX_LENGTH"`
	FinancialMaxLength int `yaml:"financial_max_length" env:"FINANCIAL_MAX_LENGTH"`
	// 为空时不限制话题
	AllowedTopics []string `yaml:"allowed_topics" env:"ALLOWED_TOPICS"`
	// 为空时使用内置禁止话题
	ForbiddenTopics []string `yaml:"forbidden_topics" env:"FORBIDDEN_TOPICS"`
}

// DatabaseConfig 审计、支出与数据集共用的关系库
type DatabaseConfig struct {
	// postgres / mysql / sqlite（sqlite3 同义）；为空不连库
	Driver   string `yaml:"driver" env:"DRIVER"`
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	// sqlite 时为文件路径
	Name    string `yaml:"name" env:"NAME"`
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`

	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	// serve 启动时执行内嵌迁移
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// RedisConfig Addr 为空表示不连接 Redis
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// CacheConfig 补全缓存，依赖 Redis
type CacheConfig struct {
	Enabled bool          `yaml:"enabled" env:"ENABLED"`
	TTL     time.Duration `yaml:"ttl" env:"TTL"`
}

// AuditConfig 请求审计落库位置
type AuditConfig struct {
	// database / mongo / none
	Backend         string `yaml:"backend" env:"BACKEND"`
	MongoURI        string `yaml:"mongo_uri" env:"MONGO_URI"`
	MongoDatabase   string `yaml:"mongo_database" env:"MONGO_DATABASE"`
	MongoCollection string `yaml:"mongo_collection" env:"MONGO_COLLECTION"`
}

// AuthConfig 业务接口的 API Key 与管理接口的 JWT
type AuthConfig struct {
	// 为空时不要求 API Key
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// 为空时 /datasets 管理接口一律 403
	JWTSecret   string `yaml:"jwt_secret" env:"JWT_SECRET"`
	JWTIssuer   string `yaml:"jwt_issuer" env:"JWT_ISSUER"`
	JWTAudience string `yaml:"jwt_audience" env:"JWT_AUDIENCE"`
	AdminRole   string `yaml:"admin_role" env:"ADMIN_ROLE"`
}

// LogConfig zap 日志
type LogConfig struct {
	// debug / info / warn / error
	Level string `yaml:"level" env:"LEVEL"`
	// json / console
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig OpenTelemetry 导出
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string `yaml:"service_name" env:"SERVICE_NAME"`
	// 根 span 采样比例，0 到 1
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}
