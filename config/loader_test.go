package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_LoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8000, cfg.Server.HTTPPort)
	assert.Equal(t, "memory", cfg.Cost.Ledger)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_LoadFromYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	yamlContent := `
server:
  http_port: 8888
  read_timeout: 60s
  cors_allowed_origins: ["https://app.example.com"]

openrouter:
  api_key: "sk-or-yaml"
  max_retries: 5

cost:
  daily_limit_usd: 2.5
  inference_limits:
    chat_completion: 1.5
    dataset_generation: 1
  ledger: redis

guardrails:
  strict_injection: false
  allowed_topics: ["finanças", "investimentos"]

redis:
  addr: "redis.example.com:6379"
  password: "secret"
  db: 1

log:
  level: "debug"
  format: "console"
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o644))

	cfg, err := Load(WithFile(configPath))
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.CORSAllowedOrigins)

	assert.Equal(t, "sk-or-yaml", cfg.OpenRouter.APIKey)
	assert.Equal(t, 5, cfg.OpenRouter.MaxRetries)
	// 未覆盖的字段保留默认值
	assert.Equal(t, 2*time.Second, cfg.OpenRouter.RetryMinWait)

	assert.Equal(t, 2.5, cfg.Cost.DailyLimitUSD)
	assert.Equal(t, map[string]float64{"chat_completion": 1.5, "dataset_generation": 1}, cfg.Cost.InferenceLimits)
	assert.Equal(t, "redis", cfg.Cost.Ledger)

	assert.False(t, cfg.Guardrails.StrictInjection)
	assert.True(t, cfg.Guardrails.Enabled)
	assert.Equal(t, []string{"finanças", "investimentos"}, cfg.Guardrails.AllowedTopics)

	assert.Equal(t, "redis.example.com:6379", cfg.Redis.Addr)
	assert.Equal(t, 1, cfg.Redis.DB)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_LoadFromEnv(t *testing.T) {
	t.Setenv("LLMGW_SERVER_HTTP_PORT", "7777")
	t.Setenv("LLMGW_SERVER_RATE_LIMIT_RPS", "2.5")
	t.Setenv("LLMGW_OPENROUTER_TIMEOUT", "90s")
	t.Setenv("LLMGW_OPENROUTER_BREAKER_FAILURES", "9")
	t.Setenv("LLMGW_COST_DAILY_LIMIT_USD", "0.5")
	t.Setenv("LLMGW_GUARDRAILS_ENABLED", "false")
	t.Setenv("LLMGW_GUARDRAILS_FORBIDDEN_TOPICS", "política, , religião")
	t.Setenv("LLMGW_AUTH_API_KEYS", "k1,k2")
	t.Setenv("LLMGW_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.HTTPPort)
	assert.Equal(t, 2.5, cfg.Server.RateLimitRPS)
	assert.Equal(t, 90*time.Second, cfg.OpenRouter.Timeout)
	assert.Equal(t, uint32(9), cfg.OpenRouter.BreakerFailures)
	assert.Equal(t, 0.5, cfg.Cost.DailyLimitUSD)
	assert.False(t, cfg.Guardrails.Enabled)
	assert.Equal(t, []string{"política", "religião"}, cfg.Guardrails.ForbiddenTopics)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Auth.APIKeys)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_OpenRouterKeyFallback(t *testing.T) {
	t.Setenv(OpenRouterKeyEnv, "sk-or-plain")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-or-plain", cfg.OpenRouter.APIKey)

	t.Setenv("LLMGW_OPENROUTER_API_KEY", "sk-or-prefixed")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-or-prefixed", cfg.OpenRouter.APIKey, "prefixed variable wins")
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
server:
  http_port: 8888
openrouter:
  app_name: "yaml-app"
  site_url: "https://yaml.example.com"
`), 0o644))

	t.Setenv("LLMGW_SERVER_HTTP_PORT", "9999")
	t.Setenv("LLMGW_OPENROUTER_APP_NAME", "env-app")

	cfg, err := Load(WithFile(configPath))
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, "env-app", cfg.OpenRouter.AppName)
	assert.Equal(t, "https://yaml.example.com", cfg.OpenRouter.SiteURL)
}

func TestLoad_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_SERVER_HTTP_PORT", "6666")

	cfg, err := Load(WithEnvPrefix("MYAPP"))
	require.NoError(t, err)
	assert.Equal(t, 6666, cfg.Server.HTTPPort)
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("LLMGW_SERVER_HTTP_PORT", "not-a-number")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `LLMGW_SERVER_HTTP_PORT="not-a-number"`)
}

func TestLoad_WithValidation(t *testing.T) {
	t.Setenv("LLMGW_SERVER_HTTP_PORT", "70000")

	_, err := Load(WithValidation())
	var fe *FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "server.http_port", fe.Field)

	_, err = Load()
	assert.NoError(t, err, "validation is opt-in")
}

func TestLoad_NonExistentFile(t *testing.T) {
	cfg, err := Load(WithFile("/non/existent/path/config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Server.HTTPPort)
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "invalid.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  http_port: [invalid\n"), 0o644))

	_, err := Load(WithFile(configPath))
	assert.Error(t, err)
}

func TestLoad_InferenceLimitsFromEnv(t *testing.T) {
	t.Setenv("LLMGW_COST_INFERENCE_LIMITS", "chat_completion=20, dataset_generation=2.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"chat_completion": 20, "dataset_generation": 2.5}, cfg.Cost.InferenceLimits)

	t.Setenv("LLMGW_COST_INFERENCE_LIMITS", "chat_completion")
	_, err = Load()
	assert.ErrorContains(t, err, "name=amount")
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, ".env.local")
	shared := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(local, []byte("LLMGW_LOG_LEVEL=debug\n"), 0o644))
	require.NoError(t, os.WriteFile(shared, []byte(
		"LLMGW_LOG_LEVEL=error\nLLMGW_SERVER_HTTP_PORT=8100\nOPENROUTER_API_KEY=sk-or-dotenv\n"), 0o644))
	t.Setenv("LLMGW_SERVER_HTTP_PORT", "8200")

	cfg, err := Load(WithDotEnv(local, shared, filepath.Join(dir, "missing.env")))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level, "earlier file wins")
	assert.Equal(t, 8200, cfg.Server.HTTPPort, "process env wins over .env")
	assert.Equal(t, "sk-or-dotenv", cfg.OpenRouter.APIKey)

	// .env 不修改进程环境
	_, set := os.LookupEnv("OPENROUTER_API_KEY")
	assert.False(t, set)
}

func TestLoad_DotEnvMalformed(t *testing.T) {
	bad := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(bad, []byte("LLMGW_LOG_LEVEL='unterminated\n"), 0o644))

	_, err := Load(WithDotEnv(bad))
	assert.Error(t, err)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b ,"))
	assert.Nil(t, splitList(" , "))
}
