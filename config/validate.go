package config

import (
	"errors"
	"fmt"
	"strings"
)

// FieldError 单个配置项不合法
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Reason }

var (
	ledgerBackends = []string{"memory", "database", "redis"}
	auditBackends  = []string{"database", "mongo", "none"}
	logFormats     = []string{"json", "console"}
	sqlDrivers     = []string{"", "postgres", "mysql", "sqlite", "sqlite3"}
)

// Validate 返回所有不合法项，错误可用 errors.As 取出 *FieldError
func (c *Config) Validate() error {
	var errs []error
	fail := func(field, format string, args ...any) {
		errs = append(errs, &FieldError{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	s := c.Server
	if !validPort(s.HTTPPort) {
		fail("server.http_port", "invalid HTTP port %d", s.HTTPPort)
	}
	if s.MetricsPort != 0 && !validPort(s.MetricsPort) {
		fail("server.metrics_port", "invalid metrics port %d", s.MetricsPort)
	}
	if s.MetricsPort != 0 && s.MetricsPort == s.HTTPPort {
		fail("server.metrics_port", "metrics port must differ from HTTP port")
	}
	if s.RateLimitRPS < 0 || s.RateLimitBurst < 0 {
		fail("server.rate_limit_rps", "rate limits must not be negative")
	}

	if c.Cost.DailyLimitUSD < 0 {
		fail("cost.daily_limit_usd", "must not be negative")
	}
	for name, limit := range c.Cost.InferenceLimits {
		if limit < 0 {
			fail("cost.inference_limits."+name, "must not be negative")
		}
	}
	switch ledger := c.Cost.Ledger; {
	case !oneOf(ledger, ledgerBackends):
		fail("cost.ledger", "unsupported ledger backend %q", ledger)
	case ledger == "database" && c.Database.Driver == "":
		fail("cost.ledger", "ledger backend database requires database.driver")
	case ledger == "redis" && c.Redis.Addr == "":
		fail("cost.ledger", "ledger backend redis requires redis.addr")
	}

	if c.Guardrails.OutputMaxLength < 0 || c.Guardrails.FinancialMaxLength < 0 {
		fail("guardrails.output_max_length", "output length limits must not be negative")
	}

	if !oneOf(strings.ToLower(c.Database.Driver), sqlDrivers) {
		fail("database.driver", "unsupported database driver %q", c.Database.Driver)
	}
	if c.Cache.Enabled && c.Redis.Addr == "" {
		fail("cache.enabled", "cache requires redis.addr")
	}

	switch backend := c.Audit.Backend; {
	case !oneOf(backend, auditBackends):
		fail("audit.backend", "unsupported audit backend %q", backend)
	case backend == "mongo" && c.Audit.MongoURI == "":
		fail("audit.mongo_uri", "required when audit backend is mongo")
	}

	if !oneOf(c.Log.Format, logFormats) {
		fail("log.format", "unsupported log format %q", c.Log.Format)
	}
	if r := c.Telemetry.SampleRate; r < 0 || r > 1 {
		fail("telemetry.sample_rate", "must be between 0 and 1, got %g", r)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid config: %w", errors.Join(errs...))
}

func validPort(p int) bool { return p > 0 && p <= 65535 }

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
