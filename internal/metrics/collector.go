package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 网关指标
// =============================================================================

// 上游耗时分桶：非流式补全通常在 0.5s 到 30s 之间
var upstreamBuckets = []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

// Collector 网关 Prometheus 指标，满足 gateway.Recorder
type Collector struct {
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	httpBodyBytes *prometheus.HistogramVec

	upstreamRequests *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	tokens           *prometheus.CounterVec
	spendUSD         *prometheus.CounterVec

	guardViolations *prometheus.CounterVec
	spendRejections *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec

	dbConnections *prometheus.GaugeVec
}

// NewCollector 在默认 Registry 上注册指标，同一 namespace 只能调用一次
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer, namespace, logger)
}

// NewCollectorWith 在指定 Registerer 上注册指标
func NewCollectorWith(reg prometheus.Registerer, namespace string, logger *zap.Logger) *Collector {
	f := promauto.With(reg)

	c := &Collector{
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, normalized path and status class.",
		}, []string{"method", "path", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, including upstream time.",
			Buckets:   upstreamBuckets,
		}, []string{"method", "path"}),
		httpBodyBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_body_bytes",
			Help:      "HTTP body size by direction.",
			Buckets:   prometheus.ExponentialBuckets(128, 4, 8),
		}, []string{"path", "direction"}),

		upstreamRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Completions by provider, model and outcome.",
		}, []string{"provider", "model", "status"}),
		upstreamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_duration_seconds",
			Help:      "Upstream completion latency.",
			Buckets:   upstreamBuckets,
		}, []string{"provider", "model"}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens billed by the upstream, split into prompt and completion.",
		}, []string{"model", "kind"}),
		spendUSD: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spend_usd_total",
			Help:      "Computed spend in USD.",
		}, []string{"model"}),

		guardViolations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guardrail_violations_total",
			Help:      "Guardrail violations by phase and guard.",
		}, []string{"phase", "guard"}),
		spendRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spend_rejections_total",
			Help:      "Requests refused because the daily spend limit was reached.",
		}, []string{"inference_type"}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Completion cache lookups by result (hit, miss).",
		}, []string{"cache", "result"}),

		dbConnections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections",
			Help:      "Database pool connections by state (open, idle).",
		}, []string{"driver", "state"}),
	}

	if logger != nil {
		logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	}
	return c
}

// RecordHTTPRequest path 须先归一化，避免标签基数失控
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequests.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpBodyBytes.WithLabelValues(path, "request").Observe(float64(requestSize))
	c.httpBodyBytes.WithLabelValues(path, "response").Observe(float64(responseSize))
}

// RecordLLMRequest 记录一次补全的结果、耗时、用量与花费
func (c *Collector) RecordLLMRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int, cost float64) {
	c.upstreamRequests.WithLabelValues(provider, model, status).Inc()
	c.upstreamDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	c.tokens.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	c.tokens.WithLabelValues(model, "completion").Add(float64(completionTokens))
	if cost > 0 {
		c.spendUSD.WithLabelValues(model).Add(cost)
	}
}

// RecordGuardrailViolation 记录护栏拦截
func (c *Collector) RecordGuardrailViolation(phase, guard string) {
	c.guardViolations.WithLabelValues(phase, guard).Inc()
}

// RecordSpendRejection 记录超出日限额的拒绝
func (c *Collector) RecordSpendRejection(inferenceType string) {
	c.spendRejections.WithLabelValues(inferenceType).Inc()
}

func (c *Collector) RecordCacheHit(cache string) {
	c.cacheLookups.WithLabelValues(cache, "hit").Inc()
}

func (c *Collector) RecordCacheMiss(cache string) {
	c.cacheLookups.WithLabelValues(cache, "miss").Inc()
}

// RecordDBConnections 连接池快照，由 database.PoolManager 与 cache.Manager 探活时回调，Redis 的 driver 为 "redis"
func (c *Collector) RecordDBConnections(driver string, open, idle int) {
	c.dbConnections.WithLabelValues(driver, "open").Set(float64(open))
	c.dbConnections.WithLabelValues(driver, "idle").Set(float64(idle))
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "unknown"
	}
}
