package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/llmgateway/llm"
	"github.com/BaSui01/llmgateway/llm/retry"
	"github.com/BaSui01/llmgateway/types"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// DefaultBaseURL OpenRouter API 地址
const DefaultBaseURL = "https://openrouter.ai/api/v1"

// Config 客户端配置
type Config struct {
	APIKey  string
	BaseURL string
	// Timeout 单次同步请求超时，流式请求只约束到首包之前
	Timeout time.Duration
	// AppName / SiteURL 对应 X-Title 与 HTTP-Referer
	AppName string
	SiteURL string

	MaxAttempts  int
	RetryMinWait time.Duration
	RetryMaxWait time.Duration

	// BreakerFailures 连续瞬时失败多少次后熔断
	BreakerFailures uint32
	// BreakerTimeout 熔断后多久进入半开
	BreakerTimeout time.Duration
	// HealthTimeout 健康检查超时
	HealthTimeout time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		BaseURL:         DefaultBaseURL,
		Timeout:         60 * time.Second,
		AppName:         "llmgateway",
		MaxAttempts:     3,
		RetryMinWait:    2 * time.Second,
		RetryMaxWait:    10 * time.Second,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
		HealthTimeout:   5 * time.Second,
	}
}

// Client OpenRouter 客户端，实现 llm.Provider
type Client struct {
	cfg     Config
	http    *http.Client
	retryer retry.Retryer
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

var _ llm.Provider = (*Client)(nil)

// Option 客户端选项
type Option func(*Client)

// WithHTTPClient 替换底层 HTTP 客户端（测试用）
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetryer 替换重试器
func WithRetryer(r retry.Retryer) Option {
	return func(c *Client) { c.retryer = r }
}

// NewClient 创建客户端
func NewClient(cfg Config, logger *zap.Logger, opts ...Option) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryMinWait <= 0 {
		cfg.RetryMinWait = def.RetryMinWait
	}
	if cfg.RetryMaxWait <= 0 {
		cfg.RetryMaxWait = def.RetryMaxWait
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = def.HealthTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "openrouter"))

	c := &Client{
		cfg:    cfg,
		http:   newHTTPClient(cfg),
		logger: logger,
	}
	c.retryer = retry.NewBackoffRetryer(&retry.RetryPolicy{
		MaxAttempts:  cfg.MaxAttempts,
		InitialDelay: cfg.RetryMinWait,
		MaxDelay:     cfg.RetryMaxWait,
		Multiplier:   2.0,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			logger.Warn("retrying upstream call",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		},
	}, logger)
	c.breaker = newBreaker(cfg, logger)

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name 实现 llm.Provider
func (c *Client) Name() string { return providerName }

// BreakerState 当前熔断器状态
func (c *Client) BreakerState() string { return c.breaker.State().String() }

// Completion 同步补全
func (c *Client) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return retry.DoWithResult(ctx, c.retryer, func() (*llm.ChatResponse, error) {
		out, err := c.guarded(func() (any, error) {
			callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
			defer cancel()
			return c.doCompletion(callCtx, req)
		})
		if err != nil {
			return nil, err
		}
		return out.(*llm.ChatResponse), nil
	})
}

// Stream 流式补全
// 重试与熔断只覆盖建立连接阶段，一旦开始输出不再重试
func (c *Client) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	return retry.DoWithResult(ctx, c.retryer, func() (<-chan llm.StreamChunk, error) {
		out, err := c.guarded(func() (any, error) {
			return c.openStream(ctx, req)
		})
		if err != nil {
			return nil, err
		}
		return out.(<-chan llm.StreamChunk), nil
	})
}

// HealthCheck 调用 GET /models 探活
func (c *Client) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
	defer cancel()

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/models"), nil)
	if err != nil {
		return nil, fmt.Errorf("create health request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, mapTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &llm.HealthStatus{Healthy: false, Latency: latency},
			MapHTTPError(resp.StatusCode, readErrorMessage(resp.Body))
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

// guarded 经过熔断器执行，熔断打开时快速失败
func (c *Client) guarded(fn func() (any, error)) (any, error) {
	out, err := c.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, types.NewError(types.ErrServiceUnavailable, "upstream temporarily unavailable").
			WithHTTPStatus(http.StatusServiceUnavailable).
			WithProvider(providerName).
			WithCause(err)
	}
	return out, err
}

func (c *Client) doCompletion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	resp, err := c.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "malformed upstream response").
			WithHTTPStatus(http.StatusBadGateway).
			WithProvider(providerName).
			WithCause(err)
	}
	return body.toChatResponse(req.Model)
}

func (c *Client) openStream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	resp, err := c.post(ctx, req, true)
	if err != nil {
		return nil, err
	}
	return streamSSE(ctx, resp.Body, c.logger), nil
}

// post 发送请求，状态码 >= 400 时映射为 types.Error
func (c *Client) post(ctx context.Context, req *llm.ChatRequest, stream bool) (*http.Response, error) {
	payload, err := json.Marshal(newCompletionRequest(req, stream))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/chat/completions"), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(httpReq)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, mapTransportError(err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg := readErrorMessage(resp.Body)
		c.logger.Warn("upstream returned error",
			zap.Int("status", resp.StatusCode),
			zap.String("model", req.Model))
		return nil, MapHTTPError(resp.StatusCode, msg)
	}
	return resp, nil
}

func (c *Client) setHeaders(r *http.Request) {
	r.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	r.Header.Set("Content-Type", "application/json")
	if c.cfg.SiteURL != "" {
		r.Header.Set("HTTP-Referer", c.cfg.SiteURL)
	}
	if c.cfg.AppName != "" {
		r.Header.Set("X-Title", c.cfg.AppName)
	}
}

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + path
}
