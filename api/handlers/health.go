package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/BaSui01/llmgateway/llm"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// 健康状态
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

const defaultProbeTimeout = 5 * time.Second

// HealthCheck 一个依赖的探活
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// ServiceHealthResponse /health、/healthz、/ready 的响应体
type ServiceHealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单个依赖的结果，Status 为 pass 或 fail
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

func (c CheckResult) passed() bool { return c.Status == "pass" }

// ServiceInfo GET / 的返回
type ServiceInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Status  string `json:"status"`
	Health  string `json:"health"`
	Models  string `json:"models"`
}

// HealthHandler 健康与就绪探针。所有检查并发执行，共享一个超时。
type HealthHandler struct {
	logger  *zap.Logger
	version string
	timeout time.Duration

	mu     sync.RWMutex
	checks []HealthCheck
}

func NewHealthHandler(version string, logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		logger:  logger.With(zap.String("component", "health")),
		version: version,
		timeout: defaultProbeTimeout,
	}
}

// RegisterCheck 可在服务运行中追加
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	h.checks = append(h.checks, check)
	h.mu.Unlock()
}

// HandleRoot 处理 GET /
func (h *HealthHandler) HandleRoot(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, ServiceInfo{
		Name:    "llmgateway",
		Version: h.version,
		Status:  "running",
		Health:  "/health",
		Models:  "/models",
	})
}

// HandleHealth 处理 GET /health。
// 依赖检查失败时返回 degraded，仍为 200，网关本身可以继续服务。
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.probe(r.Context()))
}

// HandleHealthz 存活探针，不检查依赖
func (h *HealthHandler) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, h.snapshot(StatusHealthy))
}

// HandleReady 就绪探针，任一检查失败返回 503 与 unhealthy
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	resp := h.probe(r.Context())
	if resp.Status == StatusHealthy {
		WriteJSON(w, http.StatusOK, resp)
		return
	}
	resp.Status = StatusUnhealthy
	WriteJSON(w, http.StatusServiceUnavailable, resp)
}

func (h *HealthHandler) snapshot(status string) ServiceHealthResponse {
	return ServiceHealthResponse{Status: status, Version: h.version, Timestamp: time.Now().UTC()}
}

// probe 并发运行全部检查。检查之间互不取消，单个失败只影响自己的结果。
func (h *HealthHandler) probe(ctx context.Context) ServiceHealthResponse {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make([]CheckResult, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			results[i] = h.run(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	resp := h.snapshot(StatusHealthy)
	resp.Checks = make(map[string]CheckResult, len(checks))
	for i, c := range checks {
		resp.Checks[c.Name()] = results[i]
		if !results[i].passed() {
			resp.Status = StatusDegraded
		}
	}
	return resp
}

func (h *HealthHandler) run(ctx context.Context, c HealthCheck) CheckResult {
	began := time.Now()
	err := c.Check(ctx)
	took := time.Since(began)
	if err == nil {
		return CheckResult{Status: "pass", Latency: took.String()}
	}
	h.logger.Warn("dependency check failed",
		zap.String("check", c.Name()),
		zap.Duration("latency", took),
		zap.Error(err),
	)
	return CheckResult{Status: "fail", Message: err.Error(), Latency: took.String()}
}

// pingCheck 把 ping 函数包装成 HealthCheck
type pingCheck struct {
	name string
	ping func(context.Context) error
}

func (p pingCheck) Name() string                    { return p.name }
func (p pingCheck) Check(ctx context.Context) error { return p.ping(ctx) }

// PingCheck 数据库、Redis 与 MongoDB 的探活都是一个 Ping 方法
func PingCheck(name string, ping func(context.Context) error) HealthCheck {
	return pingCheck{name: name, ping: ping}
}

// providerCheck 上游模型服务
type providerCheck struct{ p llm.Provider }

// ProviderCheck 名称取 provider.Name()，上游报告不健康也算失败
func ProviderCheck(p llm.Provider) HealthCheck { return providerCheck{p} }

func (c providerCheck) Name() string { return c.p.Name() }

func (c providerCheck) Check(ctx context.Context) error {
	st, err := c.p.HealthCheck(ctx)
	switch {
	case err != nil:
		return err
	case st == nil || !st.Healthy:
		return fmt.Errorf("%s reported unhealthy", c.p.Name())
	}
	return nil
}
