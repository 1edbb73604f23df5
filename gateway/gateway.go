package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/llmgateway/guardrails"
	"github.com/BaSui01/llmgateway/internal/ctxkeys"
	"github.com/BaSui01/llmgateway/internal/storage"
	"github.com/BaSui01/llmgateway/llm"
	"github.com/BaSui01/llmgateway/llm/budget"
	"github.com/BaSui01/llmgateway/llm/cache"
	"github.com/BaSui01/llmgateway/llm/observability"
	"github.com/BaSui01/llmgateway/llm/tokenizer"
	"github.com/BaSui01/llmgateway/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config 编排器配置
type Config struct {
	// GuardrailsEnabled 全局开关，关闭后忽略请求里的 enable_guardrails
	GuardrailsEnabled bool                     `yaml:"enabled" json:"enabled"`
	Presets           guardrails.PresetOptions `yaml:"-" json:"-"`
	// StrictFinancialInjection 金融链使用严格注入检测
	StrictFinancialInjection bool `yaml:"strict_financial_injection" json:"strict_financial_injection"`
	// DefaultCompletionTokens 请求未给 max_tokens 时预估的补全 token 数
	DefaultCompletionTokens int     `yaml:"default_completion_tokens" json:"default_completion_tokens"`
	DatasetTemperature      float64 `yaml:"dataset_temperature" json:"dataset_temperature"`
	DatasetMaxTokens        int     `yaml:"dataset_max_tokens" json:"dataset_max_tokens"`
}

// DefaultConfig 默认编排配置
func DefaultConfig() Config {
	return Config{
		GuardrailsEnabled:        true,
		Presets:                  guardrails.DefaultPresetOptions(),
		StrictFinancialInjection: true,
		DefaultCompletionTokens:  512,
		DatasetTemperature:       0.7,
		DatasetMaxTokens:         MaxTokensLimit,
	}
}

// DatasetStore 微调样本仓储
type DatasetStore interface {
	InsertPairs(ctx context.Context, pairs []storage.FTPair) int
	ExportJSONL(ctx context.Context, dataset string, w io.Writer) (int, error)
	Statistics(ctx context.Context, dataset string) ([]storage.DatasetStats, error)
	UpdateQualityScores(ctx context.Context, toolName string, score float64) (int64, error)
	SplitDataset(ctx context.Context, source string, train, val, test float64) (*storage.SplitResult, error)
}

// Recorder Prometheus 指标记录
type Recorder interface {
	RecordLLMRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int, cost float64)
	RecordGuardrailViolation(phase, guard string)
	RecordSpendRejection(inferenceType string)
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
}

type nopRecorder struct{}

func (nopRecorder) RecordLLMRequest(string, string, string, time.Duration, int, int, float64) {}
func (nopRecorder) RecordGuardrailViolation(string, string) {}
func (nopRecorder) RecordSpendRejection(string) {}
func (nopRecorder) RecordCacheHit(string) {}
func (nopRecorder) RecordCacheMiss(string) {}

// Deps 编排器依赖，除 Provider 外均可为空
type Deps struct {
	Provider  llm.Provider
	Limiter   *budget.CostLimiter
	Audit     storage.AuditStore
	Datasets  DatasetStore
	Cache     *cache.CompletionCache
	Prompts   *PromptRegistry
	Tokenizer func(model string) tokenizer.Tokenizer
	Metrics   *observability.Metrics
	Recorder  Recorder
	Logger    *zap.Logger
}

// Gateway 请求治理编排器
// 护栏链在构建时装配完成，之后只读，可被并发请求共享
type Gateway struct {
	cfg       Config
	provider  llm.Provider
	limiter   *budget.CostLimiter
	audit     storage.AuditStore
	datasets  DatasetStore
	cache     *cache.CompletionCache
	prompts   *PromptRegistry
	tokenizer func(model string) tokenizer.Tokenizer
	metrics   *observability.Metrics
	recorder  Recorder
	masker    *guardrails.PIIMasker

	defaultChain   *guardrails.GuardrailChain
	financialChain *guardrails.GuardrailChain
	datasetChain   *guardrails.GuardrailChain
	injection      guardrails.Guard
	textOutput     guardrails.Guard

	logger *zap.Logger
	now    func() time.Time
}

// New 创建编排器
func New(cfg Config, deps Deps) (*Gateway, error) {
	if deps.Provider == nil {
		return nil, errors.New("gateway: provider is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultCompletionTokens <= 0 {
		cfg.DefaultCompletionTokens = DefaultConfig().DefaultCompletionTokens
	}
	if cfg.DatasetMaxTokens <= 0 {
		cfg.DatasetMaxTokens = MaxTokensLimit
	}

	g := &Gateway{
		cfg:       cfg,
		provider:  deps.Provider,
		limiter:   deps.Limiter,
		audit:     deps.Audit,
		datasets:  deps.Datasets,
		cache:     deps.Cache,
		prompts:   deps.Prompts,
		tokenizer: deps.Tokenizer,
		metrics:   deps.Metrics,
		recorder:  deps.Recorder,
		masker:    guardrails.NewPIIMasker(),
		logger:    logger.With(zap.String("component", "gateway")),
		now:       time.Now,
	}
	if g.limiter == nil {
		g.limiter = budget.NewCostLimiter(budget.DefaultConfig(), nil, nil, logger)
	}
	if g.audit == nil {
		g.audit = storage.NopAuditStore{}
	}
	if g.prompts == nil {
		g.prompts = DefaultPromptRegistry()
	}
	if g.tokenizer == nil {
		g.tokenizer = func(model string) tokenizer.Tokenizer { return tokenizer.ForModel(model, logger) }
	}
	if g.recorder == nil {
		g.recorder = nopRecorder{}
	}

	opts := cfg.Presets
	g.defaultChain = guardrails.NewDefaultChain(opts, logger)
	g.financialChain = guardrails.NewFinancialChain(opts, cfg.StrictFinancialInjection, logger)
	g.datasetChain = guardrails.NewDatasetGenerationChain(opts, logger)
	g.injection = guardrails.NewInjectionDetector(guardrails.InjectionDetectorConfig{Strict: opts.StrictInjection}, logger)
	g.textOutput = guardrails.NewOutputValidator(guardrails.OutputValidatorConfig{
		Format:    guardrails.FormatText,
		MaxLength: opts.OutputMaxLength,
	}, logger)
	return g, nil
}

// Limiter 成本限制器
func (g *Gateway) Limiter() *budget.CostLimiter { return g.limiter }

// Prompts 提示词注册表
func (g *Gateway) Prompts() *PromptRegistry { return g.prompts }

// Provider 上游提供者
func (g *Gateway) Provider() llm.Provider { return g.provider }

// chainFor 按会话类型选择护栏链
// 请求自带话题白名单时临时组装一条链，复用共享的注入检测与输出检查
func (g *Gateway) chainFor(req *ChatCompletionRequest) *guardrails.GuardrailChain {
	if req.ConversationType == ConversationFinancial {
		return g.financialChain
	}
	if len(req.AllowedTopics) == 0 {
		return g.defaultChain
	}
	topic := guardrails.NewTopicValidator(guardrails.TopicValidatorConfig{
		AllowedTopics:   req.AllowedTopics,
		ForbiddenTopics: g.cfg.Presets.ForbiddenTopics,
		CaseSensitive:   g.cfg.Presets.CaseSensitive,
	}, g.logger)
	return guardrails.NewGuardrailChain(g.cfg.Presets.Chain, g.logger).
		AddInputGuard(topic, guardrails.GuardTopic).
		AddInputGuard(g.injection, guardrails.GuardInjection).
		AddOutputGuard(g.textOutput, guardrails.GuardOutput)
}

// call 单个请求的治理状态
type call struct {
	requestID     string
	logID         string
	operation     string
	inferenceType string
	credential    string
	model         string
	userID        string
	promptVersion string
	prompt        string
	start         time.Time
	span          trace.Span

	reservation *budget.Reservation
	violations  []guardrails.Violation
	// billed 上游已产生费用，失败时也要按实际成本记账
	billed   bool
	usage    llm.ChatUsage
	cost     decimal.Decimal
	response string
}

// begin 优先沿用中间件写入的请求 ID
func (g *Gateway) begin(ctx context.Context, operation, credential, inferenceType, model, userID string) (context.Context, *call) {
	requestID, ok := ctxkeys.RequestID(ctx)
	if !ok {
		requestID = uuid.NewString()
	}
	c := &call{
		requestID:     requestID,
		logID:         uuid.NewString(),
		operation:     operation,
		inferenceType: inferenceType,
		credential:    credential,
		model:         model,
		userID:        userID,
		start:         g.now(),
	}
	ctx, c.span = g.metrics.StartRequest(ctx, observability.RequestAttrs{
		Operation:     operation,
		Model:         model,
		InferenceType: inferenceType,
		Credential:    budget.ShortHash(budget.HashCredential(credential)),
		RequestID:     c.requestID,
	})
	return ctx, c
}

// maskMessages 脱敏每条消息，只记录命中的类型
func (g *Gateway) maskMessages(c *call, messages []types.Message) []types.Message {
	out := make([]types.Message, len(messages))
	for i, m := range messages {
		if kinds := g.masker.DetectPIITypes(m.Content); len(kinds) > 0 {
			g.logger.Info("pii detected in request",
				zap.String("request_id", c.requestID),
				zap.Int("message_index", i),
				zap.Any("pii_types", kinds))
		}
		m.Content = g.masker.Mask(m.Content)
		out[i] = m
	}
	return out
}

// userText 拼接用户消息，作为输入护栏的检查对象
func userText(messages []types.Message) string {
	var parts []string
	for _, m := range messages {
		if m.Role == types.RoleUser {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n")
}

// lastUserText 最后一条用户消息
func lastUserText(messages []types.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == types.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

// withSystemPrompt 在首条消息不是 system 时插入系统提示词
func withSystemPrompt(system string, messages []types.Message) []types.Message {
	if system == "" || (len(messages) > 0 && messages[0].Role == types.RoleSystem) {
		return messages
	}
	out := make([]types.Message, 0, len(messages)+1)
	out = append(out, types.NewSystemMessage(system))
	return append(out, messages...)
}

func (g *Gateway) validateInput(ctx context.Context, c *call, chain *guardrails.GuardrailChain, text string) error {
	stageCtx, span := g.metrics.StartStage(ctx, "input_guardrails")
	ok, violations := chain.ValidateInput(stageCtx, text, map[string]any{"request_id": c.requestID})
	span.End()
	if ok {
		return nil
	}
	return g.violationError(ctx, c, violations, types.ErrGuardrailViolation, http.StatusBadRequest)
}

func (g *Gateway) validateOutput(ctx context.Context, c *call, chain *guardrails.GuardrailChain, text string) error {
	stageCtx, span := g.metrics.StartStage(ctx, "output_guardrails")
	ok, violations := chain.ValidateOutput(stageCtx, text, map[string]any{"request_id": c.requestID})
	span.End()
	if ok {
		return nil
	}
	return g.violationError(ctx, c, violations, types.ErrOutputValidation, http.StatusInternalServerError)
}

func (g *Gateway) violationError(ctx context.Context, c *call, violations []guardrails.Violation, code types.ErrorCode, status int) error {
	c.violations = append(c.violations, violations...)
	for _, v := range violations {
		g.metrics.RecordViolation(ctx, string(v.Phase), v.Guard)
		g.recorder.RecordGuardrailViolation(string(v.Phase), v.Guard)
	}
	first := violations[0]
	msg := fmt.Sprintf("%s rejected the %s: %s", first.Guard, first.Phase, first.Reason)
	return types.NewError(code, msg).
		WithHTTPStatus(status).
		WithDetail("violations", violations)
}

// estimateCost 预占金额：提示词 token 按输入价，max_tokens 按输出价
func (g *Gateway) estimateCost(c *call, model string, messages []types.Message, maxTokens int) decimal.Decimal {
	prompt, err := g.tokenizer(model).CountMessages(messages)
	if err != nil {
		g.logger.Warn("failed to count prompt tokens",
			zap.String("request_id", c.requestID),
			zap.Error(err))
		prompt = 0
	}
	completion := maxTokens
	if completion <= 0 {
		completion = g.cfg.DefaultCompletionTokens
	}
	return g.limiter.CalculateCost(model, prompt, completion)
}

// reserve 预占成本，拒绝时返回 SPEND_LIMIT_EXCEEDED
func (g *Gateway) reserve(ctx context.Context, c *call, estimated decimal.Decimal) error {
	stageCtx, span := g.metrics.StartStage(ctx, "reserve_spend")
	defer span.End()

	res, check := g.limiter.Reserve(stageCtx, c.credential, c.inferenceType, estimated)
	if !check.Allowed {
		g.metrics.RecordSpendRejection(ctx, c.inferenceType)
		g.recorder.RecordSpendRejection(c.inferenceType)
		return SpendLimitError(check)
	}
	c.reservation = res
	return nil
}

// SpendLimitError 将拒绝结果转为 429 错误
func SpendLimitError(check budget.LimitCheck) *types.Error {
	return types.NewError(types.ErrSpendLimitExceeded, check.Message).
		WithHTTPStatus(http.StatusTooManyRequests).
		WithDetail("current_spend_usd", check.CurrentSpend.InexactFloat64()).
		WithDetail("daily_limit_usd", check.Limit.InexactFloat64())
}

// bill 上游返回后计算精确成本
func (g *Gateway) bill(c *call, usage llm.ChatUsage) {
	c.billed = true
	c.usage = usage
	c.cost = g.limiter.CalculateCost(c.model, usage.PromptTokens, usage.CompletionTokens)
}

// complete 调用上游，按需走补全缓存
func (g *Gateway) complete(ctx context.Context, req *llm.ChatRequest, useCache bool) (*llm.ChatResponse, bool, error) {
	stageCtx, span := g.metrics.StartStage(ctx, "upstream")
	defer span.End()

	load := func(ctx context.Context) (*llm.ChatResponse, error) {
		return g.provider.Completion(ctx, req)
	}
	if !useCache || g.cache == nil {
		resp, err := load(stageCtx)
		return resp, false, err
	}
	resp, hit, err := g.cache.GetOrLoad(stageCtx, req, load)
	if err == nil {
		if hit {
			g.recorder.RecordCacheHit("completion")
		} else {
			g.recorder.RecordCacheMiss("completion")
		}
	}
	return resp, hit, err
}

// normalizeError 非结构化错误转为网关错误码，内部细节不外泄
func (g *Gateway) normalizeError(c *call, err error) *types.Error {
	if e, ok := types.AsError(err); ok {
		if e.HTTPStatus == 0 {
			e.HTTPStatus = http.StatusInternalServerError
		}
		return e
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return types.NewError(types.ErrUpstreamTimeout, "upstream request timed out").
			WithHTTPStatus(http.StatusGatewayTimeout).
			WithRetryable(true).
			WithCause(err)
	case errors.Is(err, context.Canceled):
		return types.NewError(types.ErrUpstreamError, "request canceled").
			WithHTTPStatus(http.StatusBadGateway).
			WithCause(err)
	}
	g.logger.Error("unexpected gateway error",
		zap.String("request_id", c.requestID),
		zap.String("operation", c.operation),
		zap.Error(err))
	return types.NewError(types.ErrInternalError, "internal server error").
		WithHTTPStatus(http.StatusInternalServerError).
		WithCause(err)
}

// fail 失败收尾：写错误审计、结算预占、结束 span
func (g *Gateway) fail(ctx context.Context, c *call, err error) error {
	gwErr := g.normalizeError(c, err)
	bg := context.WithoutCancel(ctx)

	g.settle(bg, c)
	g.writeAudit(bg, c, storage.StatusError, c.response)
	g.finish(ctx, c, storage.StatusError, string(gwErr.Code), false)

	g.logger.Warn("request failed",
		zap.String("request_id", c.requestID),
		zap.String("operation", c.operation),
		zap.String("code", string(gwErr.Code)),
		zap.String("error", gwErr.Message))
	return gwErr
}

// succeed 成功收尾：写审计、按实际成本记账
func (g *Gateway) succeed(ctx context.Context, c *call, status string, cached bool) {
	bg := context.WithoutCancel(ctx)
	g.writeAudit(bg, c, status, c.response)
	g.settle(bg, c)
	g.finish(ctx, c, status, "", cached)
}

// settle 已计费则提交预占，否则释放
func (g *Gateway) settle(ctx context.Context, c *call) {
	if c.reservation == nil {
		if c.billed && c.cost.Sign() > 0 {
			_ = g.limiter.RecordSpend(ctx, c.credential, c.model, c.inferenceType, c.cost)
		}
		return
	}
	if !c.billed || c.cost.Sign() <= 0 {
		c.reservation.Release()
		return
	}
	_ = c.reservation.Commit(ctx, c.model, c.cost)
}

func (g *Gateway) writeAudit(ctx context.Context, c *call, status, response string) {
	entry := &storage.LLMLog{
		ID:             c.logID,
		RequestID:      c.requestID,
		UserID:         c.userID,
		Model:          c.model,
		Provider:       g.provider.Name(),
		PromptMasked:   c.prompt,
		ResponseMasked: g.masker.Mask(response),
		InputTokens:    c.usage.PromptTokens,
		OutputTokens:   c.usage.CompletionTokens,
		CostUSD:        c.cost,
		LatencyMS:      g.now().Sub(c.start).Milliseconds(),
		Status:         status,
		InferenceType:  c.inferenceType,
		PromptVersion:  c.promptVersion,
	}
	if len(c.violations) > 0 {
		if raw, err := json.Marshal(guardrails.GetTriggeredGuards(c.violations)); err == nil {
			entry.GuardrailsTriggered = string(raw)
		}
	}
	if err := g.audit.InsertLog(ctx, entry); err != nil {
		g.logger.Error("failed to write audit log",
			zap.String("request_id", c.requestID),
			zap.String("status", status),
			zap.Error(err))
	}
}

func (g *Gateway) finish(ctx context.Context, c *call, status, code string, cached bool) {
	duration := g.now().Sub(c.start)
	cost := c.cost.InexactFloat64()
	g.metrics.EndRequest(ctx, c.span, observability.RequestAttrs{
		Operation:     c.operation,
		Model:         c.model,
		InferenceType: c.inferenceType,
		RequestID:     c.requestID,
	}, observability.ResponseAttrs{
		Status:           status,
		ErrorCode:        code,
		TokensPrompt:     c.usage.PromptTokens,
		TokensCompletion: c.usage.CompletionTokens,
		Cost:             cost,
		Duration:         duration,
		Cached:           cached,
		PromptVersion:    c.promptVersion,
	})
	g.recorder.RecordLLMRequest(g.provider.Name(), c.model, status, duration,
		c.usage.PromptTokens, c.usage.CompletionTokens, cost)
}

// maskedPrompt 审计里保存脱敏后的会话
func maskedPrompt(messages []types.Message) string {
	raw, err := json.Marshal(messages)
	if err != nil {
		return userText(messages)
	}
	return string(raw)
}

// latencyMS 自请求开始的毫秒数
func (g *Gateway) latencyMS(c *call) int64 {
	return g.now().Sub(c.start).Milliseconds()
}
