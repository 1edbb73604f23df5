package budget

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// 推理类型
const (
	InferenceChat    = "chat_completion"
	InferenceDataset = "dataset_generation"
	InferenceDefault = "default"
)

var thousand = decimal.NewFromInt(1000)

// ErrNegativeCost 账本只接受非负金额
var ErrNegativeCost = errors.New("budget: negative cost")

// Config 成本限制配置
type Config struct {
	DailyLimitUSD        decimal.Decimal            `yaml:"daily_limit_usd" json:"daily_limit_usd"`
	InferenceLimits      map[string]decimal.Decimal `yaml:"inference_limits" json:"inference_limits"`
	ReserveEstimatedCost bool                       `yaml:"reserve_estimated_cost" json:"reserve_estimated_cost"`
}

// DefaultConfig 默认配置：每日 15 美元，对话与数据集共用该限额
func DefaultConfig() Config {
	daily := decimal.NewFromInt(15)
	return Config{
		DailyLimitUSD: daily,
		InferenceLimits: map[string]decimal.Decimal{
			InferenceChat:    daily,
			InferenceDataset: daily,
		},
		ReserveEstimatedCost: true,
	}
}

// LimitCheck 准入检查结果
type LimitCheck struct {
	Allowed      bool            `json:"allowed"`
	CurrentSpend decimal.Decimal `json:"current_spend_usd"`
	Limit        decimal.Decimal `json:"daily_limit_usd"`
	Message      string          `json:"message"`
}

// Option 配置 CostLimiter
type Option func(*CostLimiter)

// WithClock 替换时钟，测试用
func WithClock(now func() time.Time) Option {
	return func(c *CostLimiter) { c.now = now }
}

// CostLimiter 每日花费限制器
type CostLimiter struct {
	cfg     Config
	pricing *PricingTable
	ledger  SpendLedger
	logger  *zap.Logger
	now     func() time.Time

	locks [lockStripes]sync.Mutex

	mu    sync.Mutex
	holds map[holdKey]decimal.Decimal
}

type holdKey struct {
	hash, inferenceType string
}

// NewCostLimiter 创建限制器
func NewCostLimiter(cfg Config, pricing *PricingTable, ledger SpendLedger, logger *zap.Logger, opts ...Option) *CostLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pricing == nil {
		pricing = NewPricingTable(DefaultPrices(), DefaultUnknownPrice())
	}
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	c := &CostLimiter{
		cfg:     cfg,
		pricing: pricing,
		ledger:  ledger,
		logger:  logger.With(zap.String("component", "cost_limiter")),
		now:     time.Now,
		holds:   make(map[holdKey]decimal.Decimal),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Pricing 价格表
func (c *CostLimiter) Pricing() *PricingTable { return c.pricing }

// LimitFor 返回推理类型对应的限额
func (c *CostLimiter) LimitFor(inferenceType string) decimal.Decimal {
	if l, ok := c.cfg.InferenceLimits[inferenceType]; ok {
		return l
	}
	return c.cfg.DailyLimitUSD
}

// CalculateCost 计算一次请求的美元成本，负的 token 数按 0 计
func (c *CostLimiter) CalculateCost(model string, promptTokens, completionTokens int) decimal.Decimal {
	price, ok := c.pricing.Lookup(model)
	if !ok {
		c.logger.Warn("model not in pricing table, using default price",
			zap.String("model", model))
	}
	in := decimal.NewFromInt(int64(max(promptTokens, 0))).Div(thousand).Mul(price.InputPer1K)
	out := decimal.NewFromInt(int64(max(completionTokens, 0))).Div(thousand).Mul(price.OutputPer1K)
	return in.Add(out)
}

func (c *CostLimiter) startOfDay() time.Time {
	return c.now().UTC().Truncate(24 * time.Hour)
}

// DailySpend 当天 UTC 零点以来的花费，账本失败时返回 0
func (c *CostLimiter) DailySpend(ctx context.Context, credential, inferenceType string) decimal.Decimal {
	hash := HashCredential(credential)
	return c.dailySpendHash(ctx, hash, inferenceType)
}

func (c *CostLimiter) dailySpendHash(ctx context.Context, hash, inferenceType string) decimal.Decimal {
	spend, err := c.ledger.SumSince(ctx, hash, c.startOfDay(), inferenceType)
	if err != nil {
		c.logger.Error("failed to query daily spend",
			zap.String("credential", ShortHash(hash)),
			zap.String("inference_type", inferenceType),
			zap.Error(err))
		return decimal.Zero
	}
	return spend
}

func (c *CostLimiter) pending(hash, inferenceType string) decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := decimal.Zero
	for k, v := range c.holds {
		if k.hash == hash && matchesType(inferenceType, k.inferenceType) {
			total = total.Add(v)
		}
	}
	return total
}

// CheckLimit 判断加上估算成本后是否仍在限额内
func (c *CostLimiter) CheckLimit(ctx context.Context, credential string, estimated decimal.Decimal, inferenceType string) LimitCheck {
	return c.check(ctx, HashCredential(credential), estimated, inferenceType)
}

func (c *CostLimiter) check(ctx context.Context, hash string, estimated decimal.Decimal, inferenceType string) LimitCheck {
	if inferenceType == "" {
		inferenceType = InferenceDefault
	}
	spend := c.dailySpendHash(ctx, hash, inferenceType)
	limit := c.LimitFor(inferenceType)
	projected := spend.Add(c.pending(hash, inferenceType)).Add(estimated)

	if projected.GreaterThanOrEqual(limit) {
		c.logger.Warn("daily spend limit reached",
			zap.String("credential", ShortHash(hash)),
			zap.String("inference_type", inferenceType),
			zap.String("current_spend_usd", spend.StringFixed(6)),
			zap.String("estimated_usd", estimated.StringFixed(6)),
			zap.String("limit_usd", limit.StringFixed(2)))
		return LimitCheck{
			Allowed:      false,
			CurrentSpend: spend,
			Limit:        limit,
			Message: fmt.Sprintf("Daily limit exceeded for %s. Current spend: $%s, limit: $%s. The limit resets at 00:00 UTC.",
				inferenceType, spend.StringFixed(2), limit.StringFixed(2)),
		}
	}
	return LimitCheck{
		Allowed:      true,
		CurrentSpend: spend,
		Limit:        limit,
		Message: fmt.Sprintf("OK. Type: %s, current spend: $%s, remaining: $%s. The limit resets at 00:00 UTC.",
			inferenceType, spend.StringFixed(2), limit.Sub(spend).StringFixed(2)),
	}
}

// RecordSpend 写入一条花费，失败只记录日志。负数金额返回 ErrNegativeCost，不写入账本。
func (c *CostLimiter) RecordSpend(ctx context.Context, credential, model, inferenceType string, cost decimal.Decimal) error {
	return c.record(ctx, HashCredential(credential), model, inferenceType, cost)
}

func (c *CostLimiter) record(ctx context.Context, hash, model, inferenceType string, cost decimal.Decimal) error {
	if inferenceType == "" {
		inferenceType = InferenceChat
	}
	if cost.IsNegative() {
		c.logger.Error("refusing negative spend",
			zap.String("credential", ShortHash(hash)),
			zap.String("model", model),
			zap.String("cost_usd", cost.StringFixed(6)))
		return fmt.Errorf("%w: %s", ErrNegativeCost, cost.String())
	}
	entry := LedgerEntry{
		CredentialHash: hash,
		Model:          model,
		InferenceType:  inferenceType,
		CostUSD:        cost,
		CreatedAt:      c.now().UTC(),
	}
	if err := c.ledger.Append(ctx, entry); err != nil {
		c.logger.Error("failed to record spend",
			zap.String("credential", ShortHash(hash)),
			zap.String("model", model),
			zap.String("cost_usd", cost.StringFixed(6)),
			zap.Error(err))
		return err
	}
	c.logger.Debug("spend recorded",
		zap.String("credential", ShortHash(hash)),
		zap.String("model", model),
		zap.String("inference_type", inferenceType),
		zap.String("cost_usd", cost.StringFixed(6)))
	return nil
}

// lockStripes 凭证锁分段数，锁数量固定，不随凭证增长
const lockStripes = 64

func (c *CostLimiter) credentialLock(hash string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(hash))
	return &c.locks[h.Sum32()%lockStripes]
}

// Reserve 检查并预占估算成本
// 拒绝时返回 nil；同一凭证的检查与预占串行执行
func (c *CostLimiter) Reserve(ctx context.Context, credential, inferenceType string, estimated decimal.Decimal) (*Reservation, LimitCheck) {
	if inferenceType == "" {
		inferenceType = InferenceChat
	}
	if !c.cfg.ReserveEstimatedCost {
		estimated = decimal.Zero
	}
	hash := HashCredential(credential)

	lock := c.credentialLock(hash)
	lock.Lock()
	defer lock.Unlock()

	check := c.check(ctx, hash, estimated, inferenceType)
	if !check.Allowed {
		return nil, check
	}

	key := holdKey{hash: hash, inferenceType: inferenceType}
	c.mu.Lock()
	c.holds[key] = c.holds[key].Add(estimated)
	c.mu.Unlock()

	return &Reservation{limiter: c, key: key, amount: estimated}, check
}

func (c *CostLimiter) release(key holdKey, amount decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	left := c.holds[key].Sub(amount)
	if left.Sign() <= 0 {
		delete(c.holds, key)
		return
	}
	c.holds[key] = left
}

// Reservation 一次预占，必须 Commit 或 Release
type Reservation struct {
	limiter *CostLimiter
	key     holdKey
	amount  decimal.Decimal
	once    sync.Once
}

// Amount 预占金额
func (r *Reservation) Amount() decimal.Decimal { return r.amount }

// CredentialHash 预占所属凭证
func (r *Reservation) CredentialHash() string { return r.key.hash }

// Commit 按实际成本记账并释放预占
func (r *Reservation) Commit(ctx context.Context, model string, actual decimal.Decimal) error {
	err := r.limiter.record(ctx, r.key.hash, model, r.key.inferenceType, actual)
	r.Release()
	return err
}

// Release 释放预占，可重复调用
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() { r.limiter.release(r.key, r.amount) })
}
