package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/BaSui01/llmgateway/types"
	"go.uber.org/zap"
)

// RetryPolicy 重试策略
type RetryPolicy struct {
	MaxAttempts  int           // 总尝试次数（含首次），至少为 1
	InitialDelay time.Duration // 首次重试前的等待
	MaxDelay     time.Duration // 单次等待上限
	Multiplier   float64       // 指数退避倍数
	Jitter       bool          // 是否添加 ±25% 抖动
	// ShouldRetry 判断错误是否为瞬时错误，为空时使用 types.IsRetryable
	ShouldRetry func(err error) bool
	OnRetry     func(attempt int, err error, delay time.Duration)
}

// DefaultRetryPolicy 上游调用的默认策略：共 3 次，等待区间 2s..10s
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       false,
	}
}

// Retryer 重试器
type Retryer interface {
	Do(ctx context.Context, fn func() error) error
}

type backoffRetryer struct {
	policy RetryPolicy
	logger *zap.Logger
}

// NewBackoffRetryer 创建指数退避重试器
func NewBackoffRetryer(policy *RetryPolicy, logger *zap.Logger) Retryer {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := *policy
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 2 * time.Second
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	if p.ShouldRetry == nil {
		p.ShouldRetry = types.IsRetryable
	}

	return &backoffRetryer{policy: p, logger: logger}
}

// Do 执行 fn，瞬时错误按策略重试
// 耗尽次数、遇到非瞬时错误或等待期间 ctx 结束时，原样返回最后一次错误
func (r *backoffRetryer) Do(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := r.calculateDelay(attempt - 1)

			r.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", r.policy.MaxAttempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return lastErr
			case <-timer.C:
			}
		}

		lastErr = fn()
		if lastErr == nil {
			if attempt > 1 {
				r.logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return nil
		}

		if !r.policy.ShouldRetry(lastErr) {
			return lastErr
		}
	}

	r.logger.Warn("retries exhausted",
		zap.Int("attempts", r.policy.MaxAttempts),
		zap.Error(lastErr),
	)
	return lastErr
}

// calculateDelay 第 n 次重试的等待时间，n 从 1 开始
func (r *backoffRetryer) calculateDelay(n int) time.Duration {
	delay := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(n-1))

	if r.policy.Jitter {
		jitter := delay * 0.25
		delay += (rand.Float64()*2 - 1) * jitter
	}

	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}
	if delay < float64(r.policy.InitialDelay) {
		delay = float64(r.policy.InitialDelay)
	}
	return time.Duration(delay)
}

// DoWithResult 泛型包装，返回 fn 最后一次成功的结果
func DoWithResult[T any](ctx context.Context, r Retryer, fn func() (T, error)) (T, error) {
	var result T
	err := r.Do(ctx, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
