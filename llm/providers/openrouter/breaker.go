package openrouter

import (
	"github.com/BaSui01/llmgateway/types"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// newBreaker 连续瞬时失败达到阈值后打开
// 非瞬时错误（4xx、空补全）说明上游本身可用，不计入失败
func newBreaker(cfg Config, logger *zap.Logger) *gobreaker.CircuitBreaker {
	threshold := cfg.BreakerFailures
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        providerName,
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !types.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}
