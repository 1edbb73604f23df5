package guardrails

import "context"

// Guard 护栏能力接口
// 每次调用都是纯函数（日志除外），可并发使用
type Guard interface {
	Validate(ctx context.Context, text string, metadata map[string]any) ValidationResult
}

// GuardFunc 函数适配器
type GuardFunc func(ctx context.Context, text string, metadata map[string]any) ValidationResult

// Validate 实现 Guard 接口
func (f GuardFunc) Validate(ctx context.Context, text string, metadata map[string]any) ValidationResult {
	return f(ctx, text, metadata)
}

// ValidationResult 验证结果
// Score 语义由具体 Guard 决定：越低越严重，1.0 表示没有问题
type ValidationResult struct {
	IsValid bool    `json:"is_valid"`
	Reason  string  `json:"reason,omitempty"`
	Score   float64 `json:"score"`
}

// Pass 返回通过结果
func Pass(reason string) ValidationResult {
	return ValidationResult{IsValid: true, Reason: reason, Score: 1.0}
}

// Fail 返回失败结果
func Fail(reason string, score float64) ValidationResult {
	return ValidationResult{IsValid: false, Reason: reason, Score: clampScore(score)}
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// Phase 验证阶段
type Phase string

const (
	PhaseInput  Phase = "input"
	PhaseOutput Phase = "output"
)

// Violation 链上某个 Guard 的失败记录
type Violation struct {
	Guard  string  `json:"guard"`
	Reason string  `json:"reason"`
	Score  float64 `json:"score"`
	Phase  Phase   `json:"type"`
}
