package guardrails

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ChainConfig 护栏链配置
type ChainConfig struct {
	// FailFast 首个失败即停止当前阶段
	FailFast bool `yaml:"fail_fast" json:"fail_fast"`
	// LogAllViolations 以 Warn 级别记录每条违规
	LogAllViolations bool `yaml:"log_all_violations" json:"log_all_violations"`
}

// DefaultChainConfig 默认链配置
func DefaultChainConfig() ChainConfig {
	return ChainConfig{FailFast: true, LogAllViolations: true}
}

type namedGuard struct {
	name  string
	guard Guard
}

// GuardrailChain 按注册顺序对输入和输出执行一组 Guard
// 注册只应发生在构建阶段，之后可被并发请求共享
type GuardrailChain struct {
	mu     sync.RWMutex
	input  []namedGuard
	output []namedGuard
	cfg    ChainConfig
	logger *zap.Logger
}

// GuardCounts 每个阶段注册的 Guard 数
type GuardCounts struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// FlowReport 输入输出完整验证报告
type FlowReport struct {
	IsValid            bool        `json:"is_valid"`
	InputViolations    []Violation `json:"input_violations"`
	OutputViolations   []Violation `json:"output_violations"`
	TotalViolations    int         `json:"total_violations"`
	GuardrailsExecuted GuardCounts `json:"guardrails_executed"`
}

// TriggeredGuards 按阶段去重的触发 Guard 名称
type TriggeredGuards struct {
	Input  []string `json:"input"`
	Output []string `json:"output"`
}

// NewGuardrailChain 创建护栏链
func NewGuardrailChain(cfg ChainConfig, logger *zap.Logger) *GuardrailChain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GuardrailChain{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "guardrail_chain")),
	}
}

// AddInputGuard 注册输入 Guard
func (c *GuardrailChain) AddInputGuard(g Guard, name string) *GuardrailChain {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.input = append(c.input, namedGuard{name: name, guard: g})
	return c
}

// AddOutputGuard 注册输出 Guard
func (c *GuardrailChain) AddOutputGuard(g Guard, name string) *GuardrailChain {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.output = append(c.output, namedGuard{name: name, guard: g})
	return c
}

// Config 返回链配置
func (c *GuardrailChain) Config() ChainConfig { return c.cfg }

// Counts 返回各阶段 Guard 数
func (c *GuardrailChain) Counts() GuardCounts {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return GuardCounts{
		Input:  len(c.input),
		Output: len(c.output),
		Total:  len(c.input) + len(c.output),
	}
}

// ValidateInput 验证输入文本
func (c *GuardrailChain) ValidateInput(ctx context.Context, text string, metadata map[string]any) (bool, []Violation) {
	return c.run(ctx, PhaseInput, c.snapshot(PhaseInput), text, metadata)
}

// ValidateOutput 验证输出文本
func (c *GuardrailChain) ValidateOutput(ctx context.Context, text string, metadata map[string]any) (bool, []Violation) {
	return c.run(ctx, PhaseOutput, c.snapshot(PhaseOutput), text, metadata)
}

// ValidateFullFlow 并发执行两个阶段，阶段之间互不短路
func (c *GuardrailChain) ValidateFullFlow(ctx context.Context, inputText, outputText string, metadata map[string]any) FlowReport {
	var (
		inputOK, outputOK bool
		inputV, outputV   []Violation
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		inputOK, inputV = c.ValidateInput(gctx, inputText, metadata)
		return nil
	})
	g.Go(func() error {
		outputOK, outputV = c.ValidateOutput(gctx, outputText, metadata)
		return nil
	})
	_ = g.Wait()

	if inputV == nil {
		inputV = []Violation{}
	}
	if outputV == nil {
		outputV = []Violation{}
	}
	return FlowReport{
		IsValid:            inputOK && outputOK,
		InputViolations:    inputV,
		OutputViolations:   outputV,
		TotalViolations:    len(inputV) + len(outputV),
		GuardrailsExecuted: c.Counts(),
	}
}

// GetTriggeredGuards 按阶段分组，去重并保持首次出现顺序
func GetTriggeredGuards(violations []Violation) TriggeredGuards {
	out := TriggeredGuards{Input: []string{}, Output: []string{}}
	seen := map[Phase]map[string]struct{}{
		PhaseInput:  {},
		PhaseOutput: {},
	}
	for _, v := range violations {
		set, ok := seen[v.Phase]
		if !ok {
			continue
		}
		if _, dup := set[v.Guard]; dup {
			continue
		}
		set[v.Guard] = struct{}{}
		if v.Phase == PhaseInput {
			out.Input = append(out.Input, v.Guard)
		} else {
			out.Output = append(out.Output, v.Guard)
		}
	}
	return out
}

func (c *GuardrailChain) snapshot(phase Phase) []namedGuard {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if phase == PhaseInput {
		return c.input
	}
	return c.output
}

func (c *GuardrailChain) run(ctx context.Context, phase Phase, guards []namedGuard, text string, metadata map[string]any) (bool, []Violation) {
	var violations []Violation
	for _, ng := range guards {
		res := ng.guard.Validate(ctx, text, metadata)
		if res.IsValid {
			continue
		}
		v := Violation{Guard: ng.name, Reason: res.Reason, Score: res.Score, Phase: phase}
		violations = append(violations, v)
		if c.cfg.LogAllViolations {
			c.logger.Warn("guardrail violation",
				zap.String("phase", string(phase)),
				zap.String("guard", v.Guard),
				zap.String("reason", v.Reason),
				zap.Float64("score", v.Score))
		}
		if c.cfg.FailFast {
			break
		}
	}
	return len(violations) == 0, violations
}
