package guardrails

import "go.uber.org/zap"

// 预设链中使用的 Guard 名称
const (
	GuardTopic          = "topic_validator"
	GuardFinancialTopic = "financial_topic_validator"
	GuardInjection      = "injection_detector"
	GuardOutput         = "output_validator"
	GuardDataset        = "dataset_validator"
)

// 金融链输出长度上限
const DefaultFinancialMaxLength = 4000

// PresetOptions 预设链参数
type PresetOptions struct {
	Chain ChainConfig
	// AllowedTopics 仅默认链使用，为空时不限制话题
	AllowedTopics []string
	// ForbiddenTopics 为空时使用 DefaultForbiddenTopics
	ForbiddenTopics []string
	CaseSensitive   bool
	StrictInjection bool
	// OutputMaxLength 默认链的输出上限，0 表示不限制
	OutputMaxLength int
	// FinancialMaxLength 金融链的输出上限，0 时取 DefaultFinancialMaxLength
	FinancialMaxLength int
}

// DefaultPresetOptions 默认预设参数
func DefaultPresetOptions() PresetOptions {
	return PresetOptions{
		Chain:              DefaultChainConfig(),
		FinancialMaxLength: DefaultFinancialMaxLength,
	}
}

// NewDefaultChain 通用链：话题 + 注入检测（输入），文本输出检查（输出）
func NewDefaultChain(opts PresetOptions, logger *zap.Logger) *GuardrailChain {
	topic := NewTopicValidator(TopicValidatorConfig{
		AllowedTopics:   opts.AllowedTopics,
		ForbiddenTopics: opts.ForbiddenTopics,
		CaseSensitive:   opts.CaseSensitive,
	}, logger)

	return NewGuardrailChain(opts.Chain, logger).
		AddInputGuard(topic, GuardTopic).
		AddInputGuard(NewInjectionDetector(InjectionDetectorConfig{Strict: opts.StrictInjection}, logger), GuardInjection).
		AddOutputGuard(NewOutputValidator(OutputValidatorConfig{Format: FormatText, MaxLength: opts.OutputMaxLength}, logger), GuardOutput)
}

// NewFinancialChain 金融领域链：金融话题白名单、严格注入检测、输出限长
func NewFinancialChain(opts PresetOptions, strict bool, logger *zap.Logger) *GuardrailChain {
	maxLen := opts.FinancialMaxLength
	if maxLen <= 0 {
		maxLen = DefaultFinancialMaxLength
	}
	topic := NewTopicValidator(TopicValidatorConfig{
		AllowedTopics:   FinancialTopics,
		ForbiddenTopics: opts.ForbiddenTopics,
		CaseSensitive:   opts.CaseSensitive,
	}, logger)

	return NewGuardrailChain(opts.Chain, logger).
		AddInputGuard(topic, GuardFinancialTopic).
		AddInputGuard(NewInjectionDetector(InjectionDetectorConfig{Strict: strict}, logger), GuardInjection).
		AddOutputGuard(NewOutputValidator(OutputValidatorConfig{Format: FormatText, MaxLength: maxLen}, logger), GuardOutput)
}

// NewDatasetGenerationChain 数据集生成链：只做注入检测，收集全部违规
func NewDatasetGenerationChain(opts PresetOptions, logger *zap.Logger) *GuardrailChain {
	cfg := opts.Chain
	cfg.FailFast = false

	return NewGuardrailChain(cfg, logger).
		AddInputGuard(NewInjectionDetector(InjectionDetectorConfig{Strict: opts.StrictInjection}, logger), GuardInjection).
		AddOutputGuard(NewDatasetValidator(logger), GuardDataset)
}
