package guardrails

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// DefaultForbiddenTopics 默认禁止话题
var DefaultForbiddenTopics = []string{
	"violência",
	"drogas",
	"armas",
	"conteúdo adulto",
	"discriminação",
	"ódio",
	"ilegal",
	"fraude",
	"hack",
	"pirataria",
	"malware",
	"golpe",
	"político",
	"religioso",
}

// FinancialTopics 金融领域允许话题
var FinancialTopics = []string{
	"ações",
	"bolsa",
	"b3",
	"investimento",
	"fundo",
	"renda fixa",
	"renda variável",
	"tesouro",
	"cdb",
	"lci",
	"lca",
	"debenture",
	"dividendo",
	"cotação",
	"preço",
	"análise",
	"balanço",
	"demonstrativo",
	"lucro",
	"receita",
	"ebitda",
	"p/l",
	"roe",
	"patrimônio",
	"mercado",
	"economia",
	"inflação",
	"selic",
	"juros",
	"ibovespa",
	"ticker",
	"papel",
}

// 拒绝原因中最多列出的允许话题数
const allowedTopicsInReason = 5

// TopicValidatorConfig 话题验证器配置
type TopicValidatorConfig struct {
	// AllowedTopics 允许话题，为空则不限制
	AllowedTopics []string `yaml:"allowed_topics" json:"allowed_topics"`
	// ForbiddenTopics 禁止话题，为空则使用 DefaultForbiddenTopics
	ForbiddenTopics []string `yaml:"forbidden_topics" json:"forbidden_topics"`
	// CaseSensitive 是否区分大小写
	CaseSensitive bool `yaml:"case_sensitive" json:"case_sensitive"`
}

// TopicValidatorSnapshot 当前配置快照
type TopicValidatorSnapshot struct {
	AllowedTopics   []string `json:"allowed_topics"`
	ForbiddenTopics []string `json:"forbidden_topics"`
	CaseSensitive   bool     `json:"case_sensitive"`
}

// TopicValidator 话题验证器
// 使用子串匹配而非分词：禁止词出现在无关长词内部时也会命中，这是已知的误报来源。
type TopicValidator struct {
	mu            sync.RWMutex
	allowed       []string
	forbidden     []string
	caseSensitive bool
	logger        *zap.Logger
}

// NewTopicValidator 创建话题验证器
func NewTopicValidator(cfg TopicValidatorConfig, logger *zap.Logger) *TopicValidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	forbidden := cfg.ForbiddenTopics
	if len(forbidden) == 0 {
		forbidden = DefaultForbiddenTopics
	}
	v := &TopicValidator{
		caseSensitive: cfg.CaseSensitive,
		logger:        logger.With(zap.String("guard", "topic_validator")),
	}
	v.allowed = v.normalizeAll(cfg.AllowedTopics)
	v.forbidden = v.normalizeAll(forbidden)
	return v
}

// NewFinancialTopicValidator 创建金融领域话题验证器
func NewFinancialTopicValidator(logger *zap.Logger) *TopicValidator {
	return NewTopicValidator(TopicValidatorConfig{AllowedTopics: FinancialTopics}, logger)
}

// Validate 执行话题验证
// 顺序：空文本 → 禁止话题 → 允许话题 → 通过
func (v *TopicValidator) Validate(_ context.Context, text string, _ map[string]any) ValidationResult {
	if strings.TrimSpace(text) == "" {
		return Fail("empty text", 0.0)
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	content := v.normalize(text)

	for _, term := range v.forbidden {
		if strings.Contains(content, term) {
			v.logger.Warn("forbidden topic detected", zap.String("topic", term))
			return Fail(fmt.Sprintf("forbidden topic detected: %s", term), 0.0)
		}
	}

	if len(v.allowed) > 0 {
		for _, term := range v.allowed {
			if strings.Contains(content, term) {
				return Pass("topic validation passed")
			}
		}
		v.logger.Warn("no allowed topic found")
		shown := v.allowed
		if len(shown) > allowedTopicsInReason {
			shown = shown[:allowedTopicsInReason]
		}
		return Fail("content outside the allowed scope. Allowed topics: "+strings.Join(shown, ", "), 0.0)
	}

	return Pass("topic validation passed")
}

// AddAllowedTopic 添加允许话题（已存在则忽略）
func (v *TopicValidator) AddAllowedTopic(topic string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.allowed = appendUnique(v.allowed, v.normalize(topic))
}

// AddForbiddenTopic 添加禁止话题（已存在则忽略）
func (v *TopicValidator) AddForbiddenTopic(topic string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.forbidden = appendUnique(v.forbidden, v.normalize(topic))
}

// RemoveAllowedTopic 移除允许话题
func (v *TopicValidator) RemoveAllowedTopic(topic string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.allowed = removeValue(v.allowed, v.normalize(topic))
}

// RemoveForbiddenTopic 移除禁止话题
func (v *TopicValidator) RemoveForbiddenTopic(topic string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.forbidden = removeValue(v.forbidden, v.normalize(topic))
}

// Config 返回配置快照
func (v *TopicValidator) Config() TopicValidatorSnapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return TopicValidatorSnapshot{
		AllowedTopics:   append([]string(nil), v.allowed...),
		ForbiddenTopics: append([]string(nil), v.forbidden...),
		CaseSensitive:   v.caseSensitive,
	}
}

func (v *TopicValidator) normalize(s string) string {
	if v.caseSensitive {
		return s
	}
	return strings.ToLower(s)
}

func (v *TopicValidator) normalizeAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = appendUnique(out, v.normalize(s))
	}
	return out
}

func appendUnique(list []string, s string) []string {
	if s == "" {
		return list
	}
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	// 写时复制，避免与已发出的快照共享底层数组
	next := make([]string, len(list), len(list)+1)
	copy(next, list)
	return append(next, s)
}

func removeValue(list []string, s string) []string {
	next := make([]string, 0, len(list))
	for _, existing := range list {
		if existing != s {
			next = append(next, existing)
		}
	}
	return next
}
