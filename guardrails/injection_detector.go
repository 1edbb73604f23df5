package guardrails

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// 低于该严重度的命中直接拒绝，否则仅记录
const injectionRejectThreshold = 0.5

// 采样片段最大长度（字节）
const injectionSampleLen = 50

// InjectionPattern 注入检测模式
type InjectionPattern struct {
	Pattern     *regexp.Regexp
	Description string
	// Severity 越低越严重
	Severity float64
}

// InjectionDetectorConfig 注入检测器配置
type InjectionDetectorConfig struct {
	// Strict 额外启用词汇泛滥和超长非 ASCII 序列检测
	Strict bool `yaml:"strict" json:"strict"`
}

// DetectedPattern 命中统计（仅用于观测，不参与拒绝）
type DetectedPattern struct {
	Description  string  `json:"description"`
	Severity     float64 `json:"severity"`
	MatchesCount int     `json:"matches_count"`
	Sample       string  `json:"sample"`
}

type patternSpec struct {
	expr        string
	description string
	severity    float64
}

var basePatternSpecs = []patternSpec{
	{`ignore\s+(?:all\s+)?(?:previous|all|above|prior)\s+(?:instructions|rules|prompts?)`, "instruction override attempt", 0.0},
	{`you\s+are\s+now\s+(?:a|an)\s+\w+`, "role redefinition attempt", 0.1},
	{`(?:system|admin|root|developer)\s*[:]\s*`, "role switching attempt", 0.0},
	{`<\|(?:im_start|im_end)\|>`, "special token injection", 0.0},
	{`<\|system\|>`, "system role injection", 0.0},
	{`repeat\s+(?:the|your)\s+(?:prompt|instructions|system\s+message)`, "prompt extraction attempt", 0.2},
	{`what\s+(?:are|is)\s+your\s+(?:instructions|rules|system\s+prompt)`, "configuration extraction attempt", 0.3},
	{`forget\s+(?:everything|all|previous)`, "context reset attempt", 0.1},
	{`disregard\s+(?:all|previous|above)`, "instruction override attempt", 0.0},
	{`\[SYSTEM\]|\[ADMIN\]|\[ROOT\]`, "simulated system message", 0.0},
	{`<script|javascript:|onerror=|onload=`, "XSS attempt", 0.0},
}

var strictPatternSpecs = []patternSpec{
	{`(\b\w+\s+){50,}`, "excessive repetition (possible flooding)", 0.5},
	{`[^\x00-\x7F]{100,}`, "excessive non-ASCII characters", 0.7},
}

var encodingAnomalyRe = regexp.MustCompile(`\x00|[\x{FDD0}-\x{FDEF}]`)

// InjectionDetector 提示注入检测器
type InjectionDetector struct {
	mu       sync.RWMutex
	patterns []InjectionPattern
	strict   bool
	logger   *zap.Logger
}

// NewInjectionDetector 创建注入检测器
func NewInjectionDetector(cfg InjectionDetectorConfig, logger *zap.Logger) *InjectionDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	specs := append([]patternSpec(nil), basePatternSpecs...)
	if cfg.Strict {
		specs = append(specs, strictPatternSpecs...)
	}

	d := &InjectionDetector{
		patterns: make([]InjectionPattern, 0, len(specs)),
		strict:   cfg.Strict,
		logger:   logger.With(zap.String("guard", "injection_detector")),
	}
	for _, s := range specs {
		d.patterns = append(d.patterns, InjectionPattern{
			Pattern:     regexp.MustCompile("(?i)" + s.expr),
			Description: s.description,
			Severity:    s.severity,
		})
	}
	return d
}

// Strict 是否为严格模式
func (d *InjectionDetector) Strict() bool { return d.strict }

// Validate 执行注入检测
func (d *InjectionDetector) Validate(_ context.Context, text string, _ map[string]any) ValidationResult {
	if strings.TrimSpace(text) == "" {
		return Fail("empty text", 0.0)
	}

	d.mu.RLock()
	patterns := d.patterns
	d.mu.RUnlock()

	var (
		firstDesc   string
		matched     []string
		minSeverity = 1.0
	)
	for _, p := range patterns {
		if !p.Pattern.MatchString(text) {
			continue
		}
		if firstDesc == "" {
			firstDesc = p.Description
		}
		matched = append(matched, p.Description)
		if p.Severity < minSeverity {
			minSeverity = p.Severity
		}
	}

	if len(matched) > 0 {
		if minSeverity < injectionRejectThreshold {
			d.logger.Warn("prompt injection detected",
				zap.Strings("patterns", matched),
				zap.Float64("severity", minSeverity))
			return Fail(fmt.Sprintf("possible injection detected: %s", firstDesc), minSeverity)
		}
		d.logger.Info("suspicious but allowed", zap.Strings("patterns", matched))
	}

	if encodingAnomalyRe.MatchString(text) {
		d.logger.Warn("encoding anomaly detected")
		return Fail("encoding anomaly detected", 0.2)
	}

	return Pass("no injection detected")
}

// AddPattern 运行期注册额外模式，表达式自动按大小写不敏感编译
func (d *InjectionDetector) AddPattern(expr, description string, severity float64) error {
	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		return fmt.Errorf("compile injection pattern: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	// 写时复制，正在执行的 Validate 持有旧切片
	next := make([]InjectionPattern, len(d.patterns), len(d.patterns)+1)
	copy(next, d.patterns)
	d.patterns = append(next, InjectionPattern{
		Pattern:     re,
		Description: description,
		Severity:    clampScore(severity),
	})
	return nil
}

// Patterns 返回当前模式数量
func (d *InjectionDetector) Patterns() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.patterns)
}

// DetectedPatterns 报告所有命中模式，不做拒绝判断
func (d *InjectionDetector) DetectedPatterns(text string) []DetectedPattern {
	d.mu.RLock()
	patterns := d.patterns
	d.mu.RUnlock()

	var out []DetectedPattern
	for _, p := range patterns {
		matches := p.Pattern.FindAllString(text, -1)
		if len(matches) == 0 {
			continue
		}
		sample := matches[0]
		if len(sample) > injectionSampleLen {
			sample = truncateUTF8(sample, injectionSampleLen)
		}
		out = append(out, DetectedPattern{
			Description:  p.Description,
			Severity:     p.Severity,
			MatchesCount: len(matches),
			Sample:       sample,
		})
	}
	return out
}

// truncateUTF8 按字节截断，回退到合法的 rune 边界
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
