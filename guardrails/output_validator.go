package guardrails

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

// OutputFormat 期望的输出形态
type OutputFormat string

const (
	FormatText      OutputFormat = "text"
	FormatJSON      OutputFormat = "json"
	FormatJSONArray OutputFormat = "json_array"
)

// OutputValidatorConfig 输出验证器配置
type OutputValidatorConfig struct {
	Format         OutputFormat `yaml:"format" json:"format"`
	RequiredFields []string     `yaml:"required_fields" json:"required_fields"`
	// MaxLength 按字符计，0 表示不限制
	MaxLength int `yaml:"max_length" json:"max_length"`
}

// 部分字段缺失的严重度
const missingFieldsScore = 0.3

var leakPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)api[_\s-]?key["\s:=]+[\w-]{20,}`),
	regexp.MustCompile(`(?i)secret["\s:=]+[\w-]{20,}`),
	regexp.MustCompile(`(?i)password["\s:=]+[\w-]{8,}`),
	regexp.MustCompile(`(?i)token["\s:=]+[\w-]{20,}`),
	regexp.MustCompile(`(?i)<OPENROUTER_API_KEY>`),
	regexp.MustCompile(`(?i)DB_PASSWORD`),
	regexp.MustCompile(`(?i)postgresql://.*@`),
}

var redactions = []struct {
	re          *regexp.Regexp
	replacement string
}{
	{leakPatterns[0], "[API_KEY_REDACTED]"},
	{leakPatterns[1], "[SECRET_REDACTED]"},
	{leakPatterns[2], "[PASSWORD_REDACTED]"},
}

// OutputValidator 输出验证器
type OutputValidator struct {
	cfg    OutputValidatorConfig
	logger *zap.Logger
}

// NewOutputValidator 创建输出验证器
func NewOutputValidator(cfg OutputValidatorConfig, logger *zap.Logger) *OutputValidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Format == "" {
		cfg.Format = FormatText
	}
	cfg.RequiredFields = append([]string(nil), cfg.RequiredFields...)
	return &OutputValidator{
		cfg:    cfg,
		logger: logger.With(zap.String("guard", "output_validator")),
	}
}

// NewJSONValidator 创建 JSON 输出验证器
func NewJSONValidator(requiredFields []string, isArray bool, logger *zap.Logger) *OutputValidator {
	format := FormatJSON
	if isArray {
		format = FormatJSONArray
	}
	return NewOutputValidator(OutputValidatorConfig{Format: format, RequiredFields: requiredFields}, logger)
}

// NewDatasetValidator 创建微调数据集验证器
func NewDatasetValidator(logger *zap.Logger) *OutputValidator {
	return NewJSONValidator([]string{"messages"}, true, logger)
}

// Config 返回配置副本
func (v *OutputValidator) Config() OutputValidatorConfig {
	cfg := v.cfg
	cfg.RequiredFields = append([]string(nil), v.cfg.RequiredFields...)
	return cfg
}

// Validate 验证输出
func (v *OutputValidator) Validate(_ context.Context, text string, _ map[string]any) ValidationResult {
	if strings.TrimSpace(text) == "" {
		return Fail("empty output", 0.0)
	}

	if v.cfg.MaxLength > 0 {
		if n := utf8.RuneCountInString(text); n > v.cfg.MaxLength {
			return Fail(fmt.Sprintf("output exceeds maximum length (%d > %d)", n, v.cfg.MaxLength), 0.0)
		}
	}

	switch v.cfg.Format {
	case FormatJSON, FormatJSONArray:
		return v.validateJSON(text)
	default:
		return v.validateText(text)
	}
}

func (v *OutputValidator) validateJSON(text string) ValidationResult {
	var parsed any
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		v.logger.Warn("output is not valid JSON", zap.Error(err))
		return Fail(fmt.Sprintf("invalid JSON: %v", err), 0.0)
	}

	_, isArray := parsed.([]any)
	if v.cfg.Format == FormatJSONArray && !isArray {
		return Fail("expected a JSON array", 0.0)
	}
	if len(v.cfg.RequiredFields) > 0 {
		switch val := parsed.(type) {
		case []any:
			for i, item := range val {
				obj, ok := item.(map[string]any)
				if !ok {
					continue
				}
				if missing := missingFields(obj, v.cfg.RequiredFields); len(missing) > 0 {
					return Fail(fmt.Sprintf("item %d is missing required fields: %v", i, missing), missingFieldsScore)
				}
			}
		case map[string]any:
			if missing := missingFields(val, v.cfg.RequiredFields); len(missing) > 0 {
				return Fail(fmt.Sprintf("missing required fields: %v", missing), missingFieldsScore)
			}
		}
	}
	if isArray {
		return Pass("valid JSON array")
	}
	return Pass("valid JSON")
}

func (v *OutputValidator) validateText(text string) ValidationResult {
	for _, re := range leakPatterns {
		if re.MatchString(text) {
			v.logger.Error("sensitive data leak detected in output", zap.String("pattern", re.String()))
			return Fail("output contains sensitive information", 0.0)
		}
	}
	return Pass("output validation passed")
}

func missingFields(obj map[string]any, required []string) []string {
	var missing []string
	for _, f := range required {
		if _, ok := obj[f]; !ok {
			missing = append(missing, f)
		}
	}
	return missing
}

// Sanitize 脱敏输出中的密钥、secret 和密码
func Sanitize(text string) string {
	for _, r := range redactions {
		text = r.re.ReplaceAllLiteralString(text, r.replacement)
	}
	return text
}

// Sanitize 方法形式，便于在持有验证器的地方直接调用
func (v *OutputValidator) Sanitize(text string) string { return Sanitize(text) }

// ExtractJSONFromText 从文本中提取第一个可解析的 JSON 对象或数组
// 从左到右尝试每个 '{' / '['，按括号配对截取候选（忽略字符串内的括号），真正解析成功才返回
func ExtractJSONFromText(text string) any {
	for start := 0; start < len(text); start++ {
		c := text[start]
		if c != '{' && c != '[' {
			continue
		}
		end := matchBracket(text, start)
		if end < 0 {
			continue
		}
		var parsed any
		if err := json.Unmarshal([]byte(text[start:end+1]), &parsed); err == nil {
			return parsed
		}
	}
	return nil
}

// matchBracket 返回与 text[start] 配对的闭括号下标，找不到返回 -1
func matchBracket(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// ValidateToolCalls 校验微调数据集结构
// 接受单个对象或对象数组，按文档顺序返回第一个结构问题
func ValidateToolCalls(parsed any) ValidationResult {
	var items []any
	switch v := parsed.(type) {
	case []any:
		items = v
	case map[string]any:
		items = []any{v}
	default:
		return Fail("expected a JSON object or array", 0.0)
	}

	for i, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			return Fail(fmt.Sprintf("item %d is not an object", i), 0.0)
		}
		rawMessages, ok := item["messages"]
		if !ok {
			return Fail(fmt.Sprintf("item %d is missing 'messages'", i), 0.0)
		}
		messages, ok := rawMessages.([]any)
		if !ok {
			return Fail(fmt.Sprintf("item %d: 'messages' must be a list", i), 0.0)
		}

		for j, rawMsg := range messages {
			msg, ok := rawMsg.(map[string]any)
			if !ok {
				return Fail(fmt.Sprintf("item %d, message %d is not an object", i, j), 0.0)
			}
			if _, ok := msg["role"]; !ok {
				return Fail(fmt.Sprintf("item %d, message %d is missing 'role'", i, j), 0.0)
			}
			if _, ok := msg["content"]; !ok {
				return Fail(fmt.Sprintf("item %d, message %d is missing 'content'", i, j), 0.0)
			}
			if msg["role"] != "assistant" {
				continue
			}
			rawCalls, ok := msg["tool_calls"]
			if !ok {
				continue
			}
			calls, ok := rawCalls.([]any)
			if !ok {
				return Fail(fmt.Sprintf("item %d, message %d: 'tool_calls' must be a list", i, j), 0.0)
			}
			for k, rawCall := range calls {
				call, ok := rawCall.(map[string]any)
				if !ok {
					return Fail(fmt.Sprintf("item %d, message %d, tool_call %d is not an object", i, j, k), 0.0)
				}
				if _, ok := call["name"]; !ok {
					return Fail(fmt.Sprintf("item %d, message %d, tool_call %d is missing 'name'", i, j, k), 0.0)
				}
				if _, ok := call["arguments"]; !ok {
					return Fail(fmt.Sprintf("item %d, message %d, tool_call %d is missing 'arguments'", i, j, k), 0.0)
				}
			}
		}
	}
	return Pass("valid tool-call structure")
}
