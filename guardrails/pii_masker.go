package guardrails

import (
	"regexp"
	"strings"
)

// PIIType PII 类型标签
type PIIType string

const (
	// PIITypeCPF 个人税号（CPF）
	PIITypeCPF PIIType = "cpf"
	// PIITypeCNPJ 企业税号（CNPJ）
	PIITypeCNPJ PIIType = "cnpj"
	// PIITypeEmail 邮箱
	PIITypeEmail PIIType = "email"
	// PIITypePhone 电话
	PIITypePhone PIIType = "phone"
)

// 掩码字符
const maskChar = "*"

var (
	cpfPattern   = regexp.MustCompile(`\b\d{3}\.?\d{3}\.?\d{3}-?\d{2}\b`)
	cnpjPattern  = regexp.MustCompile(`\b\d{2}\.?\d{3}\.?\d{3}/?\.?\d{4}-?\d{2}\b`)
	emailPattern = regexp.MustCompile(`(?i)\b[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}\b`)
	phonePattern = regexp.MustCompile(`(\+55\s?)?\(?\d{2}\)?\s?\d{4,5}-?\d{4}\b`)
	// 电话内部分组：国家码、区号（保留）与号码（脱敏）
	phoneParts = regexp.MustCompile(`(\+55\s?)?(\(?\d{2}\)?\s?)(\d{4,5}-?\d{4})`)
	digitRun   = regexp.MustCompile(`\d`)
)

// piiRule 单一类别的检测与脱敏规则
type piiRule struct {
	kind    PIIType
	pattern *regexp.Regexp
	mask    func(string) string
}

// PIIMasker 结构化个人标识检测与脱敏器
// 规则顺序固定：CPF → CNPJ → 邮箱 → 电话。
// 前面的规则把数字替换成 '*' 后，后面的电话规则（只匹配 \d）不会再命中这些片段。
type PIIMasker struct {
	rules []piiRule
}

// NewPIIMasker 创建 PII 脱敏器
func NewPIIMasker() *PIIMasker {
	return &PIIMasker{
		rules: []piiRule{
			{kind: PIITypeCPF, pattern: cpfPattern, mask: maskDigits},
			{kind: PIITypeCNPJ, pattern: cnpjPattern, mask: maskDigits},
			{kind: PIITypeEmail, pattern: emailPattern, mask: maskEmail},
			{kind: PIITypePhone, pattern: phonePattern, mask: maskPhone},
		},
	}
}

// Mask 按固定顺序脱敏所有类别，空字符串原样返回
func (m *PIIMasker) Mask(text string) string {
	if text == "" {
		return text
	}
	out := text
	for _, r := range m.rules {
		out = r.pattern.ReplaceAllStringFunc(out, r.mask)
	}
	return out
}

// MaskType 只脱敏指定类别
func (m *PIIMasker) MaskType(text string, kind PIIType) string {
	if text == "" {
		return text
	}
	for _, r := range m.rules {
		if r.kind == kind {
			return r.pattern.ReplaceAllStringFunc(text, r.mask)
		}
	}
	return text
}

// HasPII 是否包含任意类别的 PII
func (m *PIIMasker) HasPII(text string) bool {
	if text == "" {
		return false
	}
	for _, r := range m.rules {
		if r.pattern.MatchString(text) {
			return true
		}
	}
	return false
}

// DetectPIITypes 返回检测到的类别，按规则顺序排列且不重复
func (m *PIIMasker) DetectPIITypes(text string) []PIIType {
	if text == "" {
		return nil
	}
	var found []PIIType
	for _, r := range m.rules {
		if r.pattern.MatchString(text) {
			found = append(found, r.kind)
		}
	}
	return found
}

// maskDigits 仅替换数字，保留分隔符
func maskDigits(s string) string {
	return digitRun.ReplaceAllString(s, maskChar)
}

// maskEmail 本地部分与每个域名标签都替换为定长掩码，只保留标签个数
func maskEmail(s string) string {
	at := strings.IndexByte(s, '@')
	if at < 0 {
		return "***"
	}
	labels := strings.Split(s[at+1:], ".")
	masked := make([]string, len(labels))
	for i := range labels {
		masked[i] = "***"
	}
	return "***@" + strings.Join(masked, ".")
}

// maskPhone 保留 +55 与区号，只脱敏号码部分
func maskPhone(s string) string {
	idx := phoneParts.FindStringSubmatchIndex(s)
	if idx == nil || idx[6] < 0 {
		return maskDigits(s)
	}
	return s[:idx[6]] + maskDigits(s[idx[6]:idx[7]]) + s[idx[7]:]
}
