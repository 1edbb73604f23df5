package tokenizer

import (
	"unicode/utf8"

	"github.com/BaSui01/llmgateway/types"
)

// EstimatorTokenizer 按字符数估算 token
// 拉丁字符约 4 字符/token，CJK 约 1.5 字符/token
type EstimatorTokenizer struct{}

// NewEstimatorTokenizer 创建估算器
func NewEstimatorTokenizer() *EstimatorTokenizer { return &EstimatorTokenizer{} }

func (e *EstimatorTokenizer) CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}

	totalChars := utf8.RuneCountInString(text)
	cjkCount := 0
	for _, r := range text {
		if isCJK(r) {
			cjkCount++
		}
	}

	estimated := int(float64(cjkCount)/1.5 + float64(totalChars-cjkCount)/4.0)
	if estimated == 0 {
		estimated = 1
	}
	return estimated, nil
}

func (e *EstimatorTokenizer) CountMessages(messages []types.Message) (int, error) {
	total := 0
	for _, msg := range messages {
		n, err := e.CountTokens(msg.Content)
		if err != nil {
			return 0, err
		}
		total += n + perMessageOverhead
	}
	return total + conversationEnd, nil
}

func (e *EstimatorTokenizer) Name() string { return "estimator" }

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x3000 && r <= 0x303F) ||
		(r >= 0xFF00 && r <= 0xFFEF)
}
