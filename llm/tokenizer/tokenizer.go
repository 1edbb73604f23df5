package tokenizer

import (
	"strings"

	"github.com/BaSui01/llmgateway/types"
	"go.uber.org/zap"
)

// Tokenizer 统一的 token 计数接口
type Tokenizer interface {
	// CountTokens 返回文本的 token 数
	CountTokens(text string) (int, error)

	// CountMessages 返回消息列表的总 token 数，包含每条消息的角色与分隔开销
	CountMessages(messages []types.Message) (int, error)

	// Name 分词器名称
	Name() string
}

// 每条消息的固定开销与会话结束开销
const (
	perMessageOverhead = 4
	conversationEnd    = 3
)

// fallbackTokenizer tiktoken 不可用（如 BPE 文件无法下载）时退回估算器
type fallbackTokenizer struct {
	primary  Tokenizer
	fallback Tokenizer
	logger   *zap.Logger
}

// ForModel 按模型返回分词器
// OpenRouter 模型名形如 "openai/gpt-4o-mini"，取斜杠后的部分匹配编码
func ForModel(model string, logger *zap.Logger) Tokenizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	name := model
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return &fallbackTokenizer{
		primary:  NewTiktokenTokenizer(name),
		fallback: NewEstimatorTokenizer(),
		logger:   logger,
	}
}

func (f *fallbackTokenizer) CountTokens(text string) (int, error) {
	n, err := f.primary.CountTokens(text)
	if err != nil {
		f.logger.Debug("tiktoken unavailable, using estimator", zap.Error(err))
		return f.fallback.CountTokens(text)
	}
	return n, nil
}

func (f *fallbackTokenizer) CountMessages(messages []types.Message) (int, error) {
	n, err := f.primary.CountMessages(messages)
	if err != nil {
		f.logger.Debug("tiktoken unavailable, using estimator", zap.Error(err))
		return f.fallback.CountMessages(messages)
	}
	return n, nil
}

func (f *fallbackTokenizer) Name() string { return f.primary.Name() }
