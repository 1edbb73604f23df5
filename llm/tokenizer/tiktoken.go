package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/BaSui01/llmgateway/types"
	"github.com/pkoukk/tiktoken-go"
)

// TiktokenTokenizer 基于 tiktoken 的分词器
type TiktokenTokenizer struct {
	model    string
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
}

// 模型前缀到编码的映射，未命中时使用 cl100k_base 近似
var modelEncodings = []struct {
	prefix   string
	encoding string
}{
	{"gpt-4o", "o200k_base"},
	{"o1", "o200k_base"},
	{"gpt-4", "cl100k_base"},
	{"gpt-3.5", "cl100k_base"},
}

const defaultEncoding = "cl100k_base"

// NewTiktokenTokenizer 为模型创建 tiktoken 分词器，编码在首次使用时加载
func NewTiktokenTokenizer(model string) *TiktokenTokenizer {
	encoding := defaultEncoding
	for _, m := range modelEncodings {
		if strings.HasPrefix(model, m.prefix) {
			encoding = m.encoding
			break
		}
	}
	return &TiktokenTokenizer{model: model, encoding: encoding}
}

// init 延迟加载编码（首次使用可能下载 BPE 数据）
func (t *TiktokenTokenizer) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

func (t *TiktokenTokenizer) CountTokens(text string) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

func (t *TiktokenTokenizer) CountMessages(messages []types.Message) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	total := 0
	for _, msg := range messages {
		total += perMessageOverhead
		total += len(t.enc.Encode(msg.Content, nil, nil))
		total += len(t.enc.Encode(string(msg.Role), nil, nil))
	}
	return total + conversationEnd, nil
}

// Encoding 返回编码名称
func (t *TiktokenTokenizer) Encoding() string { return t.encoding }

func (t *TiktokenTokenizer) Name() string {
	return fmt.Sprintf("tiktoken[%s]", t.encoding)
}
