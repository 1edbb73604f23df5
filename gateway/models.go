package gateway

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BaSui01/llmgateway/llm"
	"github.com/BaSui01/llmgateway/types"
)

// 请求默认值与边界
const (
	DefaultChatModel    = "openai/gpt-4o-mini"
	DefaultDatasetModel = "anthropic/claude-3.5-sonnet"

	MaxMessages       = 100
	MaxContentLength  = 50000
	MaxTokensLimit    = 4096
	MaxToolNameLength = 100
	MaxToolDescLength = 1000
	MaxExamples       = 100
)

// 会话类型
const (
	ConversationChat      = "chat_conversation"
	ConversationFinancial = "financial_advisor"
)

// 数据集输出格式
const (
	OutputJSONL = "jsonl"
	OutputArray = "array"
)

// ChatRequest /chat 请求
type ChatRequest struct {
	Messages    []types.Message `json:"messages"`
	Model       string          `json:"model"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	TopP        float64         `json:"top_p"`
	Stream      bool            `json:"stream"`
	UserID      string          `json:"user_id,omitempty"`
}

// NewChatRequest 带默认值的请求，JSON 解码前使用
func NewChatRequest() ChatRequest {
	return ChatRequest{Model: DefaultChatModel, Temperature: 0.7, TopP: 1.0}
}

// ChatCompletionRequest /chat/completion 请求
type ChatCompletionRequest struct {
	ChatRequest
	EnableGuardrails bool     `json:"enable_guardrails"`
	AllowedTopics    []string `json:"allowed_topics,omitempty"`
	ConversationType string   `json:"conversation_type"`
	EnableCache      bool     `json:"enable_cache"`
}

// NewChatCompletionRequest 带默认值的请求
func NewChatCompletionRequest() ChatCompletionRequest {
	return ChatCompletionRequest{
		ChatRequest:      NewChatRequest(),
		EnableGuardrails: true,
		ConversationType: ConversationChat,
	}
}

// DatasetGenerationRequest /chat/dataset-generator 请求
type DatasetGenerationRequest struct {
	ToolName        string         `json:"tool_name"`
	ToolDescription string         `json:"tool_description"`
	ToolSchema      map[string]any `json:"tool_schema"`
	NumExamples     int            `json:"num_examples"`
	DiversityLevel  float64        `json:"diversity_level"`
	OutputFormat    string         `json:"output_format"`
	Model           string         `json:"model"`
	UserID          string         `json:"user_id,omitempty"`
}

// NewDatasetGenerationRequest 带默认值的请求
func NewDatasetGenerationRequest() DatasetGenerationRequest {
	return DatasetGenerationRequest{
		NumExamples:    10,
		DiversityLevel: 0.7,
		OutputFormat:   OutputJSONL,
		Model:          DefaultDatasetModel,
	}
}

// ChatResponse 对话响应
type ChatResponse struct {
	Message   types.Message `json:"message"`
	Model     string        `json:"model"`
	Usage     llm.ChatUsage `json:"usage"`
	CostUSD   float64       `json:"cost_usd"`
	LatencyMS int64         `json:"latency_ms"`
	CreatedAt time.Time     `json:"created_at"`
	RequestID string        `json:"request_id"`
	Cached    bool          `json:"cached,omitempty"`
}

// DatasetGenerationResponse 数据集生成响应
type DatasetGenerationResponse struct {
	Examples  []any     `json:"examples"`
	Count     int       `json:"count"`
	Format    string    `json:"format"`
	ToolName  string    `json:"tool_name"`
	CostUSD   float64   `json:"cost_usd"`
	ModelUsed string    `json:"model_used"`
	LatencyMS int64     `json:"latency_ms"`
	CreatedAt time.Time `json:"created_at"`
	RequestID string    `json:"request_id"`
	Persisted int       `json:"persisted"`
}

func invalid(field, format string, args ...any) *types.Error {
	return types.NewError(types.ErrInvalidRequest, field+": "+fmt.Sprintf(format, args...)).
		WithHTTPStatus(400).
		WithDetail("field", field)
}

// Validate 校验 /chat 请求
func (r *ChatRequest) Validate() error {
	if r.Model == "" {
		r.Model = DefaultChatModel
	}
	if len(r.Messages) == 0 || len(r.Messages) > MaxMessages {
		return invalid("messages", "must contain between 1 and %d messages", MaxMessages)
	}
	for i, m := range r.Messages {
		field := fmt.Sprintf("messages[%d]", i)
		if !m.Role.Valid() {
			return invalid(field+".role", "unsupported role %q", m.Role)
		}
		n := utf8.RuneCountInString(m.Content)
		if n == 0 || n > MaxContentLength {
			return invalid(field+".content", "must be between 1 and %d characters", MaxContentLength)
		}
		if strings.TrimSpace(m.Content) == "" {
			return invalid(field+".content", "must not be blank")
		}
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		return invalid("temperature", "must be between 0 and 2")
	}
	if r.MaxTokens < 0 || r.MaxTokens > MaxTokensLimit {
		return invalid("max_tokens", "must be between 1 and %d", MaxTokensLimit)
	}
	if r.TopP < 0 || r.TopP > 1 {
		return invalid("top_p", "must be between 0 and 1")
	}
	return nil
}

// Validate 校验 /chat/completion 请求
func (r *ChatCompletionRequest) Validate() error {
	if err := r.ChatRequest.Validate(); err != nil {
		return err
	}
	switch r.ConversationType {
	case "":
		r.ConversationType = ConversationChat
	case ConversationChat, ConversationFinancial:
	default:
		return invalid("conversation_type", "must be one of %s, %s", ConversationChat, ConversationFinancial)
	}
	for i, t := range r.AllowedTopics {
		if strings.TrimSpace(t) == "" {
			return invalid(fmt.Sprintf("allowed_topics[%d]", i), "must not be blank")
		}
	}
	return nil
}

// Validate 校验数据集生成请求
func (r *DatasetGenerationRequest) Validate() error {
	if r.Model == "" {
		r.Model = DefaultDatasetModel
	}
	if r.OutputFormat == "" {
		r.OutputFormat = OutputJSONL
	}
	if n := utf8.RuneCountInString(strings.TrimSpace(r.ToolName)); n == 0 || n > MaxToolNameLength {
		return invalid("tool_name", "must be between 1 and %d characters", MaxToolNameLength)
	}
	if n := utf8.RuneCountInString(strings.TrimSpace(r.ToolDescription)); n == 0 || n > MaxToolDescLength {
		return invalid("tool_description", "must be between 1 and %d characters", MaxToolDescLength)
	}
	if r.ToolSchema == nil {
		return invalid("tool_schema", "must be a JSON object")
	}
	if r.NumExamples < 1 || r.NumExamples > MaxExamples {
		return invalid("num_examples", "must be between 1 and %d", MaxExamples)
	}
	if r.DiversityLevel < 0 || r.DiversityLevel > 1 {
		return invalid("diversity_level", "must be between 0 and 1")
	}
	if r.OutputFormat != OutputJSONL && r.OutputFormat != OutputArray {
		return invalid("output_format", "must be %s or %s", OutputJSONL, OutputArray)
	}
	return nil
}
