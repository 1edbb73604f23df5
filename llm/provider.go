package llm

import (
	"context"
	"time"

	"github.com/BaSui01/llmgateway/types"
)

// ChatRequest 上游聊天补全请求
type ChatRequest struct {
	Model       string          `json:"model"`
	Messages    []types.Message `json:"messages"`
	Temperature float64         `json:"temperature"`
	TopP        float64         `json:"top_p"`
	// MaxTokens 为 0 时不下发
	MaxTokens int    `json:"max_tokens,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// ChatUsage token 用量
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse 上游聊天补全响应
type ChatResponse struct {
	ID           string        `json:"id,omitempty"`
	Provider     string        `json:"provider,omitempty"`
	Model        string        `json:"model"`
	Message      types.Message `json:"message"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Usage        ChatUsage     `json:"usage"`
	CreatedAt    time.Time     `json:"created_at"`
}

// StreamChunk 流式增量
type StreamChunk struct {
	ID           string     `json:"id,omitempty"`
	Model        string     `json:"model,omitempty"`
	Delta        string     `json:"delta"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        *ChatUsage `json:"usage,omitempty"`
	Err          error      `json:"-"`
}

// HealthStatus 健康检查结果
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
}

// Provider 上游模型提供者
type Provider interface {
	// Completion 同步补全，失败返回 *types.Error
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream 流式补全，通道在结束或出错后关闭
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// HealthCheck 轻量探活
	HealthCheck(ctx context.Context) (*HealthStatus, error)

	// Name 提供者标识
	Name() string
}
