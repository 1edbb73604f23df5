package openrouter

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/llmgateway/llm"
	"github.com/BaSui01/llmgateway/types"
)

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
	User        string        `json:"user,omitempty"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type wireChoice struct {
	Index        int          `json:"index"`
	FinishReason string       `json:"finish_reason"`
	Message      *wireMessage `json:"message,omitempty"`
	Delta        *wireMessage `json:"delta,omitempty"`
}

type completionResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Created int64        `json:"created"`
	Choices []wireChoice `json:"choices"`
	Usage   *wireUsage   `json:"usage,omitempty"`
}

func newCompletionRequest(req *llm.ChatRequest, stream bool) completionRequest {
	msgs := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		wm := wireMessage{Role: string(m.Role), Content: m.Content, Name: m.Name, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: wireFunction{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		msgs = append(msgs, wm)
	}
	return completionRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
		User:        req.UserID,
	}
}

func (u *wireUsage) toUsage() llm.ChatUsage {
	if u == nil {
		return llm.ChatUsage{}
	}
	// 负数按 0 处理
	prompt, completion := max(u.PromptTokens, 0), max(u.CompletionTokens, 0)
	total := max(u.TotalTokens, 0)
	if total == 0 {
		total = prompt + completion
	}
	return llm.ChatUsage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      total,
	}
}

// toChatResponse 取 choices[0].message，缺失或内容为空视为空补全
func (r completionResponse) toChatResponse(requestedModel string) (*llm.ChatResponse, error) {
	if len(r.Choices) == 0 || r.Choices[0].Message == nil {
		return nil, emptyCompletion("upstream returned no choices")
	}
	wm := r.Choices[0].Message
	if strings.TrimSpace(wm.Content) == "" && len(wm.ToolCalls) == 0 {
		return nil, emptyCompletion("upstream returned empty content")
	}

	msg := types.Message{Role: types.RoleAssistant, Content: wm.Content, Name: wm.Name}
	for _, tc := range wm.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	model := r.Model
	if model == "" {
		model = requestedModel
	}
	created := time.Now().UTC()
	if r.Created > 0 {
		created = time.Unix(r.Created, 0).UTC()
	}

	return &llm.ChatResponse{
		ID:           r.ID,
		Provider:     providerName,
		Model:        model,
		Message:      msg,
		FinishReason: r.Choices[0].FinishReason,
		Usage:        r.Usage.toUsage(),
		CreatedAt:    created,
	}, nil
}

func emptyCompletion(msg string) *types.Error {
	return types.NewError(types.ErrEmptyCompletion, msg).
		WithHTTPStatus(http.StatusBadGateway).
		WithProvider(providerName)
}
