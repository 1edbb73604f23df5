package types

import "encoding/json"

// Role 消息发送方，取值与 OpenAI 兼容接口一致
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"

	// RoleFunction 旧版 function calling 的结果消息，OpenRouter 仍然接受
	RoleFunction Role = "function"
)

// Valid 是否为可转发给上游的角色
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool, RoleFunction:
		return true
	default:
		return false
	}
}

// ToolCall 模型发出的一次函数调用，Arguments 保留上游原始 JSON
type ToolCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message 一条对话消息。PII 脱敏与护栏只处理 Content。
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // 仅 tool 角色
}

func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// ToolResult 回传给模型的工具执行结果
func ToolResult(callID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID}
}
