// Package message defines the conversation turn types shared by the provider,
// the context store and the agent loop.
package message

import "time"

// Role 表示一条消息在对话中的角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid 判断角色是否为受支持的枚举值。
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	default:
		return false
	}
}

// ToolCall 是大模型请求执行的一次工具调用，Arguments 为原始 JSON 文本。
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message 是对话中的一个回合。
//
// tool 角色的消息必须携带 ToolCallID，并且它要对应上一条 assistant 消息里的某个 ToolCall。
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	Timestamp  time.Time  `json:"timestamp,omitempty"`
}

// Clone 返回消息的深拷贝。
func (m Message) Clone() Message {
	clone := m
	if len(m.ToolCalls) > 0 {
		clone.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	return clone
}

// CloneAll 拷贝一组消息。
func CloneAll(messages []Message) []Message {
	if messages == nil {
		return nil
	}
	out := make([]Message, len(messages))
	for i, msg := range messages {
		out[i] = msg.Clone()
	}
	return out
}
