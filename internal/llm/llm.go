package llm

import (
	"context"

	"ChainPilot/internal/message"
)

// FinishReason 描述一次补全结束的原因。
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
	FinishFiltered  FinishReason = "content_filter"
)

// ToolSpec 是提交给大模型的可用工具描述，Parameters 为 JSON Schema 对象。
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage 记录一次调用消耗的 token。
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResponse 是大模型一次补全的归一化结果。
type CompletionResponse struct {
	Content      string             `json:"content"`
	ToolCalls    []message.ToolCall `json:"tool_calls,omitempty"`
	Finished     bool               `json:"finished"`
	FinishReason FinishReason       `json:"finish_reason"`
	Usage        *Usage             `json:"usage,omitempty"`
}

// Provider 定义了调用大模型的统一接口。
type Provider interface {
	// Name 返回 provider 标识，用于日志与指标。
	Name() string
	// Complete 执行不带工具的普通补全。
	Complete(ctx context.Context, messages []message.Message, systemPrompt string) (*CompletionResponse, error)
	// CompleteWithTools 执行补全，并允许模型请求调用 tools 中的工具。
	CompleteWithTools(ctx context.Context, messages []message.Message, systemPrompt string, tools []ToolSpec) (*CompletionResponse, error)
}
