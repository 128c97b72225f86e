package llm

import (
	"context"

	"ChainPilot/internal/message"
)

// StreamChunk 是流式补全的一个增量片段。Done 为 true 的片段总是最后一个。
type StreamChunk struct {
	Delta        string             `json:"delta"`
	ToolCalls    []message.ToolCall `json:"tool_calls,omitempty"`
	Done         bool               `json:"done"`
	FinishReason FinishReason       `json:"finish_reason,omitempty"`
	Usage        *Usage             `json:"usage,omitempty"`
}

// Streamer 由支持流式输出的 provider 实现。
type Streamer interface {
	Stream(ctx context.Context, messages []message.Message, systemPrompt string, fn func(StreamChunk) error) error
}

// Stream 以流式方式获取补全。provider 不支持流式时，退化为一次完整补全并以单个片段返回。
func Stream(ctx context.Context, p Provider, messages []message.Message, systemPrompt string, fn func(StreamChunk) error) error {
	if s, ok := p.(Streamer); ok {
		return s.Stream(ctx, messages, systemPrompt, fn)
	}
	resp, err := p.Complete(ctx, messages, systemPrompt)
	if err != nil {
		return err
	}
	return fn(StreamChunk{
		Delta:        resp.Content,
		ToolCalls:    resp.ToolCalls,
		Done:         true,
		FinishReason: resp.FinishReason,
		Usage:        resp.Usage,
	})
}
