package openai

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/llm"
	"ChainPilot/internal/message"
	"ChainPilot/pkg/logger"
)

const (
	// ProviderName 是该 provider 在日志与指标中的标识。
	ProviderName   = "openai"
	defaultBaseURL = "https://api.openai.com/v1"
)

// Client 通过 HTTP 调用 OpenAI Chat Completions API。
type Client struct {
	cfg        llm.Config
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      llm.RetryPolicy
	logger     *slog.Logger
}

// Option 定义可选配置。
type Option func(*Client)

// WithHTTPClient 替换底层 HTTP 客户端。
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRateLimit 限制每秒发往服务端的请求数，rps 小于等于 0 时不限流。
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithSleeper 替换重试之间的等待实现。
func WithSleeper(sleep llm.Sleeper) Option {
	return func(c *Client) {
		c.retry.Sleep = sleep
	}
}

// WithRetryHook 注册重试回调。
func WithRetryHook(hook func(attempt int, delay time.Duration, err error)) Option {
	return func(c *Client) {
		c.retry.OnRetry = hook
	}
}

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient 校验配置并创建客户端。
func NewClient(cfg llm.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		retry:      cfg.RetryPolicy(),
		logger:     logger.Named("llm.openai"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.retry.OnRetry == nil {
		c.retry.OnRetry = func(attempt int, delay time.Duration, err error) {
			c.logger.Warn("OpenAI 调用失败，准备重试",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("code", string(xerrors.CodeOf(err))),
				slog.Any("error", err))
		}
	}
	return c, nil
}

// Name 返回 provider 标识。
func (c *Client) Name() string { return ProviderName }

// Complete 执行普通补全。
func (c *Client) Complete(ctx context.Context, messages []message.Message, systemPrompt string) (*llm.CompletionResponse, error) {
	return c.CompleteWithTools(ctx, messages, systemPrompt, nil)
}

// CompleteWithTools 执行补全并允许模型请求调用工具。
func (c *Client) CompleteWithTools(ctx context.Context, messages []message.Message, systemPrompt string, tools []llm.ToolSpec) (*llm.CompletionResponse, error) {
	payload, err := json.Marshal(c.buildRequest(messages, systemPrompt, tools))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderMalformed, err, "序列化 OpenAI 请求失败")
	}
	return c.retry.Do(ctx, classify, func(ctx context.Context) (*llm.CompletionResponse, error) {
		return c.send(ctx, payload)
	})
}

func (c *Client) send(ctx context.Context, payload []byte) (*llm.CompletionResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderMalformed, err, "构建 OpenAI 请求失败")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &llm.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析 OpenAI 响应失败: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeProviderUnknown, "OpenAI 响应中没有有效的 choices")
	}
	return decoded.toCompletion(), nil
}

// classify 在默认分类基础上识别额度耗尽：它同样返回 429，但重试没有意义。
func classify(err error) xerrors.Code {
	var statusErr *llm.StatusError
	if stdErrors.As(err, &statusErr) && statusErr.StatusCode == http.StatusTooManyRequests &&
		strings.Contains(statusErr.Body, "insufficient_quota") {
		return xerrors.CodeProviderCredential
	}
	return llm.ClassifyError(err)
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Tools       []chatTool    `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatToolSpec `json:"function"`
}

type chatToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []chatToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *llm.Usage `json:"usage"`
}

func (r chatResponse) toCompletion() *llm.CompletionResponse {
	choice := r.Choices[0]
	out := &llm.CompletionResponse{
		Content:      strings.TrimSpace(choice.Message.Content),
		FinishReason: llm.FinishReason(choice.FinishReason),
		Usage:        r.Usage,
	}
	for _, call := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, message.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	if len(out.ToolCalls) > 0 && out.FinishReason == "" {
		out.FinishReason = llm.FinishToolCalls
	}
	out.Finished = len(out.ToolCalls) == 0 && out.FinishReason != llm.FinishToolCalls
	return out
}

func (c *Client) buildRequest(messages []message.Message, systemPrompt string, tools []llm.ToolSpec) chatRequest {
	req := chatRequest{
		Model:       c.cfg.Model,
		Messages:    convertMessages(messages, systemPrompt),
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}
	for _, spec := range tools {
		params := spec.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		req.Tools = append(req.Tools, chatTool{
			Type:     "function",
			Function: chatToolSpec{Name: spec.Name, Description: spec.Description, Parameters: params},
		})
	}
	if len(req.Tools) > 0 {
		req.ToolChoice = "auto"
	}
	return req
}

// convertMessages 转换为 OpenAI 消息格式。
// 找不到对应 assistant 工具调用的 tool 消息以及未知角色的消息会被丢弃，服务端会拒绝这类消息。
func convertMessages(messages []message.Message, systemPrompt string) []chatMessage {
	out := make([]chatMessage, 0, len(messages)+1)
	if prompt := strings.TrimSpace(systemPrompt); prompt != "" {
		out = append(out, chatMessage{Role: string(message.RoleSystem), Content: prompt})
	}
	pending := make(map[string]struct{})
	for _, msg := range messages {
		switch msg.Role {
		case message.RoleAssistant:
			pending = make(map[string]struct{}, len(msg.ToolCalls))
			converted := chatMessage{Role: string(msg.Role), Content: msg.Content}
			for _, call := range msg.ToolCalls {
				pending[call.ID] = struct{}{}
				args := call.Arguments
				if strings.TrimSpace(args) == "" {
					args = "{}"
				}
				converted.ToolCalls = append(converted.ToolCalls, chatToolCall{
					ID:       call.ID,
					Type:     "function",
					Function: chatFunction{Name: call.Name, Arguments: args},
				})
			}
			out = append(out, converted)
		case message.RoleTool:
			if _, ok := pending[msg.ToolCallID]; !ok {
				continue
			}
			out = append(out, chatMessage{Role: string(msg.Role), Content: msg.Content, ToolCallID: msg.ToolCallID})
		case message.RoleUser, message.RoleSystem:
			pending = make(map[string]struct{})
			out = append(out, chatMessage{Role: string(msg.Role), Content: msg.Content})
		}
	}
	return out
}
