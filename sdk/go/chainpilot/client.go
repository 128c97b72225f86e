// Package chainpilot 是 ChainPilot REST API 的 Go 客户端。
package chainpilot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout 是未传入 http.Client 时使用的超时，需覆盖一次完整的智能体回合。
const DefaultHTTPTimeout = 2 * time.Minute

// 任务状态。
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// Client 封装对 ChainPilot API 的 HTTP 调用，可并发使用。
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	apiKey     string
}

// Option 定义可选配置。
type Option func(*Client)

// WithHTTPClient 替换底层 http.Client。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithAPIKey 为每个请求附加 Bearer API Key。
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = strings.TrimSpace(key) }
}

// ChatRequest 是一轮对话的输入。
type ChatRequest struct {
	Message        string `json:"message"`
	CallerAddress  string `json:"caller_address"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Intent 是服务端识别出的意图。
type Intent struct {
	Type       string         `json:"type"`
	Params     map[string]any `json:"params"`
	Confidence float64        `json:"confidence"`
	RawInput   string         `json:"raw_input"`
}

// ToolResult 是工具的执行结果。
type ToolResult struct {
	Success  bool           `json:"success"`
	Data     any            `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
	Code     string         `json:"code,omitempty"`
	Metadata map[string]any `json:"metadata"`
}

// ToolCall 记录智能体执行过的一次工具调用。
type ToolCall struct {
	CallID string         `json:"call_id"`
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
	Result *ToolResult    `json:"result"`
}

// Usage 是大模型的 token 消耗。
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse 是一轮对话的结果。
type ChatResponse struct {
	Intent         Intent     `json:"intent"`
	Response       string     `json:"response"`
	ConversationID string     `json:"conversation_id"`
	ToolCalls      []ToolCall `json:"tool_calls,omitempty"`
	Iterations     int        `json:"iterations"`
	Usage          Usage      `json:"usage"`
}

// JobRequest 描述一个异步对话任务，ID 为空时由服务端生成。
type JobRequest struct {
	ID             string         `json:"id,omitempty"`
	Message        string         `json:"message"`
	CallerAddress  string         `json:"caller_address"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Job 是任务的当前状态。
type Job struct {
	ID             string         `json:"id"`
	Message        string         `json:"message"`
	CallerAddress  string         `json:"caller_address"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Status         string         `json:"status"`
	Attempts       int            `json:"attempts"`
	MaxRetries     int            `json:"max_retries"`
	LastError      string         `json:"last_error,omitempty"`
	ErrorCode      string         `json:"error_code,omitempty"`
	Result         *ChatResponse  `json:"result,omitempty"`
	CreatedAt      int64          `json:"created_at"`
	UpdatedAt      int64          `json:"updated_at"`
}

// Terminal 判断任务是否已结束。
func (j *Job) Terminal() bool {
	return j != nil && (j.Status == JobSucceeded || j.Status == JobFailed)
}

// JobFilter 是列出任务时的过滤条件，零值表示不过滤。
type JobFilter struct {
	Statuses       []string
	CallerAddress  string
	ConversationID string
	Limit          int
	Offset         int
	Ascending      bool
}

// ToolParameter 描述工具的一个参数。
type ToolParameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// Tool 是服务端注册的工具定义。
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
}

// Message 是会话上下文中的一条消息。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ConversationContext 是服务端内存中的会话上下文。
type ConversationContext struct {
	ID            string            `json:"id"`
	OwnerAddress  string            `json:"owner_address"`
	Messages      []Message         `json:"messages"`
	CreatedAt     time.Time         `json:"created_at"`
	LastUpdatedAt time.Time         `json:"last_updated_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// HistoryRecord 是持久化的一条聊天记录。
type HistoryRecord struct {
	ID             int64  `json:"id"`
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	CallerAddress  string `json:"caller_address,omitempty"`
	IntentType     string `json:"intent_type,omitempty"`
	CreatedAt      int64  `json:"created_at"`
}

// Conversation 汇总会话上下文与聊天记录。
type Conversation struct {
	ID      string               `json:"id"`
	Context *ConversationContext `json:"context,omitempty"`
	History []HistoryRecord      `json:"history,omitempty"`
}

// ClearResult 是删除会话的结果。
type ClearResult struct {
	Cleared        bool `json:"cleared"`
	HistoryDeleted int  `json:"history_deleted"`
}

// APIError 是服务端返回的错误。
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error"`
	Code       string `json:"code"`
	Retryable  bool   `json:"retryable"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("chainpilot api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("chainpilot api error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound 判断错误是否为资源不存在。
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// NewClient 创建客户端，baseURL 形如 http://localhost:8080。
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}
	c := &Client{baseURL: parsed, httpClient: &http.Client{Timeout: DefaultHTTPTimeout}}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Chat 同步执行一轮对话。
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	var out ChatResponse
	if err := c.send(ctx, http.MethodPost, "/api/v1/chat", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitJob 提交异步任务。重复提交同一 ID 会返回已有任务。
func (c *Client) SubmitJob(ctx context.Context, req JobRequest) (*Job, error) {
	var out Job
	if err := c.send(ctx, http.MethodPost, "/api/v1/jobs", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetJob 查询任务状态。
func (c *Client) GetJob(ctx context.Context, id string) (*Job, error) {
	var out Job
	if err := c.send(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListJobs 按条件列出任务。
func (c *Client) ListJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	query := url.Values{}
	if len(filter.Statuses) > 0 {
		query.Set("status", strings.Join(filter.Statuses, ","))
	}
	if filter.CallerAddress != "" {
		query.Set("caller", filter.CallerAddress)
	}
	if filter.ConversationID != "" {
		query.Set("conversation_id", filter.ConversationID)
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		query.Set("offset", strconv.Itoa(filter.Offset))
	}
	if filter.Ascending {
		query.Set("order", "asc")
	}
	var out struct {
		Jobs []Job `json:"jobs"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/jobs", query, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// WaitForJob 轮询直到任务结束或 ctx 取消，取消时返回最后一次看到的任务。
func (c *Client) WaitForJob(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var last *Job
	for {
		job, err := c.GetJob(ctx, id)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return last, ctxErr
			}
			return nil, err
		}
		if job.Terminal() {
			return job, nil
		}
		last = job
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tools 列出服务端可用的工具。
func (c *Client) Tools(ctx context.Context) ([]Tool, error) {
	var out struct {
		Tools []Tool `json:"tools"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/tools", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

// Conversation 读取会话上下文与聊天记录。
func (c *Client) Conversation(ctx context.Context, id string) (*Conversation, error) {
	var out Conversation
	if err := c.send(ctx, http.MethodGet, "/api/v1/conversations/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteConversation 清除会话上下文与聊天记录。
func (c *Client) DeleteConversation(ctx context.Context, id string) (*ClearResult, error) {
	var out ClearResult
	if err := c.send(ctx, http.MethodDelete, "/api/v1/conversations/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, endpoint, query, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
