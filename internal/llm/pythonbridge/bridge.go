package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/llm"
	"ChainPilot/internal/message"
)

// ProviderName 是该 provider 在日志与指标中的标识。
const ProviderName = "python_bridge"

// Config 描述外部推理脚本的调用方式。
type Config struct {
	PythonExec string
	ScriptPath string
	WorkingDir string
	Timeout    time.Duration
	MaxRetries int
}

// Client 通过调用本地脚本实现大模型推理，脚本从 stdin 读取请求并向 stdout 写出结果。
type Client struct {
	cfg   Config
	retry llm.RetryPolicy
}

// NewClient 创建 Python Bridge 客户端。
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.ScriptPath) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未指定 Python 脚本路径")
	}
	if cfg.PythonExec == "" {
		cfg.PythonExec = "python3"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = llm.DefaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	return &Client{
		cfg:   cfg,
		retry: llm.RetryPolicy{MaxRetries: cfg.MaxRetries, BaseDelay: llm.DefaultRetryBaseDelay},
	}, nil
}

// Name 返回 provider 标识。
func (c *Client) Name() string { return ProviderName }

// Complete 执行普通补全。
func (c *Client) Complete(ctx context.Context, messages []message.Message, systemPrompt string) (*llm.CompletionResponse, error) {
	return c.CompleteWithTools(ctx, messages, systemPrompt, nil)
}

// CompleteWithTools 将对话与工具列表交给脚本，并解析其输出。
func (c *Client) CompleteWithTools(ctx context.Context, messages []message.Message, systemPrompt string, tools []llm.ToolSpec) (*llm.CompletionResponse, error) {
	encoded, err := json.Marshal(bridgeRequest{
		SystemPrompt: systemPrompt,
		Messages:     messages,
		Tools:        tools,
		Timestamp:    time.Now().Unix(),
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderMalformed, err, "序列化请求失败")
	}
	return c.retry.Do(ctx, classify, func(ctx context.Context) (*llm.CompletionResponse, error) {
		return c.run(ctx, encoded)
	})
}

type bridgeRequest struct {
	SystemPrompt string            `json:"system_prompt"`
	Messages     []message.Message `json:"messages"`
	Tools        []llm.ToolSpec    `json:"tools,omitempty"`
	Timestamp    int64             `json:"timestamp"`
}

var errScriptFailed = stdErrors.New("bridge script failed")

func (c *Client) run(ctx context.Context, payload []byte) (*llm.CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	command := exec.CommandContext(ctx, c.cfg.PythonExec, c.cfg.ScriptPath)
	if c.cfg.WorkingDir != "" {
		command.Dir = c.cfg.WorkingDir
	}
	command.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v, stderr=%s", errScriptFailed, err, strings.TrimSpace(stderr.String()))
	}

	var resp llm.CompletionResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("解析脚本输出失败: %w", err)
	}
	resp.Content = strings.TrimSpace(resp.Content)
	if resp.FinishReason == "" {
		if len(resp.ToolCalls) > 0 {
			resp.FinishReason = llm.FinishToolCalls
		} else {
			resp.FinishReason = llm.FinishStop
		}
	}
	resp.Finished = len(resp.ToolCalls) == 0
	return &resp, nil
}

func classify(err error) xerrors.Code {
	if stdErrors.Is(err, errScriptFailed) {
		return xerrors.CodeProviderUnavailable
	}
	return llm.ClassifyError(err)
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" || filepath.IsAbs(script) || baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}
