package llm

import (
	"strings"
	"time"

	xerrors "ChainPilot/internal/errors"
)

const (
	DefaultTemperature    = 0.7
	DefaultMaxTokens      = 1000
	DefaultTimeout        = 30 * time.Second
	DefaultMaxRetries     = 3
	DefaultRetryBaseDelay = time.Second
)

// Config 是所有具体 provider 共享的配置。
type Config struct {
	APIKey         string
	Model          string
	BaseURL        string
	Temperature    float64
	MaxTokens      int
	Timeout        time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// DefaultConfig 返回带默认值的配置，调用方只需补充凭证与模型。
func DefaultConfig() Config {
	return Config{
		Temperature:    DefaultTemperature,
		MaxTokens:      DefaultMaxTokens,
		Timeout:        DefaultTimeout,
		MaxRetries:     DefaultMaxRetries,
		RetryBaseDelay: DefaultRetryBaseDelay,
	}
}

// Validate 在构造阶段校验配置，任何不合法的值都会返回配置错误。
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.APIKey) == "":
		return xerrors.New(xerrors.CodeConfiguration, "未提供大模型 API Key")
	case strings.TrimSpace(c.Model) == "":
		return xerrors.New(xerrors.CodeConfiguration, "未指定模型名称")
	case c.Temperature < 0 || c.Temperature > 1:
		return xerrors.New(xerrors.CodeConfiguration, "temperature 必须位于 [0,1] 区间")
	case c.MaxTokens <= 0:
		return xerrors.New(xerrors.CodeConfiguration, "max_tokens 必须为正数")
	case c.Timeout <= 0:
		return xerrors.New(xerrors.CodeConfiguration, "timeout 必须为正数")
	case c.MaxRetries < 0:
		return xerrors.New(xerrors.CodeConfiguration, "max_retries 不能为负数")
	}
	return nil
}

// RetryPolicy 根据配置构造重试策略。
func (c Config) RetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: c.MaxRetries, BaseDelay: c.RetryBaseDelay}
}
