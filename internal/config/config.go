package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/pkg/logger"
)

// 支持的环境变量覆盖项。
const (
	EnvLLMAPIKey     = "CHAINPILOT_LLM_API_KEY"
	EnvServerAddress = "CHAINPILOT_SERVER_ADDRESS"
	EnvMySQLDSN      = "CHAINPILOT_MYSQL_DSN"
	EnvRedisAddress  = "CHAINPILOT_REDIS_ADDRESS"
	EnvRabbitMQURL   = "CHAINPILOT_RABBITMQ_URL"
	EnvAPIKey        = "CHAINPILOT_API_KEY"
)

// Config 描述了 ChainPilot 启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Logging  logger.Config  `json:"logging" yaml:"logging"`
	LLM      LLMConfig      `json:"llm" yaml:"llm"`
	Agent    AgentConfig    `json:"agent" yaml:"agent"`
	Context  ContextConfig  `json:"context" yaml:"context"`
	Cache    CacheConfig    `json:"cache" yaml:"cache"`
	Web3     Web3Config     `json:"web3" yaml:"web3"`
	History  HistoryConfig  `json:"history" yaml:"history"`
	Jobs     JobsConfig     `json:"jobs" yaml:"jobs"`
	Alerting AlertingConfig `json:"alerting" yaml:"alerting"`
	Runtime  RuntimeConfig  `json:"runtime" yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address             string `json:"address" yaml:"address"`
	ReadTimeoutSeconds  int    `json:"read_timeout_seconds" yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `json:"write_timeout_seconds" yaml:"write_timeout_seconds"`
	// APIKeys 非空时 /api/v1 下的接口需要携带其中之一。
	APIKeys []APIKeyConfig `json:"api_keys" yaml:"api_keys"`
}

// APIKeyConfig 描述一个调用方的 API Key。
type APIKeyConfig struct {
	Name     string `json:"name" yaml:"name"`
	Value    string `json:"value" yaml:"value"`
	Disabled bool   `json:"disabled" yaml:"disabled"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider          string             `json:"provider" yaml:"provider"`
	APIKey            string             `json:"api_key" yaml:"api_key"`
	APIKeyEnv         string             `json:"api_key_env" yaml:"api_key_env"`
	BaseURL           string             `json:"base_url" yaml:"base_url"`
	Model             string             `json:"model" yaml:"model"`
	Temperature       *float64           `json:"temperature" yaml:"temperature"`
	MaxTokens         int                `json:"max_tokens" yaml:"max_tokens"`
	TimeoutSeconds    int                `json:"timeout_seconds" yaml:"timeout_seconds"`
	MaxRetries        int                `json:"max_retries" yaml:"max_retries"`
	RetryBaseDelayMS  int                `json:"retry_base_delay_ms" yaml:"retry_base_delay_ms"`
	RequestsPerSecond float64            `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int                `json:"burst" yaml:"burst"`
	Python            PythonBridgeConfig `json:"python_bridge" yaml:"python_bridge"`
}

// PythonBridgeConfig 描述通过外部脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `json:"python_executable" yaml:"python_executable"`
	ScriptPath       string `json:"script_path" yaml:"script_path"`
	WorkingDir       string `json:"working_dir" yaml:"working_dir"`
}

// Timeout 返回单次调用的超时时间。
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RetryBaseDelay 返回重试的基础等待时间。
func (c LLMConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMS) * time.Millisecond
}

// AgentConfig 控制编排循环。
type AgentConfig struct {
	MaxIterations int    `json:"max_iterations" yaml:"max_iterations"`
	SystemPrompt  string `json:"system_prompt" yaml:"system_prompt"`
}

// ContextConfig 控制会话上下文存储。
type ContextConfig struct {
	MaxMessages          int `json:"max_messages" yaml:"max_messages"`
	ExpiryMinutes        int `json:"expiry_minutes" yaml:"expiry_minutes"`
	MaxContexts          int `json:"max_contexts" yaml:"max_contexts"`
	SweepIntervalSeconds int `json:"sweep_interval_seconds" yaml:"sweep_interval_seconds"`
}

// Expiry 返回会话过期时间。
func (c ContextConfig) Expiry() time.Duration {
	return time.Duration(c.ExpiryMinutes) * time.Minute
}

// SweepInterval 返回后台清理间隔。
func (c ContextConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// CacheConfig 控制工具层缓存。fast 用于余额与 gas 等易变数据，slow 用于链 ID 等稳定数据。
type CacheConfig struct {
	Enabled              *bool `json:"enabled" yaml:"enabled"`
	FastTTLSeconds       int   `json:"fast_ttl_seconds" yaml:"fast_ttl_seconds"`
	SlowTTLSeconds       int   `json:"slow_ttl_seconds" yaml:"slow_ttl_seconds"`
	MaxSize              int   `json:"max_size" yaml:"max_size"`
	SweepIntervalSeconds int   `json:"sweep_interval_seconds" yaml:"sweep_interval_seconds"`
}

// IsEnabled 判断是否启用缓存。
func (c CacheConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Web3Config 包含访问区块链节点所需的配置。
type Web3Config struct {
	ChainConfig  string `json:"chain_config" yaml:"chain_config"`
	DefaultChain string `json:"default_chain" yaml:"default_chain"`
	RPCURL       string `json:"rpc_url" yaml:"rpc_url"`
}

// HistoryConfig 描述聊天记录的持久化方式。
type HistoryConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
	Limit  int    `json:"limit" yaml:"limit"`
}

// JobsConfig 描述异步对话任务的存储与队列。
type JobsConfig struct {
	Store      StoreConfig `json:"store" yaml:"store"`
	Queue      QueueConfig `json:"queue" yaml:"queue"`
	Workers    int         `json:"workers" yaml:"workers"`
	MaxRetries int         `json:"max_retries" yaml:"max_retries"`
}

// StoreConfig 描述任务存储后端。
type StoreConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

// QueueConfig 描述任务队列后端。
type QueueConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Buffer   int            `json:"buffer" yaml:"buffer"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Key      string `json:"key" yaml:"key"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL   string `json:"url" yaml:"url"`
	Queue string `json:"queue" yaml:"queue"`
}

// AlertingConfig 描述任务失败告警的渠道。日志渠道始终启用。
type AlertingConfig struct {
	WebhookURL     string `json:"webhook_url" yaml:"webhook_url"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// Default 返回只包含默认值的配置。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults("")
	cfg.applyEnv()
	return cfg
}

// Load 解析指定路径的 YAML 或 JSON 配置文件。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取配置文件失败")
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析配置失败")
	}

	baseDir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		baseDir = filepath.Dir(path)
	}
	cfg.applyDefaults(baseDir)
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置默认值，并将相对路径解析到配置文件目录。
func (c *Config) applyDefaults(baseDir string) {
	setString(&c.Server.Address, ":8080")
	setInt(&c.Server.ReadTimeoutSeconds, 30)
	setInt(&c.Server.WriteTimeoutSeconds, 120)

	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "json")

	setString(&c.LLM.Provider, "openai")
	setString(&c.LLM.APIKeyEnv, "OPENAI_API_KEY")
	setString(&c.LLM.Model, "gpt-4o-mini")
	if c.LLM.Temperature == nil {
		t := 0.7
		c.LLM.Temperature = &t
	}
	setInt(&c.LLM.MaxTokens, 1000)
	setInt(&c.LLM.TimeoutSeconds, 30)
	setInt(&c.LLM.MaxRetries, 3)
	setInt(&c.LLM.RetryBaseDelayMS, 1000)
	setString(&c.LLM.Python.PythonExecutable, "python3")
	setString(&c.LLM.Python.WorkingDir, baseDir)

	setInt(&c.Agent.MaxIterations, 5)

	setInt(&c.Context.MaxMessages, 10)
	setInt(&c.Context.ExpiryMinutes, 30)
	setInt(&c.Context.MaxContexts, 100)
	setInt(&c.Context.SweepIntervalSeconds, 300)

	setInt(&c.Cache.FastTTLSeconds, 30)
	setInt(&c.Cache.SlowTTLSeconds, 300)
	setInt(&c.Cache.MaxSize, 1000)
	setInt(&c.Cache.SweepIntervalSeconds, 60)

	setString(&c.History.Driver, "memory")
	setInt(&c.History.Limit, 20)

	setString(&c.Jobs.Store.Driver, "memory")
	setString(&c.Jobs.Queue.Driver, "memory")
	setInt(&c.Jobs.Queue.Buffer, 128)
	setString(&c.Jobs.Queue.Redis.Key, "chainpilot:jobs")
	setString(&c.Jobs.Queue.RabbitMQ.Queue, "chainpilot.jobs")
	setInt(&c.Jobs.Workers, 4)
	setInt(&c.Jobs.MaxRetries, 3)

	setInt(&c.Alerting.TimeoutSeconds, 5)

	setString(&c.Runtime.DataDir, "data")

	for _, p := range []*string{
		&c.Runtime.DataDir,
		&c.Web3.ChainConfig,
		&c.LLM.Python.ScriptPath,
		&c.LLM.Python.WorkingDir,
		&c.Logging.Audit.Path,
	} {
		*p = resolvePath(baseDir, *p)
	}
	for i, out := range c.Logging.OutputPaths {
		if out != "stdout" && out != "stderr" {
			c.Logging.OutputPaths[i] = resolvePath(baseDir, out)
		}
	}
}

// applyEnv 使用环境变量覆盖敏感或与部署相关的配置。
func (c *Config) applyEnv() {
	if c.LLM.APIKey == "" && c.LLM.APIKeyEnv != "" {
		c.LLM.APIKey = os.Getenv(c.LLM.APIKeyEnv)
	}
	overrides := map[string][]*string{
		EnvLLMAPIKey:     {&c.LLM.APIKey},
		EnvServerAddress: {&c.Server.Address},
		EnvMySQLDSN:      {&c.History.DSN, &c.Jobs.Store.DSN},
		EnvRedisAddress:  {&c.Jobs.Queue.Redis.Address},
		EnvRabbitMQURL:   {&c.Jobs.Queue.RabbitMQ.URL},
	}
	for env, targets := range overrides {
		value, ok := os.LookupEnv(env)
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		for _, target := range targets {
			*target = value
		}
	}
	if value := strings.TrimSpace(os.Getenv(EnvAPIKey)); value != "" {
		c.Server.APIKeys = append(c.Server.APIKeys, APIKeyConfig{Name: "env", Value: value})
	}
}

// Validate 检查后端驱动等枚举值。大模型凭证由 provider 在构造时校验。
func (c *Config) Validate() error {
	checks := []struct {
		field   string
		value   string
		allowed []string
	}{
		{"llm.provider", c.LLM.Provider, []string{"openai", "python_bridge"}},
		{"history.driver", c.History.Driver, []string{"memory", "mysql"}},
		{"jobs.store.driver", c.Jobs.Store.Driver, []string{"memory", "mysql"}},
		{"jobs.queue.driver", c.Jobs.Queue.Driver, []string{"memory", "redis", "rabbitmq"}},
	}
	for _, check := range checks {
		if !contains(check.allowed, check.value) {
			return xerrors.New(xerrors.CodeConfiguration,
				fmt.Sprintf("%s 不支持 %q，可选值: %s", check.field, check.value, strings.Join(check.allowed, ", ")))
		}
	}
	if c.History.Driver == "mysql" && c.History.DSN == "" {
		return xerrors.New(xerrors.CodeConfiguration, "history.driver 为 mysql 时必须提供 dsn")
	}
	if c.Jobs.Store.Driver == "mysql" && c.Jobs.Store.DSN == "" {
		return xerrors.New(xerrors.CodeConfiguration, "jobs.store.driver 为 mysql 时必须提供 dsn")
	}
	if c.Jobs.Queue.Driver == "redis" && c.Jobs.Queue.Redis.Address == "" {
		return xerrors.New(xerrors.CodeConfiguration, "jobs.queue.driver 为 redis 时必须提供 address")
	}
	for i, key := range c.Server.APIKeys {
		if strings.TrimSpace(key.Name) == "" || strings.TrimSpace(key.Value) == "" {
			return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("server.api_keys[%d] 必须同时提供 name 与 value", i))
		}
	}
	if c.Jobs.Queue.Driver == "rabbitmq" && c.Jobs.Queue.RabbitMQ.URL == "" {
		return xerrors.New(xerrors.CodeConfiguration, "jobs.queue.driver 为 rabbitmq 时必须提供 url")
	}
	return nil
}

func setString(target *string, value string) {
	if strings.TrimSpace(*target) == "" {
		*target = value
	}
}

func setInt(target *int, value int) {
	if *target <= 0 {
		*target = value
	}
}

func resolvePath(baseDir, path string) string {
	if path == "" || baseDir == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
