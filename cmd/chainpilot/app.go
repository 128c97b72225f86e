package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"ChainPilot/internal/agent"
	"ChainPilot/internal/api"
	"ChainPilot/internal/auth"
	"ChainPilot/internal/cache"
	"ChainPilot/internal/chat"
	"ChainPilot/internal/config"
	"ChainPilot/internal/conversation"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/llm"
	"ChainPilot/internal/llm/openai"
	"ChainPilot/internal/llm/pythonbridge"
	"ChainPilot/internal/observability/alerting"
	"ChainPilot/internal/observability/metrics"
	"ChainPilot/internal/storage/mysql"
	"ChainPilot/internal/task"
	"ChainPilot/internal/tools"
	"ChainPilot/internal/tools/chain"
	"ChainPilot/internal/web3/provider"
	"ChainPilot/pkg/logger"
)

// application 持有进程内的全部组件。
type application struct {
	cfg *config.Config

	chains        *provider.Registry
	fast          *cache.Cache[any]
	slow          *cache.Cache[any]
	conversations *conversation.Store
	agent         *agent.Agent
	history       mysql.HistoryRepository
	chat          *chat.Service
	metrics       *metrics.Collector

	jobs      *task.Service
	processor *task.Processor

	closeOnce sync.Once
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "初始化日志失败")
	}
	return cfg, nil
}

// buildApplication 按依赖顺序组装组件，任一步失败都会释放已创建的资源。
func buildApplication(ctx context.Context, cfg *config.Config, withJobs bool) (app *application, err error) {
	app = &application{cfg: cfg, metrics: metrics.NewCollector(true)}
	defer func() {
		if err != nil {
			app.Close()
			app = nil
		}
	}()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return app, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建数据目录失败")
	}

	app.chains, err = provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return app, err
	}

	if cfg.Cache.IsEnabled() {
		app.fast = cache.New[any](cache.Config{
			Name:          "fast",
			DefaultTTL:    time.Duration(cfg.Cache.FastTTLSeconds) * time.Second,
			MaxSize:       cfg.Cache.MaxSize,
			SweepInterval: time.Duration(cfg.Cache.SweepIntervalSeconds) * time.Second,
		})
		app.slow = cache.New[any](cache.Config{
			Name:          "slow",
			DefaultTTL:    time.Duration(cfg.Cache.SlowTTLSeconds) * time.Second,
			MaxSize:       cfg.Cache.MaxSize,
			SweepInterval: time.Duration(cfg.Cache.SweepIntervalSeconds) * time.Second,
		})
		if err := app.metrics.RegisterCaches(app.fast, app.slow); err != nil {
			return app, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "注册缓存指标失败")
		}
	}

	registry := tools.NewRegistry()
	for _, tool := range chain.All(chain.Deps{
		Chain:    app.chains.DefaultChain(),
		Reader:   app.chains.Default(),
		Networks: app.chains,
		Fast:     app.fast,
		Slow:     app.slow,
	}) {
		if err := registry.Register(tool); err != nil {
			return app, err
		}
	}

	llmProvider, err := newProvider(cfg.LLM)
	if err != nil {
		return app, err
	}

	app.conversations = conversation.NewStore(conversation.Config{
		MaxMessages:   cfg.Context.MaxMessages,
		Expiry:        cfg.Context.Expiry(),
		MaxContexts:   cfg.Context.MaxContexts,
		SweepInterval: cfg.Context.SweepInterval(),
	})

	agentOpts := []agent.Option{
		agent.WithMaxIterations(cfg.Agent.MaxIterations),
		agent.WithObserver(app.metrics),
	}
	if strings.TrimSpace(cfg.Agent.SystemPrompt) != "" {
		agentOpts = append(agentOpts, agent.WithSystemPrompt(cfg.Agent.SystemPrompt))
	}
	app.agent, err = agent.New(llmProvider, registry, app.conversations, agentOpts...)
	if err != nil {
		return app, err
	}

	app.history, err = newHistory(ctx, cfg)
	if err != nil {
		return app, err
	}
	app.chat = chat.NewService(app.agent, app.conversations, chat.WithHistory(app.history, cfg.History.Limit))

	if withJobs {
		if err := app.buildJobs(ctx); err != nil {
			return app, err
		}
	}

	logger.L().Info("ChainPilot 组件初始化完成",
		slog.String("provider", llmProvider.Name()),
		slog.String("default_chain", app.chains.DefaultChain()),
		slog.Int("tools", registry.Len()),
		slog.Bool("jobs", withJobs),
	)
	return app, nil
}

func newProvider(cfg config.LLMConfig) (llm.Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case pythonbridge.ProviderName:
		client, err := pythonbridge.NewClient(pythonbridge.Config{
			PythonExec: cfg.Python.PythonExecutable,
			ScriptPath: cfg.Python.ScriptPath,
			WorkingDir: cfg.Python.WorkingDir,
			Timeout:    cfg.Timeout(),
			MaxRetries: cfg.MaxRetries,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		llmCfg := llm.DefaultConfig()
		llmCfg.APIKey = cfg.APIKey
		llmCfg.Model = cfg.Model
		llmCfg.BaseURL = cfg.BaseURL
		if cfg.Temperature != nil {
			llmCfg.Temperature = *cfg.Temperature
		}
		if cfg.MaxTokens > 0 {
			llmCfg.MaxTokens = cfg.MaxTokens
		}
		if cfg.TimeoutSeconds > 0 {
			llmCfg.Timeout = cfg.Timeout()
		}
		llmCfg.MaxRetries = cfg.MaxRetries
		if cfg.RetryBaseDelayMS > 0 {
			llmCfg.RetryBaseDelay = cfg.RetryBaseDelay()
		}
		client, err := openai.NewClient(llmCfg, openai.WithRateLimit(cfg.RequestsPerSecond, cfg.Burst))
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

func newHistory(ctx context.Context, cfg *config.Config) (mysql.HistoryRepository, error) {
	switch cfg.History.Driver {
	case "mysql":
		repo, err := mysql.NewSQLHistoryRepository(ctx, mysql.Config{DSN: cfg.History.DSN})
		if err != nil {
			return nil, err
		}
		return repo, nil
	default:
		repo, err := mysql.NewMemoryHistoryRepository(cfg.Runtime.DataDir)
		if err != nil {
			return nil, err
		}
		return repo, nil
	}
}

func (a *application) buildJobs(ctx context.Context) error {
	jobsCfg := a.cfg.Jobs

	var store task.Store
	switch jobsCfg.Store.Driver {
	case "mysql":
		s, err := task.NewMySQLStore(ctx, mysql.Config{DSN: jobsCfg.Store.DSN})
		if err != nil {
			return err
		}
		store = s
	default:
		store = task.NewMemoryStore()
	}

	var queue task.Queue
	switch jobsCfg.Queue.Driver {
	case "redis":
		q, err := task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:  jobsCfg.Queue.Redis.Address,
			Password: jobsCfg.Queue.Redis.Password,
			DB:       jobsCfg.Queue.Redis.DB,
			Key:      jobsCfg.Queue.Redis.Key,
		})
		if err != nil {
			_ = store.Close()
			return err
		}
		queue = q
	case "rabbitmq":
		q, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      jobsCfg.Queue.RabbitMQ.URL,
			Queue:    jobsCfg.Queue.RabbitMQ.Queue,
			Prefetch: jobsCfg.Workers,
			Durable:  true,
		})
		if err != nil {
			_ = store.Close()
			return err
		}
		queue = q
	default:
		queue = task.NewMemoryQueue(jobsCfg.Queue.Buffer)
	}

	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if url := strings.TrimSpace(a.cfg.Alerting.WebhookURL); url != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(url,
			time.Duration(a.cfg.Alerting.TimeoutSeconds)*time.Second))
	}

	a.jobs = task.NewService(store, queue, jobsCfg.MaxRetries)
	a.processor = task.NewProcessor(a.chat, store, queue,
		task.WithWorkerCount(jobsCfg.Workers),
		task.WithAlertDispatcher(alerting.NewFanout(notifiers...)),
		task.WithJobObserver(a.metrics),
	)
	return a.metrics.RegisterJobStats(func(ctx context.Context) (task.Stats, error) {
		return a.jobs.Stats(ctx)
	}, 0)
}

func (a *application) server() (*api.Server, error) {
	keys := make([]auth.Key, 0, len(a.cfg.Server.APIKeys))
	for _, key := range a.cfg.Server.APIKeys {
		keys = append(keys, auth.Key{Name: key.Name, Value: key.Value, Disabled: key.Disabled})
	}
	keyring, err := auth.NewKeyring(keys)
	if err != nil {
		return nil, err
	}
	if keyring.Len() == 0 {
		logger.L().Warn("未配置 server.api_keys，API 不做认证")
	}
	opts := []api.Option{
		api.WithAuth(keyring),
		api.WithConversations(a.conversations),
		api.WithTools(a.agent),
		api.WithMetrics(a.metrics),
		api.WithTimeouts(
			time.Duration(a.cfg.Server.ReadTimeoutSeconds)*time.Second,
			time.Duration(a.cfg.Server.WriteTimeoutSeconds)*time.Second,
		),
	}
	if a.fast != nil {
		opts = append(opts, api.WithCaches(a.fast, a.slow))
	}
	if a.jobs != nil {
		opts = append(opts, api.WithJobs(a.jobs))
	}
	return api.NewServer(a.cfg.Server.Address, a.chat, opts...), nil
}

// Close 按与创建相反的顺序释放资源，只执行一次。
func (a *application) Close() {
	a.closeOnce.Do(func() {
		var errs []error
		if a.jobs != nil {
			errs = append(errs, a.jobs.Close())
		}
		if a.history != nil {
			errs = append(errs, a.history.Close())
		}
		if a.conversations != nil {
			a.conversations.Close()
		}
		if a.fast != nil {
			a.fast.Close()
		}
		if a.slow != nil {
			a.slow.Close()
		}
		if a.chains != nil {
			a.chains.Close()
		}
		if err := errors.Join(errs...); err != nil {
			logger.L().Warn("释放资源时出现错误", slog.Any("error", err))
		}
		_ = logger.Sync()
	})
}
