package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"ChainPilot/internal/agent"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/observability/alerting"
	"ChainPilot/pkg/logger"
)

// Executor 定义了处理器所需的对话能力，由 chat.Service 或 agent.Agent 实现。
type Executor interface {
	ProcessMessage(ctx context.Context, req agent.Request) (*agent.Result, error)
}

// 任务处理结果，用于指标统计。
const (
	OutcomeSucceeded = "succeeded"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
)

// JobObserver 接收任务处理结果。
type JobObserver interface {
	ObserveJob(outcome string, attempts int, elapsed time.Duration)
}

// Processor 负责从队列消费任务并交给编排器执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	observer    JobObserver
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithJobObserver 配置任务指标采集。
func WithJobObserver(o JobObserver) ProcessorOption {
	return func(p *Processor) {
		p.observer = o
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, queue Queue, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    queue,
		producer:    queue,
		workerCount: 1,
		logger:      logger.Named("task.processor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 重新投递遗留的 pending 任务后启动消费循环，阻塞直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil || p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "任务处理器未初始化")
	}
	if n, err := p.Requeue(ctx); err != nil {
		p.logger.Warn("重新投递遗留任务失败", slog.Any("error", err))
	} else if n > 0 {
		p.logger.Info("已重新投递遗留任务", slog.Int("count", n))
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// Requeue 重新投递所有 pending 状态的任务，重复投递由 Claim 去重。
func (p *Processor) Requeue(ctx context.Context) (int, error) {
	total := 0
	for offset := 0; ; offset += 100 {
		jobs, err := p.store.List(ctx, ListOptions{
			Limit:    100,
			Offset:   offset,
			Statuses: []Status{StatusPending},
			Order:    SortByUpdatedAsc,
		})
		if err != nil {
			return total, err
		}
		for _, job := range jobs {
			if err := p.producer.Publish(ctx, job.ID); err != nil {
				return total, xerrors.Wrap(CodeJobPublish, err, "重新投递任务失败")
			}
			total++
		}
		if len(jobs) < 100 {
			return total, nil
		}
	}
}

func (p *Processor) handle(ctx context.Context, jobID string) error {
	start := time.Now()
	job, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobCompleted) ||
			stdErrors.Is(err, ErrJobExhausted) || stdErrors.Is(err, ErrJobConflict) {
			p.logger.Debug("跳过任务", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取任务失败", slog.Any("error", err), slog.String("job_id", jobID))
		return err
	}

	result, execErr := p.executor.ProcessMessage(ctx, agent.Request{
		Input:          job.Message,
		CallerAddress:  job.CallerAddress,
		ConversationID: job.ConversationID,
		Metadata:       requestMetadata(job),
	})
	// 进程退出时仍需写回任务状态。
	storeCtx := context.WithoutCancel(ctx)
	if execErr != nil {
		return p.handleFailure(storeCtx, ctx.Err() != nil, job, execErr, start)
	}

	if err := p.store.MarkSucceeded(storeCtx, job.ID, result); err != nil {
		p.logger.Error("标记任务成功状态失败", slog.Any("error", err), slog.String("job_id", job.ID))
		return err
	}
	p.observe(OutcomeSucceeded, job.Attempts, start)
	logger.Audit().Info("job.succeeded",
		slog.String("job_id", job.ID),
		slog.String("conversation_id", result.ConversationID),
		slog.String("intent", string(result.Intent.Type)),
		slog.Int("attempts", job.Attempts),
	)
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, interrupted bool, job *Job, execErr error, start time.Time) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeJobProcessing
	}
	retryable := interrupted || xerrors.RetryableError(execErr)
	terminal := !retryable || job.Attempts >= job.MaxRetries

	if err := p.store.MarkFailed(ctx, job.ID, code, execErr.Error(), terminal); err != nil {
		p.logger.Error("标记任务失败状态出错", slog.Any("error", err), slog.String("job_id", job.ID))
		return err
	}
	logger.Audit().Warn("job.failed",
		slog.String("job_id", job.ID),
		slog.Bool("terminal", terminal),
		slog.String("error_code", string(code)),
		slog.String("error", execErr.Error()),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", job.MaxRetries),
	)

	if terminal {
		p.observe(OutcomeFailed, job.Attempts, start)
		p.emitAlert(ctx, job, code, execErr, retryable)
		return nil
	}
	p.observe(OutcomeRetried, job.Attempts, start)
	if interrupted {
		// 由下次启动时的 Requeue 重新投递。
		return nil
	}
	if err := p.producer.Publish(ctx, job.ID); err != nil {
		return xerrors.Wrap(CodeJobPublish, err, "任务重投失败", xerrors.WithMetadata("job_id", job.ID))
	}
	p.logger.Debug("任务已重新排队", slog.String("job_id", job.ID), slog.Int("attempts", job.Attempts))
	return nil
}

func (p *Processor) observe(outcome string, attempts int, start time.Time) {
	if p.observer != nil {
		p.observer.ObserveJob(outcome, attempts, time.Since(start))
	}
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, code xerrors.Code, cause error, retryable bool) {
	if p.alerter == nil {
		return
	}
	reason := "non_retryable"
	if retryable {
		reason = "retries_exhausted"
	}
	event := alerting.Event{
		Code:           code,
		Message:        cause.Error(),
		Severity:       xerrors.SeverityOf(cause),
		JobID:          job.ID,
		ConversationID: job.ConversationID,
		Attempts:       job.Attempts,
		MaxRetries:     job.MaxRetries,
		Metadata:       map[string]string{"reason": reason},
		OccurredAt:     time.Now(),
	}
	if e, ok := xerrors.From(cause); ok {
		for k, v := range e.Metadata() {
			event.Metadata[k] = v
		}
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败", slog.Any("error", err), slog.String("job_id", job.ID))
	}
}

// requestMetadata 把任务上的字符串附加信息连同渠道与任务 ID 交给编排器。
func requestMetadata(job *Job) map[string]string {
	meta := make(map[string]string, len(job.Metadata)+2)
	for k, v := range job.Metadata {
		if text, ok := v.(string); ok {
			meta[k] = text
		}
	}
	meta[agent.MetaChannel] = agent.ChannelJob
	meta[agent.MetaJobID] = job.ID
	return meta
}
