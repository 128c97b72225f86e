package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"ChainPilot/internal/conversation"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/intent"
	"ChainPilot/internal/llm"
	"ChainPilot/internal/message"
	"ChainPilot/internal/tools"
	"ChainPilot/pkg/logger"
)

const (
	// DefaultMaxIterations 是单次请求允许的最大推理轮数。
	DefaultMaxIterations = 5

	// NoMessageResponse 是输入为空时的固定回复。
	NoMessageResponse = "No message received. Please tell me what you would like to do."
	// FallbackResponse 是轮数耗尽仍未得到最终回答时的固定回复。
	FallbackResponse = "I'm sorry, I couldn't complete your request within the allowed number of steps. " +
		"Please try rephrasing or breaking it into smaller requests."

	// DefaultSystemPrompt 是默认的系统提示词。
	DefaultSystemPrompt = "You are ChainPilot, an assistant for blockchain operations. " +
		"Use the available tools to read chain state or prepare transactions, " +
		"never invent balances or addresses, and answer concisely once you have what you need."
)

// ContextStore 是编排器依赖的会话存储接口，由 conversation.Store 实现。
type ContextStore interface {
	Create(owner string) *conversation.Context
	Get(id string) (*conversation.Context, bool)
	Update(id string, msg message.Message) (*conversation.Context, bool)
	SetMetadata(id, key, value string) bool
}

// 请求附加信息的键与接入渠道。
const (
	MetaChannel = "channel"
	MetaSubject = "subject"
	MetaJobID   = "job_id"

	ChannelAPI = "api"
	ChannelJob = "job"
	ChannelCLI = "cli"
)

// Request 是一次用户请求。
//
// PriorMessages 非空时视为权威历史，会在新会话中按顺序重放；否则尝试复用 ConversationID。
// Metadata 由接入方填写（如 channel、job_id），写入会话并随工具上下文传递，不从请求体解析。
type Request struct {
	Input          string            `json:"message"`
	CallerAddress  string            `json:"caller_address"`
	ConversationID string            `json:"conversation_id,omitempty"`
	PriorMessages  []message.Message `json:"prior_messages,omitempty"`
	Metadata       map[string]string `json:"-"`
}

// ToolExecution 记录一次工具调用。
type ToolExecution struct {
	CallID string         `json:"call_id"`
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
	Result *tools.Result  `json:"result"`
}

// Result 是一次请求的最终结果。
type Result struct {
	Intent         intent.ParsedIntent `json:"intent"`
	Response       string              `json:"response"`
	ConversationID string              `json:"conversation_id"`
	ToolCalls      []ToolExecution     `json:"tool_calls,omitempty"`
	Iterations     int                 `json:"iterations"`
	Usage          llm.Usage           `json:"usage"`
}

// Agent 驱动大模型与工具完成一次对话回合，是系统的业务核心。
type Agent struct {
	provider      llm.Provider
	registry      *tools.Registry
	store         ContextStore
	maxIterations int
	systemPrompt  string
	locks         *keyedMutex
	observer      Observer
	logger        *slog.Logger
	audit         *slog.Logger
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithMaxIterations 设置最大推理轮数。
func WithMaxIterations(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxIterations = n
		}
	}
}

// WithSystemPrompt 替换系统提示词。
func WithSystemPrompt(prompt string) Option {
	return func(a *Agent) {
		if strings.TrimSpace(prompt) != "" {
			a.systemPrompt = prompt
		}
	}
}

// WithObserver 注册度量观察者。
func WithObserver(o Observer) Option {
	return func(a *Agent) {
		if o != nil {
			a.observer = o
		}
	}
}

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithAuditLogger 指定审计日志记录器。
func WithAuditLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.audit = l
		}
	}
}

// New 创建一个 Agent。
func New(provider llm.Provider, registry *tools.Registry, store ContextStore, opts ...Option) (*Agent, error) {
	switch {
	case provider == nil:
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置大模型 provider")
	case registry == nil:
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置工具注册表")
	case store == nil:
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置会话存储")
	}
	a := &Agent{
		provider:      provider,
		registry:      registry,
		store:         store,
		maxIterations: DefaultMaxIterations,
		systemPrompt:  DefaultSystemPrompt,
		locks:         newKeyedMutex(),
		observer:      noopObserver{},
		logger:        logger.Named("agent"),
		audit:         logger.Audit(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// Tools 返回可用工具的定义。
func (a *Agent) Tools() []tools.Definition {
	return a.registry.Definitions()
}

// ProcessMessage 处理一条用户消息。
//
// 工具失败、参数错误与轮数耗尽都会体现在 Result 中；只有编排层面的失败
// （大模型调用最终失败、会话存储异常、panic）才以 CodeOrchestration 错误返回。
// 调用方提供的历史消息不合法时返回 CodeInvalidArgument，不会调用大模型。
func (a *Agent) ProcessMessage(ctx context.Context, req Request) (result *Result, err error) {
	start := time.Now()
	input := Sanitize(req.Input)
	outcome := OutcomeError
	iterations := 0
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = a.orchestrationError(fmt.Errorf("panic: %v", r), req.Input, req.CallerAddress)
			outcome = OutcomeError
		}
		if result != nil {
			iterations = result.Iterations
		}
		a.observer.ObserveRequest(outcome, iterations, time.Since(start))
	}()

	// 输入为空时直接返回，不进入推理循环。
	if input == "" {
		conv := a.store.Create(req.CallerAddress)
		outcome = OutcomeEmpty
		return &Result{Intent: intent.Unknown(""), Response: NoMessageResponse, ConversationID: conv.ID}, nil
	}

	if err := validatePrior(req.PriorMessages); err != nil {
		a.logger.Warn("历史消息不合法，拒绝请求",
			slog.String("caller", req.CallerAddress),
			slog.Any("error", err))
		return nil, err
	}

	// 同一会话的并发请求串行执行。
	if id := strings.TrimSpace(req.ConversationID); id != "" && len(req.PriorMessages) == 0 {
		unlock := a.locks.Lock(id)
		defer unlock()
	}

	conv, err := a.resolveContext(req)
	if err != nil {
		return nil, a.orchestrationError(err, req.Input, req.CallerAddress)
	}
	for key, value := range req.Metadata {
		a.store.SetMetadata(conv.ID, key, value)
	}
	if err := a.append(conv.ID, message.Message{Role: message.RoleUser, Content: input}); err != nil {
		return nil, a.orchestrationError(err, req.Input, req.CallerAddress)
	}

	tc := tools.Context{CallerAddress: req.CallerAddress, ConversationID: conv.ID, Metadata: req.Metadata}
	run, err := a.loop(ctx, conv.ID, input, tc)
	if err != nil {
		return nil, a.orchestrationError(err, req.Input, req.CallerAddress)
	}

	result = a.finalize(run, input)
	result.ConversationID = conv.ID
	outcome = OutcomeAnswered
	if !run.finished {
		outcome = OutcomeFallback
	}
	a.audit.Info("agent.process",
		slog.String("conversation_id", conv.ID),
		slog.String("caller", req.CallerAddress),
		slog.String("intent", string(result.Intent.Type)),
		slog.Int("tool_calls", len(result.ToolCalls)),
		slog.Int("iterations", result.Iterations),
		slog.String("outcome", outcome))
	return result, nil
}

func (a *Agent) resolveContext(req Request) (*conversation.Context, error) {
	if len(req.PriorMessages) > 0 {
		conv := a.store.Create(req.CallerAddress)
		for _, prior := range req.PriorMessages {
			if err := a.append(conv.ID, prior); err != nil {
				return nil, err
			}
		}
		return conv, nil
	}
	if id := strings.TrimSpace(req.ConversationID); id != "" {
		if conv, ok := a.store.Get(id); ok {
			return conv, nil
		}
		a.logger.Debug("会话不存在或已过期，创建新会话", slog.String("conversation_id", id))
	}
	return a.store.Create(req.CallerAddress), nil
}

func (a *Agent) append(id string, msg message.Message) error {
	if _, ok := a.store.Update(id, msg); !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("conversation %s is no longer available", id),
			xerrors.WithMetadata("conversation_id", id))
	}
	return nil
}

type loopState struct {
	finished   bool
	response   string
	iterations int
	executions []ToolExecution
	candidate  *intent.ParsedIntent
	lastTool   tools.Tool
	usage      llm.Usage
}

func (a *Agent) loop(ctx context.Context, convID, input string, tc tools.Context) (*loopState, error) {
	state := &loopState{}
	specs := a.toolSpecs()

	for round := 1; round <= a.maxIterations; round++ {
		state.iterations = round
		conv, ok := a.store.Get(convID)
		if !ok {
			return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("conversation %s is no longer available", convID))
		}

		callStart := time.Now()
		resp, err := a.provider.CompleteWithTools(ctx, conv.Messages, a.systemPrompt, specs)
		a.observer.ObserveProviderCall(a.provider.Name(), err, time.Since(callStart))
		if err != nil {
			return nil, err
		}
		if resp.Usage != nil {
			state.usage.PromptTokens += resp.Usage.PromptTokens
			state.usage.CompletionTokens += resp.Usage.CompletionTokens
			state.usage.TotalTokens += resp.Usage.TotalTokens
		}

		calls := withCallIDs(resp.ToolCalls)
		if err := a.append(convID, message.Message{Role: message.RoleAssistant, Content: resp.Content, ToolCalls: calls}); err != nil {
			return nil, err
		}
		a.logger.Debug("推理轮次完成",
			slog.String("conversation_id", convID),
			slog.Int("round", round),
			slog.Int("tool_calls", len(calls)))

		if len(calls) == 0 {
			state.finished = true
			state.response = resp.Content
			return state, nil
		}

		for _, call := range calls {
			exec, tool := a.dispatch(ctx, call, tc)
			state.executions = append(state.executions, exec)
			state.lastTool = tool
			if err := a.append(convID, toolMessage(exec)); err != nil {
				return nil, err
			}
			if builder, ok := tool.(tools.TransactionBuilder); ok && exec.Result.Success {
				parsed, ok := transactionIntent(exec.Result.Data)
				if !ok {
					a.logger.Warn("交易构造工具未返回意图", slog.String("tool", builder.Definition().Name))
					continue
				}
				state.candidate = &parsed
			}
		}
	}

	a.logger.Warn("推理轮数耗尽，返回兜底回复",
		slog.String("conversation_id", convID),
		slog.Int("max_iterations", a.maxIterations),
		slog.String("input", input))
	return state, nil
}

// dispatch 执行一次工具调用，任何失败都转换为失败的 Result。
func (a *Agent) dispatch(ctx context.Context, call message.ToolCall, tc tools.Context) (ToolExecution, tools.Tool) {
	start := time.Now()
	exec := ToolExecution{CallID: call.ID, Tool: call.Name, Params: map[string]any{}}

	tool, ok := a.registry.Get(call.Name)
	if err := parseArguments(call.Arguments, &exec.Params); err != nil && ok {
		exec.Result = tools.FailWithCode(xerrors.CodeToolValidation,
			fmt.Sprintf("invalid arguments for %s: %v", call.Name, err))
	} else {
		exec.Result = a.registry.Execute(ctx, call.Name, exec.Params, tc)
	}

	elapsed := time.Since(start)
	a.observer.ObserveTool(call.Name, exec.Result.Success, elapsed)
	level := slog.LevelInfo
	if !exec.Result.Success {
		level = slog.LevelWarn
	}
	a.logger.Log(ctx, level, "工具调用完成",
		slog.String("tool", call.Name),
		slog.String("call_id", call.ID),
		slog.Bool("success", exec.Result.Success),
		slog.Bool("cached", exec.Result.Metadata.Cached),
		slog.String("error", exec.Result.Error),
		slog.Duration("elapsed", elapsed))
	return exec, tool
}

func parseArguments(raw string, out *map[string]any) error {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return err
	}
	if decoded != nil {
		*out = decoded
	}
	return nil
}

func toolMessage(exec ToolExecution) message.Message {
	content, err := json.Marshal(exec.Result)
	if err != nil {
		content, _ = json.Marshal(tools.Fail(fmt.Sprintf("result could not be encoded: %v", err)))
	}
	return message.Message{
		Role:       message.RoleTool,
		Content:    string(content),
		ToolCallID: exec.CallID,
		ToolName:   exec.Tool,
	}
}

// withCallIDs 为缺少 ID 的工具调用补齐 ID，保证 tool 消息可以回指。
func withCallIDs(calls []message.ToolCall) []message.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]message.ToolCall, len(calls))
	for i, call := range calls {
		if strings.TrimSpace(call.ID) == "" {
			call.ID = "call_" + uuid.NewString()
		}
		out[i] = call
	}
	return out
}

func (a *Agent) finalize(state *loopState, input string) *Result {
	result := &Result{
		Response:   state.response,
		ToolCalls:  state.executions,
		Iterations: state.iterations,
		Usage:      state.usage,
	}
	if !state.finished {
		result.Response = FallbackResponse
	}

	switch {
	case state.candidate != nil:
		parsed := *state.candidate
		if parsed.RawInput == "" {
			parsed.RawInput = input
		}
		parsed.Confidence = intent.ClampConfidence(parsed.Confidence)
		result.Intent = parsed
	case len(state.executions) > 0:
		last := state.executions[len(state.executions)-1]
		result.Intent = synthesizeIntent(last, state.lastTool, input)
	default:
		result.Intent = intent.Unknown(input)
	}
	return result
}

func (a *Agent) toolSpecs() []llm.ToolSpec {
	defs := a.registry.Definitions()
	if len(defs) == 0 {
		return nil
	}
	specs := make([]llm.ToolSpec, 0, len(defs))
	for _, def := range defs {
		specs = append(specs, llm.ToolSpec{Name: def.Name, Description: def.Description, Parameters: def.JSONSchema()})
	}
	return specs
}

func (a *Agent) orchestrationError(cause error, rawInput, caller string) error {
	opts := []xerrors.Option{
		xerrors.WithMetadata("input", rawInput),
		xerrors.WithMetadata("caller", caller),
	}
	if e, ok := xerrors.From(cause); ok {
		opts = append(opts, xerrors.WithRetryable(e.Retryable()))
	}
	a.logger.Error("消息处理失败",
		slog.String("caller", caller),
		slog.String("code", string(xerrors.CodeOf(cause))),
		slog.Any("error", cause))
	return xerrors.Wrap(xerrors.CodeOrchestration, cause, "agent failed to process message", opts...)
}
