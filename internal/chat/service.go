// Package chat 将编排器与持久化的聊天记录组合在一起：会话过期或进程重启后，
// 依据聊天记录重建上下文，并在每轮结束后写回用户与助手的发言。
package chat

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"ChainPilot/internal/agent"
	"ChainPilot/internal/conversation"
	"ChainPilot/internal/message"
	"ChainPilot/internal/storage/mysql"
	"ChainPilot/pkg/logger"
)

// Processor 是聊天服务依赖的编排能力，由 agent.Agent 实现。
type Processor interface {
	ProcessMessage(ctx context.Context, req agent.Request) (*agent.Result, error)
}

// Contexts 是重建会话所需的存储能力，由 conversation.Store 实现。
type Contexts interface {
	Get(id string) (*conversation.Context, bool)
	Restore(id, owner string, history []message.Message) *conversation.Context
}

// Service 处理一轮聊天并维护聊天记录。
type Service struct {
	agent    Processor
	contexts Contexts
	history  mysql.HistoryRepository
	limit    int
	logger   *slog.Logger
}

// Option 定义可选配置。
type Option func(*Service)

// WithHistory 启用聊天记录，limit 为重建会话时读取的最大条数。
func WithHistory(repo mysql.HistoryRepository, limit int) Option {
	return func(s *Service) {
		s.history = repo
		if limit > 0 {
			s.limit = limit
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService 构造聊天服务。
func NewService(processor Processor, contexts Contexts, opts ...Option) *Service {
	s := &Service{
		agent:    processor,
		contexts: contexts,
		limit:    20,
		logger:   logger.Named("chat"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// ProcessMessage 在需要时重建会话，调用编排器，并记录本轮对话。
func (s *Service) ProcessMessage(ctx context.Context, req agent.Request) (*agent.Result, error) {
	s.restore(ctx, req)

	result, err := s.agent.ProcessMessage(ctx, req)
	if err != nil {
		return nil, err
	}
	s.record(ctx, req, result)
	return result, nil
}

func (s *Service) restore(ctx context.Context, req agent.Request) {
	id := strings.TrimSpace(req.ConversationID)
	if s.history == nil || s.contexts == nil || id == "" || len(req.PriorMessages) > 0 {
		return
	}
	if _, ok := s.contexts.Get(id); ok {
		return
	}
	records, err := s.history.ListByConversation(ctx, id, s.limit)
	if err != nil {
		s.logger.Warn("读取聊天记录失败", slog.String("conversation_id", id), slog.Any("error", err))
		return
	}
	if len(records) == 0 {
		return
	}
	s.contexts.Restore(id, req.CallerAddress, toMessages(records))
	s.logger.Debug("依据聊天记录重建会话", slog.String("conversation_id", id), slog.Int("messages", len(records)))
}

func (s *Service) record(ctx context.Context, req agent.Request, result *agent.Result) {
	input := agent.Sanitize(req.Input)
	if s.history == nil || result == nil || input == "" {
		return
	}
	now := time.Now().Unix()
	err := s.history.Append(ctx,
		mysql.HistoryRecord{
			ConversationID: result.ConversationID,
			Role:           string(message.RoleUser),
			Content:        input,
			CallerAddress:  req.CallerAddress,
			CreatedAt:      now,
		},
		mysql.HistoryRecord{
			ConversationID: result.ConversationID,
			Role:           string(message.RoleAssistant),
			Content:        result.Response,
			CallerAddress:  req.CallerAddress,
			IntentType:     string(result.Intent.Type),
			CreatedAt:      now,
		},
	)
	if err != nil {
		s.logger.Warn("写入聊天记录失败", slog.String("conversation_id", result.ConversationID), slog.Any("error", err))
	}
}

// History 返回会话的聊天记录。
func (s *Service) History(ctx context.Context, conversationID string, limit int) ([]mysql.HistoryRecord, error) {
	if s.history == nil {
		return nil, nil
	}
	return s.history.ListByConversation(ctx, conversationID, limit)
}

// Forget 删除会话的聊天记录。
func (s *Service) Forget(ctx context.Context, conversationID string) (int, error) {
	if s.history == nil {
		return 0, nil
	}
	return s.history.DeleteConversation(ctx, conversationID)
}

func toMessages(records []mysql.HistoryRecord) []message.Message {
	msgs := make([]message.Message, 0, len(records))
	for _, record := range records {
		role := message.Role(record.Role)
		if role != message.RoleUser && role != message.RoleAssistant {
			continue
		}
		msgs = append(msgs, message.Message{
			Role:      role,
			Content:   record.Content,
			Timestamp: time.Unix(record.CreatedAt, 0),
		})
	}
	return msgs
}
