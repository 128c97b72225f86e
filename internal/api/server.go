package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"ChainPilot/internal/agent"
	"ChainPilot/internal/auth"
	"ChainPilot/internal/conversation"
	"ChainPilot/internal/observability/metrics"
	"ChainPilot/internal/storage/mysql"
	"ChainPilot/internal/task"
	"ChainPilot/internal/tools"
	"ChainPilot/pkg/logger"
)

// ChatService 负责同步处理一轮对话并维护聊天记录。
type ChatService interface {
	ProcessMessage(ctx context.Context, req agent.Request) (*agent.Result, error)
	History(ctx context.Context, conversationID string, limit int) ([]mysql.HistoryRecord, error)
	Forget(ctx context.Context, conversationID string) (int, error)
}

// JobService 负责异步对话任务。
type JobService interface {
	Submit(ctx context.Context, req task.Request) (*task.Job, error)
	Get(ctx context.Context, id string) (*task.Job, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Job, error)
	Stats(ctx context.Context, opts ...task.ListOption) (task.Stats, error)
}

// ConversationStore 暴露内存中的会话上下文。
type ConversationStore interface {
	Get(id string) (*conversation.Context, bool)
	Clear(id string) bool
	ClearByOwner(owner string) int
	Stats() conversation.Stats
}

// ToolCatalog 返回可用工具的定义。
type ToolCatalog interface {
	Tools() []tools.Definition
}

// Server 负责暴露 REST 接口，供外部驱动智能体执行。
type Server struct {
	addr          string
	chat          ChatService
	jobs          JobService
	conversations ConversationStore
	tools         ToolCatalog
	metrics       *metrics.Collector
	caches        []metrics.CacheSource
	keyring       *auth.Keyring
	logger        *slog.Logger

	readTimeout  time.Duration
	writeTimeout time.Duration

	echo *echo.Echo
}

// Option 定义可选配置。
type Option func(*Server)

// WithJobs 启用异步任务接口。
func WithJobs(jobs JobService) Option {
	return func(s *Server) { s.jobs = jobs }
}

// WithConversations 启用会话查询与清理接口。
func WithConversations(store ConversationStore) Option {
	return func(s *Server) { s.conversations = store }
}

// WithTools 启用工具列表接口。
func WithTools(catalog ToolCatalog) Option {
	return func(s *Server) { s.tools = catalog }
}

// WithMetrics 启用 /metrics 与 HTTP 指标采集。
func WithMetrics(collector *metrics.Collector) Option {
	return func(s *Server) { s.metrics = collector }
}

// WithCaches 将缓存统计加入 /api/v1/stats。
func WithCaches(sources ...metrics.CacheSource) Option {
	return func(s *Server) { s.caches = append(s.caches, sources...) }
}

// WithAuth 要求 /api/v1 下的请求携带 keyring 中的 API Key，keyring 为空时不启用。
func WithAuth(keyring *auth.Keyring) Option {
	return func(s *Server) {
		if keyring.Len() > 0 {
			s.keyring = keyring
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTimeouts 设置读写超时。
func WithTimeouts(read, write time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, chat ChatService, opts ...Option) *Server {
	s := &Server{
		addr:         addr,
		chat:         chat,
		logger:       logger.Named("api"),
		readTimeout:  30 * time.Second,
		writeTimeout: 120 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.echo = s.routes()
	return s
}

// Handler 返回完整的 HTTP 处理器。
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			}
			if subject := auth.SubjectName(c.Request().Context()); subject != "" {
				attrs = append(attrs, slog.String("subject", subject))
			}
			if v.Error != nil {
				s.logger.Warn("request failed", append(attrs, slog.Any("error", v.Error))...)
				return nil
			}
			s.logger.Debug("request", attrs...)
			return nil
		},
	}))
	if s.metrics != nil {
		e.Use(s.observe)
		e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	e.GET("/healthz", s.handleHealth)

	v1 := e.Group("/api/v1")
	if s.keyring != nil {
		v1.Use(auth.Middleware(s.keyring, writeError))
	}
	v1.POST("/chat", s.handleChat)
	v1.POST("/jobs", s.handleSubmitJob)
	v1.GET("/jobs", s.handleListJobs)
	v1.GET("/jobs/:id", s.handleJobDetail)
	v1.GET("/conversations/:id", s.handleConversation)
	v1.DELETE("/conversations/:id", s.handleDeleteConversation)
	v1.DELETE("/conversations", s.handleDeleteOwnerConversations)
	v1.GET("/tools", s.handleTools)
	v1.GET("/stats", s.handleStats)
	return e
}

func (s *Server) observe(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		status := c.Response().Status
		var he *echo.HTTPError
		if err != nil && errors.As(err, &he) {
			status = he.Code
		}
		route := c.Path()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.ObserveHTTPRequest(route, c.Request().Method, status, time.Since(start))
		return err
	}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP 服务已启动", slog.String("addr", s.addr))
		if err := s.echo.StartServer(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP 服务关闭失败", slog.Any("error", err))
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
