// Package conversation implements the in-memory context store that keeps the
// bounded, expiring message history of every active conversation.
package conversation

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ChainPilot/internal/message"
	"ChainPilot/pkg/logger"
)

const (
	DefaultMaxMessages   = 10
	DefaultExpiry        = 30 * time.Minute
	DefaultMaxContexts   = 100
	DefaultSweepInterval = 5 * time.Minute
)

// Config 描述上下文存储的容量与过期策略。
type Config struct {
	MaxMessages   int
	Expiry        time.Duration
	MaxContexts   int
	SweepInterval time.Duration
}

// Context 是一段多轮对话。
type Context struct {
	ID            string            `json:"id"`
	OwnerAddress  string            `json:"owner_address"`
	Messages      []message.Message `json:"messages"`
	CreatedAt     time.Time         `json:"created_at"`
	LastUpdatedAt time.Time         `json:"last_updated_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func (c *Context) clone() *Context {
	out := *c
	out.Messages = message.CloneAll(c.Messages)
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Stats 是存储的运行统计。
type Stats struct {
	Contexts     int       `json:"contexts"`
	Messages     int       `json:"messages"`
	Owners       int       `json:"owners"`
	Evicted      uint64    `json:"evicted"`
	Expired      uint64    `json:"expired"`
	OldestUpdate time.Time `json:"oldest_update,omitempty"`
}

// Store 是并发安全的对话上下文存储，所有读取都返回副本。
type Store struct {
	mu       sync.Mutex
	cfg      Config
	contexts map[string]*Context
	evicted  uint64
	expired  uint64

	now    func() time.Time
	newID  func() string
	logger *slog.Logger

	stop      chan struct{}
	closeOnce sync.Once
}

// Option 定义可选配置。
type Option func(*Store)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator 替换会话 ID 生成器。
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore 创建存储并启动后台过期清理。SweepInterval 小于 0 时不启动清理。
func NewStore(cfg Config, opts ...Option) *Store {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultMaxMessages
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultExpiry
	}
	if cfg.MaxContexts <= 0 {
		cfg.MaxContexts = DefaultMaxContexts
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	s := &Store{
		cfg:      cfg,
		contexts: make(map[string]*Context),
		now:      time.Now,
		newID:    uuid.NewString,
		logger:   logger.Named("conversation"),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if cfg.SweepInterval > 0 {
		go s.sweepLoop(cfg.SweepInterval)
	}
	return s
}

func (s *Store) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.ClearExpired(); n > 0 {
				s.logger.Debug("清理过期会话", slog.Int("count", n))
			}
		case <-s.stop:
			return
		}
	}
}

// Create 创建新的会话。超过容量时按最后更新时间淘汰最旧的会话。
func (s *Store) Create(owner string) *Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	ctx := &Context{
		ID:            s.newID(),
		OwnerAddress:  owner,
		Messages:      []message.Message{},
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	s.contexts[ctx.ID] = ctx
	s.enforceCapacity(ctx.ID)
	return ctx.clone()
}

func (s *Store) enforceCapacity(keep string) {
	excess := len(s.contexts) - s.cfg.MaxContexts
	if excess <= 0 {
		return
	}
	candidates := make([]*Context, 0, len(s.contexts)-1)
	for id, c := range s.contexts {
		if id != keep {
			candidates = append(candidates, c)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastUpdatedAt.Before(candidates[j].LastUpdatedAt)
	})
	for _, c := range candidates[:excess] {
		delete(s.contexts, c.ID)
		s.evicted++
	}
}

// Restore 以指定 ID 重建会话并按顺序写入历史消息，超出上限的旧消息会被裁剪。
// 若该 ID 仍存活，则直接返回现有会话。
func (s *Store) Restore(id, owner string, history []message.Message) *Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.live(id); ok {
		return c.clone()
	}
	now := s.now()
	msgs := make([]message.Message, 0, len(history))
	for _, msg := range history {
		msg = msg.Clone()
		if msg.Timestamp.IsZero() {
			msg.Timestamp = now
		}
		msgs = append(msgs, msg)
	}
	if over := len(msgs) - s.cfg.MaxMessages; over > 0 {
		msgs = msgs[over:]
	}
	ctx := &Context{
		ID:            id,
		OwnerAddress:  owner,
		Messages:      msgs,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	s.contexts[id] = ctx
	s.enforceCapacity(id)
	return ctx.clone()
}

// Get 返回会话副本。已过期的会话视为不存在并被删除。
func (s *Store) Get(id string) (*Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.live(id)
	if !ok {
		return nil, false
	}
	return c.clone(), true
}

// Update 追加一条消息并截断到最近 MaxMessages 条。
func (s *Store) Update(id string, msg message.Message) (*Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.live(id)
	if !ok {
		return nil, false
	}
	now := s.now()
	msg = msg.Clone()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	c.Messages = append(c.Messages, msg)
	if over := len(c.Messages) - s.cfg.MaxMessages; over > 0 {
		trimmed := make([]message.Message, s.cfg.MaxMessages)
		copy(trimmed, c.Messages[over:])
		c.Messages = trimmed
	}
	c.LastUpdatedAt = now
	return c.clone(), true
}

// SetMetadata 写入会话的附加信息。
func (s *Store) SetMetadata(id, key, value string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.live(id)
	if !ok {
		return false
	}
	if c.Metadata == nil {
		c.Metadata = make(map[string]string)
	}
	c.Metadata[key] = value
	return true
}

// Clear 删除指定会话，返回是否存在。已过期的会话视为不存在。
func (s *Store) Clear(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(id); !ok {
		return false
	}
	delete(s.contexts, id)
	return true
}

// ClearExpired 删除所有过期会话并返回数量。
func (s *Store) ClearExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, c := range s.contexts {
		if s.isExpired(c, now) {
			delete(s.contexts, id)
			removed++
		}
	}
	s.expired += uint64(removed)
	return removed
}

// ClearAll 删除全部会话并返回数量。
func (s *Store) ClearAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.contexts)
	s.contexts = make(map[string]*Context)
	return n
}

// ClearByOwner 删除指定地址拥有的全部会话，地址比较忽略大小写。
func (s *Store) ClearByOwner(owner string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, c := range s.contexts {
		if strings.EqualFold(c.OwnerAddress, owner) {
			delete(s.contexts, id)
			removed++
		}
	}
	return removed
}

// Stats 返回统计快照。
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{Contexts: len(s.contexts), Evicted: s.evicted, Expired: s.expired}
	owners := make(map[string]struct{})
	for _, c := range s.contexts {
		stats.Messages += len(c.Messages)
		owners[strings.ToLower(c.OwnerAddress)] = struct{}{}
		if stats.OldestUpdate.IsZero() || c.LastUpdatedAt.Before(stats.OldestUpdate) {
			stats.OldestUpdate = c.LastUpdatedAt
		}
	}
	stats.Owners = len(owners)
	return stats
}

// Close 停止后台清理并清空全部会话，重复调用是安全的。
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.ClearAll()
	})
}

func (s *Store) live(id string) (*Context, bool) {
	c, ok := s.contexts[id]
	if !ok {
		return nil, false
	}
	if s.isExpired(c, s.now()) {
		delete(s.contexts, id)
		s.expired++
		return nil, false
	}
	return c, true
}

func (s *Store) isExpired(c *Context, now time.Time) bool {
	return now.Sub(c.LastUpdatedAt) > s.cfg.Expiry
}
