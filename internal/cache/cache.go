// Package cache provides a bounded, expiring key/value cache with strict LRU
// eviction. Separate instances are expected per data-volatility class.
package cache

import (
	"container/list"
	"sync"
	"time"
)

const (
	defaultTTL           = 30 * time.Second
	defaultMaxSize       = 1000
	defaultSweepInterval = 60 * time.Second
)

// Config 描述一个缓存实例的容量与过期策略。
type Config struct {
	Name          string
	DefaultTTL    time.Duration
	MaxSize       int
	SweepInterval time.Duration
}

// Stats 是缓存的运行统计。
type Stats struct {
	Size      int     `json:"size"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
	element   *list.Element
}

// Cache 是带 TTL 的泛型 LRU 缓存，读写都会刷新访问顺序。
type Cache[V any] struct {
	mu      sync.Mutex
	name    string
	ttl     time.Duration
	maxSize int
	entries map[string]*entry[V]
	order   *list.List // 头部为最近访问

	hits      uint64
	misses    uint64
	evictions uint64

	now       func() time.Time
	stop      chan struct{}
	closeOnce sync.Once
}

// Option 定义可选配置。
type Option[V any] func(*Cache[V])

// WithClock 替换时间来源，便于测试。
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *Cache[V]) {
		if now != nil {
			c.now = now
		}
	}
}

// New 创建缓存并启动后台清理协程。SweepInterval 小于 0 时不启动清理。
func New[V any](cfg Config, opts ...Option[V]) *Cache[V] {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = defaultTTL
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultMaxSize
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	c := &Cache[V]{
		name:    cfg.Name,
		ttl:     cfg.DefaultTTL,
		maxSize: cfg.MaxSize,
		entries: make(map[string]*entry[V]),
		order:   list.New(),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if cfg.SweepInterval > 0 {
		go c.sweepLoop(cfg.SweepInterval)
	}
	return c
}

// Name 返回缓存名称。
func (c *Cache[V]) Name() string {
	return c.name
}

func (c *Cache[V]) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.CleanupExpired()
		case <-c.stop:
			return
		}
	}
}

// Close 停止后台清理并清空缓存，重复调用是安全的。
func (c *Cache[V]) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.Clear()
	})
}

// Get 返回未过期的值。过期条目会被顺带删除并计为一次未命中。
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		c.remove(e)
		c.misses++
		return zero, false
	}
	c.order.MoveToFront(e.element)
	c.hits++
	return e.value, true
}

// Set 写入一个值。ttl 为 0 时使用默认 TTL。
// 当 key 为新键且缓存已满时，先淘汰最久未访问的条目。
func (c *Cache[V]) Set(key string, value V, ttl ...time.Duration) {
	expiry := c.ttl
	if len(ttl) > 0 && ttl[0] > 0 {
		expiry = ttl[0]
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(expiry)
	if e, ok := c.entries[key]; ok {
		e.value = value
		e.expiresAt = expiresAt
		c.order.MoveToFront(e.element)
		return
	}

	for len(c.entries) >= c.maxSize {
		if !c.evictOldest() {
			break
		}
	}

	e := &entry[V]{key: key, value: value, expiresAt: expiresAt}
	e.element = c.order.PushFront(e)
	c.entries[key] = e
}

// Has 判断 key 是否存在且未过期，不影响命中统计与访问顺序。
func (c *Cache[V]) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	if !c.now().Before(e.expiresAt) {
		c.remove(e)
		return false
	}
	return true
}

// Delete 删除指定 key，返回是否存在。
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.remove(e)
	return true
}

// Clear 清空缓存并重置统计。
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*entry[V])
	c.order.Init()
	c.hits, c.misses, c.evictions = 0, 0, 0
}

// CleanupExpired 删除所有过期条目并返回删除数量。
func (c *Cache[V]) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for _, e := range c.entries {
		if !now.Before(e.expiresAt) {
			c.remove(e)
			removed++
		}
	}
	return removed
}

// Stats 返回缓存统计快照。
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		Size:      len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

// GetOrLoad 命中时直接返回，未命中时调用 load 并写入缓存。load 出错时不缓存。
func (c *Cache[V]) GetOrLoad(key string, load func() (V, error), ttl ...time.Duration) (V, bool, error) {
	if value, ok := c.Get(key); ok {
		return value, true, nil
	}
	value, err := load()
	if err != nil {
		return value, false, err
	}
	c.Set(key, value, ttl...)
	return value, false, nil
}

func (c *Cache[V]) evictOldest() bool {
	elem := c.order.Back()
	if elem == nil {
		return false
	}
	c.remove(elem.Value.(*entry[V]))
	c.evictions++
	return true
}

func (c *Cache[V]) remove(e *entry[V]) {
	c.order.Remove(e.element)
	delete(c.entries, e.key)
}
