package task

import (
	"context"
	stdErrors "errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc/pool"

	xerrors "ChainPilot/internal/errors"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Key       string
	BlockWait time.Duration
}

// RedisQueue 使用 Redis list 实现任务队列：LPUSH 入队，BRPOP 出队。
type RedisQueue struct {
	client redis.UniversalClient
	key    string
	wait   time.Duration
}

// NewRedisQueue 连接 Redis 并创建队列。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return NewRedisQueueWithClient(client, cfg), nil
}

// NewRedisQueueWithClient 使用已有客户端创建队列。
func NewRedisQueueWithClient(client redis.UniversalClient, cfg RedisQueueConfig) *RedisQueue {
	key := cfg.Key
	if key == "" {
		key = "chainpilot:jobs"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, key: key, wait: wait}
}

// Publish 将任务投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, jobID string) error {
	if err := q.client.LPush(ctx, q.key, jobID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布任务失败")
	}
	return nil
}

// Consume 通过 BRPOP 从 Redis 获取任务。任一协程遇到不可恢复的错误时，全部协程退出并返回该错误。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	p := pool.New().WithMaxGoroutines(workerCount).WithContext(ctx).WithCancelOnError().WithFirstError()
	for i := 0; i < workerCount; i++ {
		p.Go(func(ctx context.Context) error {
			return q.work(ctx, handler)
		})
	}
	err := p.Wait()
	if err == nil || stdErrors.Is(err, context.Canceled) {
		return ctx.Err()
	}
	return err
}

func (q *RedisQueue) work(ctx context.Context, handler Handler) error {
	for ctx.Err() == nil {
		values, err := q.client.BRPop(ctx, q.wait, q.key).Result()
		if err != nil {
			if stdErrors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			if stdErrors.Is(err, redis.ErrClosed) {
				return nil
			}
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取任务失败")
		}
		if len(values) != 2 {
			continue
		}
		jobID := values[1]
		if handlerErr := handler(ctx, jobID); handlerErr != nil && ctx.Err() == nil {
			_ = q.client.RPush(ctx, q.key, jobID).Err()
		}
	}
	return nil
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
