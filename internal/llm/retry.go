package llm

import (
	"context"
	"time"

	xerrors "ChainPilot/internal/errors"
)

// Sleeper 在两次尝试之间等待，测试可替换为不阻塞的实现。
type Sleeper func(ctx context.Context, d time.Duration) error

// RetryPolicy 描述 provider 调用的重试行为。
// MaxRetries 为总尝试次数，第 n 次失败后等待 BaseDelay*2^n。
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Sleep      Sleeper
	// OnRetry 在每次等待前回调，用于日志与指标。
	OnRetry func(attempt int, delay time.Duration, err error)
}

// MaxRetryDelay 是单次退避等待的上限。
const MaxRetryDelay = 5 * time.Minute

// Backoff 返回第 attempt 次失败后的等待时长，attempt 从 0 开始，结果不超过 MaxRetryDelay。
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultRetryBaseDelay
	}
	if base >= MaxRetryDelay {
		return MaxRetryDelay
	}
	if attempt < 0 {
		attempt = 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		if delay >= MaxRetryDelay/2 {
			return MaxRetryDelay
		}
		delay *= 2
	}
	return delay
}

// Do 执行 fn，并按错误分类决定是否重试。返回的错误总是已归一化的 provider 错误。
func (p RetryPolicy) Do(ctx context.Context, classify Classifier, fn func(context.Context) (*CompletionResponse, error)) (*CompletionResponse, error) {
	attempts := p.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		resp, err := fn(ctx)
		if err == nil {
			return resp, nil
		}
		lastErr = Normalize(err, classify)
		if !ShouldRetry(xerrors.CodeOf(lastErr)) || attempt == attempts-1 {
			break
		}
		delay := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay, lastErr)
		}
		if err := sleep(ctx, delay); err != nil {
			break
		}
	}
	return nil, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
