package order

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryConfig 下单重试配置
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	// Jitter 抖动比例 [0,1]，实际等待为 delay*(1±Jitter)
	Jitter float64 `yaml:"jitter"`
}

// DefaultRetryConfig 默认 3 次，200ms 起指数退避
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Jitter:      0.2,
	}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent 标记不应重试的错误
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry 调用 fn 最多 MaxAttempts 次，指数退避加抖动。
// fn 返回 Permanent 错误或 ctx 结束时立即返回。onRetry 在每次等待前调用，可为 nil。
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	var err error
	delay := cfg.BaseDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}

		// 最后一次失败后不再等待
		if attempt < cfg.MaxAttempts {
			if onRetry != nil {
				onRetry(attempt, err)
			}
			timer := time.NewTimer(jittered(delay, cfg.Jitter))
			select {
			case <-ctx.Done():
				timer.Stop()
				return err
			case <-timer.C:
			}
			delay *= 2
			if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}
	}
	return err
}

func jittered(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || d <= 0 {
		return d
	}
	if jitter > 1 {
		jitter = 1
	}
	f := 1 + jitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * f)
}
