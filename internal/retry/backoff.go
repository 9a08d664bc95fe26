// Package retry 提供指数退避重试器，供推理调用与上下文压缩复用。
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agenttree/types"
)

// Policy 定义重试策略
type Policy struct {
	MaxAttempts  int                                               // 最大尝试次数（含首次，最少 1）
	InitialDelay time.Duration                                     // 初始延迟
	MaxDelay     time.Duration                                     // 最大延迟
	Multiplier   float64                                           // 指数退避倍数
	Jitter       bool                                              // ±25% 随机抖动
	Retryable    func(err error) bool                              // 为空则所有错误都重试
	OnRetry      func(attempt int, err error, delay time.Duration) // 每次重试前回调
}

// DefaultPolicy 返回默认策略
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryer 指数退避重试器
type Retryer struct {
	policy Policy
	logger *zap.Logger
}

// New 创建重试器，非法参数回落到默认值
func New(policy Policy, logger *zap.Logger) *Retryer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = DefaultPolicy().InitialDelay
	}
	if policy.MaxDelay < policy.InitialDelay {
		policy.MaxDelay = policy.InitialDelay
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 2.0
	}
	return &Retryer{policy: policy, logger: logger.With(zap.String("component", "retry"))}
}

// Policy 返回生效的策略
func (r *Retryer) Policy() Policy { return r.policy }

// Do 执行 fn，失败时按策略重试
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do 是带返回值的泛型重试
func Do[T any](ctx context.Context, r *Retryer, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := r.delay(attempt - 1)

			r.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", r.policy.MaxAttempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-timer.C:
			}
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return result, nil
		}
		lastErr = err

		if !r.retryable(err) {
			return zero, err
		}
	}

	r.logger.Warn("retry attempts exhausted",
		zap.Int("attempts", r.policy.MaxAttempts),
		zap.Error(lastErr),
	)
	return zero, &ExhaustedError{Attempts: r.policy.MaxAttempts, Err: lastErr}
}

// delay 计算第 n 次重试前的等待：initial * multiplier^(n-1)，封顶 MaxDelay
func (r *Retryer) delay(n int) time.Duration {
	d := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(n-1))
	if d > float64(r.policy.MaxDelay) {
		d = float64(r.policy.MaxDelay)
	}
	if r.policy.Jitter {
		d += (rand.Float64()*2 - 1) * d * 0.25
	}
	if d < float64(r.policy.InitialDelay) {
		d = float64(r.policy.InitialDelay)
	}
	return time.Duration(d)
}

func (r *Retryer) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if r.policy.Retryable == nil {
		return true
	}
	return r.policy.Retryable(err)
}

// ExhaustedError 表示所有尝试都失败
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// RetryableTypesError 只重试标记为 Retryable 的 types.Error，其余错误直接返回
func RetryableTypesError(err error) bool {
	var te *types.Error
	if errors.As(err, &te) {
		return te.Retryable
	}
	return true
}
