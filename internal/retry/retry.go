package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/extension-analysis/extension-analysis-go/internal/analysis"
)

// Strategy 重试策略
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"       // 固定间隔
	StrategyLinear      Strategy = "linear"      // 线性递增
	StrategyExponential Strategy = "exponential" // 指数退避
)

// Config 重试配置
type Config struct {
	Operation       string        // 日志中的操作名
	MaxAttempts     int           // 最大尝试次数
	InitialInterval time.Duration // 初始间隔
	MaxInterval     time.Duration // 最大间隔
	Strategy        Strategy
	Timeout         time.Duration // 总超时，0 不限制
	Logger          *logrus.Logger
}

// DefaultConfig 默认配置：保存扫描结果这类短操作
func DefaultConfig() *Config {
	return &Config{
		Operation:       "operation",
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Strategy:        StrategyExponential,
		Timeout:         time.Minute,
		Logger:          logrus.StandardLogger(),
	}
}

// PersistConfig 按配置文件的次数与间隔构建
func PersistConfig(attempts int, backoff time.Duration, logger *logrus.Logger) *Config {
	cfg := DefaultConfig()
	cfg.Operation = "persist"
	if attempts > 0 {
		cfg.MaxAttempts = attempts
	}
	if backoff > 0 {
		cfg.InitialInterval = backoff
	}
	if logger != nil {
		cfg.Logger = logger
	}
	return cfg
}

// permanentError 标记为不可重试
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 包装后 Do 立即返回
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable 判断错误是否可重试
// 输入本身的问题（超限、格式错误、记录不存在）重试也不会成功
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var pe *permanentError
	switch {
	case errors.As(err, &pe):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, analysis.ErrInputTooLarge), errors.Is(err, analysis.ErrInvalidManifest):
		return false
	case analysis.IsMalformedContainer(err):
		return false
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, gorm.ErrDuplicatedKey):
		return false
	default:
		return true
	}
}

// Func 可重试的函数
type Func func(ctx context.Context) error

// Do 执行带重试的操作
func Do(ctx context.Context, config *Config, fn Func) error {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s canceled: %w", config.Operation, err)
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.WithFields(logrus.Fields{
					"operation": config.Operation,
					"attempt":   attempt,
				}).Info("Operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}

		logger.WithFields(logrus.Fields{
			"operation": config.Operation,
			"attempt":   attempt,
			"max":       attempts,
			"error":     err.Error(),
		}).Warn("Operation failed")

		if attempt == attempts {
			break
		}

		wait := nextInterval(config.Strategy, config.InitialInterval, config.MaxInterval, attempt)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled during wait: %w", config.Operation, ctx.Err())
		case <-time.After(wait):
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", config.Operation, attempts, lastErr)
}

// nextInterval 第 attempt 次失败后的等待时间
func nextInterval(strategy Strategy, initial, max time.Duration, attempt int) time.Duration {
	var next time.Duration
	switch strategy {
	case StrategyLinear:
		next = initial * time.Duration(attempt)
	case StrategyExponential:
		next = initial * time.Duration(1<<(attempt-1))
	default:
		next = initial
	}
	if max > 0 && next > max {
		next = max
	}
	return next
}

// DoWithResult 执行带重试的操作并返回结果
func DoWithResult[T any](ctx context.Context, config *Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, config, func(ctx context.Context) error {
		res, err := fn(ctx)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}
