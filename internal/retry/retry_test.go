package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"

	"github.com/extension-analysis/extension-analysis-go/internal/analysis"
)

func testConfig(attempts int) *Config {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &Config{
		Operation:       "test",
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Strategy:        StrategyFixed,
		Logger:          logger,
	}
}

func TestDo_Success(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), testConfig(3), func(ctx context.Context) error {
		attempts++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), testConfig(5), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("database is locked")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_MaxAttemptsReached(t *testing.T) {
	attempts := 0
	cause := errors.New("connection reset")
	err := Do(context.Background(), testConfig(3), func(ctx context.Context) error {
		attempts++
		return cause
	})

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "test failed after 3 attempts")
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	attempts := 0
	_ = Do(context.Background(), testConfig(0), func(ctx context.Context) error {
		attempts++
		return errors.New("x")
	})
	assert.Equal(t, 1, attempts)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	cases := []error{
		Permanent(errors.New("bad request")),
		&analysis.SizeError{What: "package", Size: 10, Limit: 5},
		&analysis.MalformedContainerError{Reason: "bad magic"},
		fmt.Errorf("load: %w", analysis.ErrInvalidManifest),
		gorm.ErrRecordNotFound,
	}
	for _, cause := range cases {
		attempts := 0
		err := Do(context.Background(), testConfig(5), func(ctx context.Context) error {
			attempts++
			return cause
		})
		assert.Error(t, err)
		assert.Equal(t, 1, attempts, cause.Error())
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := testConfig(5)
	cfg.InitialInterval = time.Second

	attempts := 0
	err := Do(ctx, cfg, func(ctx context.Context) error {
		attempts++
		cancel()
		return errors.New("temporary")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestDo_Timeout(t *testing.T) {
	cfg := testConfig(100)
	cfg.InitialInterval = 20 * time.Millisecond
	cfg.MaxInterval = 20 * time.Millisecond
	cfg.Timeout = 50 * time.Millisecond

	start := time.Now()
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		return errors.New("temporary")
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestNextInterval(t *testing.T) {
	initial := 100 * time.Millisecond
	max := time.Second

	tests := []struct {
		strategy Strategy
		attempt  int
		want     time.Duration
	}{
		{StrategyFixed, 1, 100 * time.Millisecond},
		{StrategyFixed, 4, 100 * time.Millisecond},
		{StrategyLinear, 1, 100 * time.Millisecond},
		{StrategyLinear, 3, 300 * time.Millisecond},
		{StrategyExponential, 1, 100 * time.Millisecond},
		{StrategyExponential, 3, 400 * time.Millisecond},
		{StrategyExponential, 5, time.Second},
		{Strategy("unknown"), 2, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%d", tt.strategy, tt.attempt), func(t *testing.T) {
			assert.Equal(t, tt.want, nextInterval(tt.strategy, initial, max, tt.attempt))
		})
	}
}

func TestDoWithResult(t *testing.T) {
	attempts := 0
	got, err := DoWithResult(context.Background(), testConfig(3), func(ctx context.Context) (string, error) {
		attempts++
		if attempts == 1 {
			return "", errors.New("busy")
		}
		return "scan-1", nil
	})
	assert.NoError(t, err)
	assert.Equal(t, "scan-1", got)

	got, err = DoWithResult(context.Background(), testConfig(2), func(ctx context.Context) (string, error) {
		return "partial", errors.New("busy")
	})
	assert.Error(t, err)
	assert.Empty(t, got)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"generic", errors.New("some error"), true},
		{"permanent", Permanent(errors.New("fatal")), false},
		{"wrapped permanent", fmt.Errorf("save: %w", Permanent(errors.New("fatal"))), false},
		{"too large", analysis.ErrInputTooLarge, false},
		{"duplicate key", gorm.ErrDuplicatedKey, false},
		{"parse error", &analysis.ParseError{File: "a.js", Err: errors.New("x")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}

	assert.Nil(t, Permanent(nil))
}

func TestPersistConfig(t *testing.T) {
	cfg := PersistConfig(5, 50*time.Millisecond, nil)
	assert.Equal(t, "persist", cfg.Operation)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.InitialInterval)
	assert.NotNil(t, cfg.Logger)

	cfg = PersistConfig(0, 0, nil)
	assert.Equal(t, DefaultConfig().MaxAttempts, cfg.MaxAttempts)
}
