package errors

import (
	"context"
	stderrors "errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(stderrors.New("flaky"), "")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := NewPermanentError(stderrors.New("nope"), "")
	err := Retry(context.Background(), fastRetryConfig(), func(ctx context.Context) error {
		calls++
		return permanent
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, permanent.Err)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(), func(ctx context.Context) error {
		calls++
		return NewTransientError(stderrors.New("down"), "")
	})
	assert.Equal(t, 3, calls)
	assert.ErrorContains(t, err, "max retries exceeded")
}

func TestRetryWithResult_ReturnsValue(t *testing.T) {
	value, err := RetryWithResult(context.Background(), fastRetryConfig(), func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, value)
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, fastRetryConfig(), func(ctx context.Context) error {
		return nil
	})
	assert.ErrorContains(t, err, "context cancelled")
}

func TestCalculateBackoff_LinearWithCap(t *testing.T) {
	config := RetryConfig{BaseDelay: 150 * time.Millisecond, MaxDelay: 400 * time.Millisecond}

	assert.Equal(t, 150*time.Millisecond, calculateBackoff(0, config))
	assert.Equal(t, 300*time.Millisecond, calculateBackoff(1, config))
	assert.Equal(t, 400*time.Millisecond, calculateBackoff(2, config), "delays clamp at MaxDelay")

	config.JitterFactor = 0.25
	for attempt := 0; attempt < 3; attempt++ {
		delay := calculateBackoff(attempt, config)
		assert.Greater(t, delay, time.Duration(0))
		assert.LessOrEqual(t, delay, config.MaxDelay)
	}
}

func TestIsTransient_Classification(t *testing.T) {
	assert.True(t, IsTransient(NewTransientError(stderrors.New("x"), "")))
	assert.True(t, IsTransient(syscall.ECONNREFUSED))
	assert.False(t, IsTransient(NewPermanentError(stderrors.New("x"), "")))
	assert.False(t, IsTransient(&ConflictError{Message: "lock held"}))
	assert.False(t, IsTransient(&NotFoundError{Resource: "lock"}))
	assert.False(t, IsTransient(NewToolError("path_escape", nil)))
	assert.False(t, IsTransient(nil))
}

func TestKindOfAndHTTPStatus(t *testing.T) {
	assert.Equal(t, KindConflict, KindOf(&ConflictError{}))
	assert.Equal(t, 409, HTTPStatus(&ConflictError{}))
	assert.Equal(t, KindNotFound, KindOf(&NotFoundError{Resource: "exec"}))
	assert.Equal(t, 404, HTTPStatus(&NotFoundError{Resource: "exec"}))
	assert.Equal(t, KindAuth, KindOf(&AuthError{}))
	assert.Equal(t, 401, HTTPStatus(&AuthError{}))
	assert.Equal(t, KindConfig, KindOf(&ConfigError{Field: "WORK_ROOT"}))
	assert.Equal(t, KindTool, KindOf(NewToolError("timeout", nil)))
	assert.Equal(t, KindTransient, KindOf(syscall.ECONNRESET))
	assert.Equal(t, 503, HTTPStatus(syscall.ECONNRESET))
}

func TestToolCode(t *testing.T) {
	assert.Equal(t, "path_escape", ToolCode(NewToolError("path_escape", nil)))
	assert.Equal(t, "boom", ToolCode(stderrors.New("boom")))
	assert.Equal(t, "", ToolCode(nil))
}
