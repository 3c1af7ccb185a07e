package upstream

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2.0,
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil error", nil, false},
		{"internal error code", errors.New("<APIError> code=-1001, msg=Internal error"), true},
		{"too many requests code", errors.New("<APIError> code=-1003, msg=Too many requests"), true},
		{"timestamp outside recvWindow", errors.New("<APIError> code=-1021, msg=Timestamp for this request is outside of the recvWindow"), true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"timeout", errors.New("context deadline exceeded (Client.Timeout exceeded) timeout"), true},
		{"rate limit", errors.New("rate limit exceeded"), true},
		{"bad gateway", errors.New("bad gateway"), true},
		{"service unavailable", errors.New("service unavailable"), true},
		{"raw 5xx status", errors.New("unexpected status code 502"), true},
		{"invalid symbol", errors.New("<APIError> code=-1121, msg=Invalid symbol"), false},
		{"validation error", errors.New("quantity below minimum"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), fastRetryConfig(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetryNonRetryableAbortsImmediately(t *testing.T) {
	attempts := 0
	permanent := errors.New("invalid interval")
	err := WithRetry(context.Background(), fastRetryConfig(), func() error {
		attempts++
		return permanent
	})

	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, attempts)
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), fastRetryConfig(), func() error {
		attempts++
		return fmt.Errorf("timeout on attempt %d", attempts)
	})

	require.Error(t, err)
	assert.Equal(t, 4, attempts)
	assert.Contains(t, err.Error(), "failed after 4 attempts")
}

func TestWithRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := WithRetry(ctx, fastRetryConfig(), func() error {
		attempts++
		return nil
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, attempts)
}
