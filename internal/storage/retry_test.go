package storage

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ironfuel/livechat/internal/logging"
)

var fastRetry = retryConfig{
	maxAttempts:  3,
	initialDelay: time.Millisecond,
	maxDelay:     2 * time.Millisecond,
	multiplier:   2,
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("server selection timeout"), true},
		{errors.New("unexpected EOF"), true},
		{errors.New("E11000 duplicate key"), false},
		{context.Canceled, false},
		{context.DeadlineExceeded, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, isRetryableError(tt.err), "err=%v", tt.err)
	}
}

func TestRetryOperation(t *testing.T) {
	logger := logging.New(io.Discard, "error")

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := retryOperation(context.Background(), logger, fastRetry, "op", func() error {
			calls++
			if calls < 3 {
				return errors.New("connection reset by peer")
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		calls := 0
		permanent := errors.New("validation failed")
		err := retryOperation(context.Background(), logger, fastRetry, "op", func() error {
			calls++
			return permanent
		})
		assert.ErrorIs(t, err, permanent)
		assert.Equal(t, 1, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		err := retryOperation(context.Background(), logger, fastRetry, "op", func() error {
			calls++
			return errors.New("i/o timeout")
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "after 3 attempts")
		assert.Equal(t, 3, calls)
	})

	t.Run("honors cancellation between attempts", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		slow := fastRetry
		slow.initialDelay = time.Hour
		err := retryOperation(ctx, logger, slow, "op", func() error {
			cancel()
			return errors.New("connection refused")
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
