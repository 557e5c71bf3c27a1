package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/ironfuel/livechat/internal/constants"
	"github.com/ironfuel/livechat/internal/logging"
)

// retryConfig holds configuration for MongoDB retry logic
type retryConfig struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
}

// defaultRetryConfig provides default retry configuration
var defaultRetryConfig = retryConfig{
	maxAttempts:  constants.MaxRetryAttempts,
	initialDelay: constants.InitialRetryDelay,
	maxDelay:     constants.MaxRetryDelay,
	multiplier:   constants.RetryMultiplier,
}

// isRetryableError checks if an error is transient.
func isRetryableError(err error) bool {
	// No else needed: early return pattern (guard clause)
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return true
	}

	errStr := err.Error()
	return containsAny(errStr, []string{
		"connection refused",
		"connection reset",
		"temporary failure",
		"i/o timeout",
		"EOF",
		"server selection timeout",
		"no reachable servers",
		"connection pool",
		"socket",
	})
}

func containsAny(s string, substrings []string) bool {
	for _, substr := range substrings {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

// retryOperation executes fn, retrying transient failures with exponential backoff.
func retryOperation(ctx context.Context, logger *logging.Logger, cfg retryConfig, operation string, fn func() error) error {
	var lastErr error
	delay := cfg.initialDelay

	for attempt := 1; attempt <= cfg.maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		// No else needed: early return pattern (guard clause - non-retryable error)
		if !isRetryableError(err) {
			return err
		}

		lastErr = err

		if attempt < cfg.maxAttempts {
			logger.Warn("MongoDB operation failed, retrying",
				"operation", operation,
				"attempt", attempt,
				"max_attempts", cfg.maxAttempts,
				"delay", delay,
				"error", err)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("operation cancelled during retry: %w", ctx.Err())
			}

			delay = time.Duration(float64(delay) * cfg.multiplier)
			if delay > cfg.maxDelay {
				delay = cfg.maxDelay
			}
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", cfg.maxAttempts, lastErr)
}
