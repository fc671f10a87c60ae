package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"gitlab.com/tozd/go/errors"

	apperrors "github.com/xuecangming/multidrive/internal/common/errors"
	"github.com/xuecangming/multidrive/internal/core/cancel"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts  int           // Maximum number of attempts, including the first
	InitialDelay time.Duration // Initial delay between retries
	MaxDelay     time.Duration // Maximum delay between retries
	Multiplier   float64       // Backoff multiplier
	Jitter       bool          // Whether to add jitter to delays
}

// DefaultConfig returns default retry configuration: 3 attempts waiting 1s then 2s
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       false,
	}
}

// Operation is a function that can be retried
type Operation func() error

// OperationWithContext is a function with context that can be retried
type OperationWithContext func(ctx context.Context) error

// IsRetryable checks if an error should be retried
type IsRetryable func(error) bool

// Notify is called before each backoff sleep
type Notify func(attempt int, err error, delay time.Duration)

// Do executes an operation with retry logic
func Do(op Operation, config *Config) error {
	return DoWithContextAndRetryable(context.Background(), func(context.Context) error {
		return op()
	}, config, func(error) bool { return true })
}

// DoWithContext executes an operation with context and retry logic
func DoWithContext(ctx context.Context, op OperationWithContext, config *Config) error {
	return DoWithContextAndRetryable(ctx, op, config, func(error) bool { return true })
}

// DoWithContextAndRetryable executes an operation with context and custom retry logic
func DoWithContextAndRetryable(ctx context.Context, op OperationWithContext, config *Config, isRetryable IsRetryable) error {
	return DoNotify(ctx, op, config, isRetryable, nil)
}

// DoNotify is DoWithContextAndRetryable with a hook invoked before every backoff
func DoNotify(ctx context.Context, op OperationWithContext, config *Config, isRetryable IsRetryable, notify Notify) error {
	return DoToken(ctx, nil, op, config, isRetryable, notify)
}

// DoToken is DoNotify that also stops when tok is paused or cancelled, both
// before each attempt and during the backoff sleep
func DoToken(ctx context.Context, tok *cancel.Token, op OperationWithContext, config *Config, isRetryable IsRetryable, notify Notify) error {
	if config == nil {
		config = DefaultConfig()
	}
	if isRetryable == nil {
		isRetryable = IsTransient
	}
	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		// Check if context is cancelled
		if err := ctx.Err(); err != nil {
			return errors.WithStack(err)
		}
		if err := tok.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}

		lastErr = err

		// Stop signals are never transient
		if cancel.IsStop(err) {
			return err
		}

		// Check if error is retryable
		if !isRetryable(err) {
			return err
		}

		// Don't retry if this is the last attempt
		if attempt == attempts-1 {
			break
		}

		// Calculate delay with exponential backoff
		delay := calculateDelay(attempt, config)
		stopped := tok.Stopped()
		if notify != nil {
			notify(attempt+1, err, delay)
		}

		// Wait before retry with context cancellation support
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
			// Continue to next attempt
		case <-ctx.Done():
			timer.Stop()
			return errors.WithStack(ctx.Err())
		case <-stopped:
			timer.Stop()
			// a pause may already be resumed; retry at once then
			if err := tok.Err(); err != nil {
				return err
			}
		}
	}

	return errors.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}

// calculateDelay calculates the delay for the next retry attempt
func calculateDelay(attempt int, config *Config) time.Duration {
	multiplier := config.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}

	// Calculate exponential backoff
	delay := float64(config.InitialDelay) * math.Pow(multiplier, float64(attempt))

	// Cap at maximum delay
	if config.MaxDelay > 0 && delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	// Add jitter if enabled
	if config.Jitter {
		// Add random jitter up to 25% of the delay
		jitter := delay * 0.25 * rand.Float64()
		delay += jitter
	}

	return time.Duration(delay)
}

// IsTransient is the default classification: stop signals, context cancellation
// and permanent application errors are not retried, everything else is.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if cancel.IsStop(err) || errors.Is(err, context.Canceled) {
		return false
	}
	if apperrors.IsPermanent(err) {
		return false
	}

	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		return IsHTTPRetryable(statusErr.HTTPStatusCode())
	}

	// Unknown failures from remote I/O are treated as transient
	return true
}

// IsHTTPRetryable checks if an HTTP status code is retryable
func IsHTTPRetryable(statusCode int) bool {
	return statusCode == 408 || // Request Timeout
		statusCode == 429 || // Too Many Requests
		statusCode == 500 || // Internal Server Error
		statusCode == 502 || // Bad Gateway
		statusCode == 503 || // Service Unavailable
		statusCode == 504 // Gateway Timeout
}
