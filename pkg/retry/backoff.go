// Package retry runs operations with exponential backoff and jitter.
//
//	cfg := retry.BackoffConfig{
//		InitialInterval: time.Second,
//		MaxInterval:     30 * time.Second,
//		Multiplier:      2.0,
//		Jitter:          true,
//		MaxRetries:      5,
//	}
//
//	err := retry.WithRetry(ctx, func() error {
//		return store.Ping(ctx)
//	}, cfg)
//
// With jitter enabled the delay is baseDelay * (0.5 + random(0, 0.5)).
// Wrapping an error with Stop ends the loop immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/migadu/maildrop/logger"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration // 0 = uncapped
	Multiplier      float64
	Jitter          bool
	MaxRetries      int
	// OperationName is used in log lines; empty disables retry logging.
	OperationName string
}

// Delay returns the wait before the given retry; attempt 1 is the first retry.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return c.jitter(c.InitialInterval)
	}
	interval := float64(c.InitialInterval) * math.Pow(c.Multiplier, float64(attempt-1))
	if c.MaxInterval > 0 && interval > float64(c.MaxInterval) {
		interval = float64(c.MaxInterval)
	}
	return c.jitter(time.Duration(interval))
}

func (c BackoffConfig) jitter(d time.Duration) time.Duration {
	if !c.Jitter || d < 2 {
		return d
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)))
}

type RetryableFunc func() error

// WithRetry calls fn until it succeeds, returns a Stop error, the context is
// cancelled, or MaxRetries retries have been spent.
func WithRetry(ctx context.Context, fn RetryableFunc, config BackoffConfig) error {
	var lastErr error
	attempts := 0
	for attempts <= config.MaxRetries {
		if attempts > 0 {
			timer := time.NewTimer(config.Delay(attempts))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
			case <-timer.C:
			}
		}
		attempts++

		err := fn()
		if err == nil {
			return nil
		}
		var stopErr StopError
		if errors.As(err, &stopErr) {
			return stopErr.Err
		}
		lastErr = err

		if config.OperationName != "" && attempts <= config.MaxRetries {
			logger.Warn("Retrying operation", "operation", config.OperationName,
				"attempt", attempts, "max_attempts", config.MaxRetries+1, "error", err)
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}

// StopError carries an error that must not be retried.
type StopError struct {
	Err error
}

func (s StopError) Error() string { return s.Err.Error() }
func (s StopError) Unwrap() error { return s.Err }

// Stop marks err as permanent.
func Stop(err error) error {
	return StopError{Err: err}
}

func IsStopError(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}
