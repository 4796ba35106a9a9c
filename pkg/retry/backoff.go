// Package retry runs an operation until it succeeds, a bounded number of times.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Config bounds the attempts of one operation and spaces them.
type Config struct {
	// MaxRetries is the total number of attempts.
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	JitterEnabled bool

	// Wait blocks between attempts. Nil waits on a timer.
	Wait func(ctx context.Context, d time.Duration) error
}

// DefaultConfig is used for connections to services that may still be starting.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    10,
		InitialDelay:  2 * time.Second,
		MaxDelay:      time.Minute,
		Multiplier:    2,
		JitterEnabled: true,
	}
}

// FixedConfig makes attempts tries spaced exactly interval apart. Fewer than
// one attempt is treated as one.
func FixedConfig(attempts int, interval time.Duration) Config {
	return Config{
		MaxRetries:   max(attempts, 1),
		InitialDelay: interval,
		MaxDelay:     interval,
		Multiplier:   1,
	}
}

// delays returns the schedule of waits between attempts.
func (c Config) delays() backoff.BackOff {
	jitter := 0.0
	if c.JitterEnabled {
		jitter = 0.15
	}
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.InitialDelay),
		backoff.WithMaxInterval(c.MaxDelay),
		backoff.WithMultiplier(max(c.Multiplier, 1)),
		backoff.WithRandomizationFactor(jitter),
		backoff.WithMaxElapsedTime(0),
	)
}

// WithBackoff calls fn until it returns nil or cfg.MaxRetries attempts are
// used. The last error is wrapped with the operation name.
func WithBackoff(ctx context.Context, cfg Config, logger *zap.Logger, operation string, fn func() error) error {
	wait := cfg.Wait
	if wait == nil {
		wait = sleep
	}
	delays := cfg.delays()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s cancelled: %w", operation, err)
		}

		err := fn()
		if err == nil {
			if attempt > 1 {
				logger.Info("Operation succeeded after retries",
					zap.String("operation", operation),
					zap.Int("attempts", attempt))
			}
			return nil
		}
		if attempt >= cfg.MaxRetries {
			return fmt.Errorf("%s failed after %d attempts: %w", operation, attempt, err)
		}

		delay := delays.NextBackOff()
		logger.Warn("Operation failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", cfg.MaxRetries),
			zap.Duration("retry_in", delay),
			zap.Error(err))

		if err := wait(ctx, delay); err != nil {
			return fmt.Errorf("%s cancelled: %w", operation, err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
