// Package retry provides bounded exponential backoff for transient
// failures. Used by the backup uploader only: migrations are never retried
// automatically, and evaluations retry via the next scheduled cycle.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Config bounds a retry loop
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultConfig retries a handful of times over roughly half a minute
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 4,
		BaseDelay:   time.Second,
		MaxDelay:    15 * time.Second,
	}
}

// Do runs fn up to MaxAttempts times, doubling the delay between attempts
// up to MaxDelay. The last error is returned when all attempts fail; a
// cancelled context aborts the wait immediately.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	delay := cfg.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			}
			delay *= 2
			if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}

		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}
