// Package poll provides a cancellable bounded-retry wait for an asynchronous
// resource to reach a target condition.
package poll

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when the condition does not hold within the
// configured timeout.
var ErrTimeout = errors.New("timed out waiting for condition")

const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 10 * time.Minute
)

// Config bounds a wait. Zero values fall back to the defaults.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Until sleeps Interval, invokes query, and tests pred, repeating until pred
// holds, the timeout elapses, or ctx is cancelled. The first poll happens one
// Interval after invocation, never immediately.
func Until[T any](ctx context.Context, cfg Config, query func(context.Context) ([]T, error), pred func([]T) bool) ([]T, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}

		out, err := query(ctx)
		if err != nil {
			return nil, err
		}
		if pred(out) {
			return out, nil
		}
	}
}
