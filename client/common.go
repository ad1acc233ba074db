package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// maxRateLimitRetries caps how often one call sleeps out a 429.
const maxRateLimitRetries = 5

// withRetries repeats fn while the gateway answers 429, sleeping for the
// advertised Retry-After between attempts.
func withRetries[R any](ctx context.Context, logger *slog.Logger, fn func() (R, error)) (R, error) {
	var zero R
	for attempt := 0; ; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}

		var rateLimitErr *ErrRateLimited
		if !errors.As(err, &rateLimitErr) || attempt >= maxRateLimitRetries {
			return zero, err
		}

		logger.Warn("Rate limited, sleeping", "duration", rateLimitErr.RetryAfter, "attempt", attempt+1)
		timer := time.NewTimer(rateLimitErr.RetryAfter)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("operation cancelled during rate limit sleep: %w", ctx.Err())
		}
	}
}

func withRetriesVoid(ctx context.Context, logger *slog.Logger, fn func() error) error {
	_, err := withRetries(ctx, logger, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
