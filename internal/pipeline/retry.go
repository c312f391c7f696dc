package pipeline

import (
	"context"
	"time"

	"github.com/propertyreel/backend/internal/logger"
	"github.com/propertyreel/backend/internal/utils"
)

// retry runs op up to attempts times, sleeping with exponential backoff and
// jitter between failures. Cancellation aborts the sleep immediately.
func retry(ctx context.Context, log *logger.Logger, op string, attempts int, initial, max time.Duration, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		delay := utils.BackoffDelay(attempt, initial, max)
		log.Warn("Operation failed, retrying",
			"op", op,
			"attempt", attempt,
			"delay_ms", delay.Milliseconds(),
			"error", lastErr,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}
