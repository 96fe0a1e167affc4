package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"skimmerwatch/internal/metrics"
	"skimmerwatch/internal/types"
)

// throttled runs task until it succeeds or fails with something other than
// types.ErrThrottled. Every throttle waits a fixed cooldown; there is no retry
// limit.
func throttled(ctx context.Context, logger *slog.Logger, backend, op string, cooldown time.Duration, task func(ctx context.Context) error) error {
	if cooldown <= 0 {
		cooldown = time.Second
	}

	return retry.Do(ctx, retry.NewConstant(cooldown), func(ctx context.Context) error {
		err := task(ctx)
		if types.IsThrottled(err) {
			metrics.Throttles.WithLabelValues(backend).Inc()
			logger.Warn("Backend throttled, cooling down", "op", op, "cooldown", cooldown, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}
