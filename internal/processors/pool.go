package processors

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"skimmerwatch/internal/processors/names"
)

// fanOut runs task over inputs with at most limit in flight. Each task writes
// its own result slot; failed or panicking tasks leave the slot empty and
// never cancel their siblings. Results keep input order.
func fanOut[T, R any](ctx context.Context, logger *slog.Logger, limit int, inputs []T, task func(context.Context, T) (R, bool)) []R {
	if limit <= 0 {
		limit = names.DefaultConcurrency
	}

	slots := make([]R, len(inputs))
	filled := make([]bool, len(inputs))

	var g errgroup.Group
	g.SetLimit(limit)

	for i, input := range inputs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("Worker task panicked", "index", i, "panic", rec)
				}
			}()
			slots[i], filled[i] = task(ctx, input)
			return nil
		})
	}
	_ = g.Wait()

	results := make([]R, 0, len(inputs))
	for i, ok := range filled {
		if ok {
			results = append(results, slots[i])
		}
	}
	return results
}
