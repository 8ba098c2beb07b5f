package ingest

import (
	"context"

	"github.com/rs/zerolog"
)

// supervise runs fn in its own goroutine, recovering any panic and logging
// any error rather than letting either take down the ingestion handler. Used
// for the async, best-effort stages of the pipeline (signal generation,
// queue dispatch) that must never block or fail the caller's request.
func supervise(ctx context.Context, logger zerolog.Logger, task string, fn func(ctx context.Context) error) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Str("task", task).Interface("panic", r).Msg("supervised task panicked")
			}
		}()
		if err := fn(ctx); err != nil {
			logger.Warn().Err(err).Str("task", task).Msg("supervised task failed")
		}
	}()
}
