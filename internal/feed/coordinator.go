package feed

import (
	"context"
	"fmt"
	"log"
	"time"

	"dexfeed/internal/observability"
)

// BackfillResult summarizes a completed backfill run.
type BackfillResult struct {
	FromBlock int64
	ToBlock   int64
	Blocks    int64
	Duration  time.Duration
}

// Coordinator sequences a historical backfill with the live feed over one
// shared Runner. Because both phases fold into the same aggregator, the
// bucket spanning the cutover is resumed by the live phase instead of being
// emitted twice: every bucket is covered exactly once.
type Coordinator struct {
	runner *Runner
	logger *log.Logger
}

// NewCoordinator creates a coordinator around a runner.
func NewCoordinator(runner *Runner, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{runner: runner, logger: logger}
}

// Backfill ingests the closed range [from, to] and flushes every candle it
// produced. Used for bounded historical runs with no live phase.
func (c *Coordinator) Backfill(ctx context.Context, from, to int64) (*BackfillResult, error) {
	result, err := c.backfill(ctx, from, to)
	if err != nil {
		return nil, err
	}

	// No live phase follows: everything still open is final.
	c.runner.aggregator.CloseAll()
	if c.runner.resampler != nil {
		c.runner.resampler.CloseAll()
	}
	return result, nil
}

// Run backfills [startBlock, head] and then follows the chain live. The
// candles straddling the cutover stay open across the phase switch.
func (c *Coordinator) Run(ctx context.Context, startBlock int64) error {
	head, err := c.runner.source.Head(ctx)
	if err != nil {
		return fmt.Errorf("fetch head for cutover: %w", err)
	}

	if startBlock <= head.Number {
		result, err := c.backfill(ctx, startBlock, head.Number)
		if err != nil {
			return fmt.Errorf("backfill [%d, %d]: %w", startBlock, head.Number, err)
		}
		c.logger.Printf("Backfill complete: %d blocks in %s, switching to live at block %d",
			result.Blocks, result.Duration.Round(time.Millisecond), head.Number+1)
	}

	// Live phase continues from the runner's cursor; no bucket is re-ingested
	// because the dedupe index and cursor survived the backfill.
	return c.runner.Run(ctx, head.Number+1)
}

// backfill processes a block range through the shared runner pipeline
// without closing the trailing open buckets.
func (c *Coordinator) backfill(ctx context.Context, from, to int64) (*BackfillResult, error) {
	if from > to {
		return nil, fmt.Errorf("invalid backfill range [%d, %d]", from, to)
	}

	c.logger.Printf("Backfilling blocks [%d, %d]...", from, to)
	started := time.Now()

	c.runner.next = from
	for next := from; next <= to; next = c.runner.next {
		batchTo := next + c.runner.batchSize - 1
		if batchTo > to {
			batchTo = to
		}
		if err := c.runner.ProcessRange(ctx, next, batchTo); err != nil {
			return nil, err
		}
		observability.DefaultMetrics.BackfillBlocksProcessed.Add(float64(batchTo - next + 1))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}

	duration := time.Since(started)
	observability.DefaultMetrics.BackfillDuration.Observe(duration.Seconds())

	return &BackfillResult{
		FromBlock: from,
		ToBlock:   to,
		Blocks:    to - from + 1,
		Duration:  duration,
	}, nil
}
