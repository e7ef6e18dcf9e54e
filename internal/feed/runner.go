// Package feed orchestrates chain ingestion into the candle pipeline: block
// acceptance, reorg reconciliation, event normalization, aggregation,
// resampling and sink delivery.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"dexfeed/internal/candles"
	"dexfeed/internal/chain"
	"dexfeed/internal/domain"
	"dexfeed/internal/normalize"
	"dexfeed/internal/observability"
	"dexfeed/internal/reorg"
	"dexfeed/internal/resample"
	"dexfeed/internal/sink"
	"dexfeed/internal/storage"
)

// Runner drives one chain's feed. It owns the aggregator, resampler and
// reorg detector; everything downstream of the chain source is
// single-threaded so blocks are always applied in order.
type Runner struct {
	chainID    string
	source     chain.Source
	normalizer *normalize.Normalizer
	detector   *reorg.Detector
	aggregator *candles.Aggregator
	resampler  *resample.Resampler
	sink       sink.Sink
	cursors    storage.CursorStore

	pollInterval  time.Duration
	flushInterval time.Duration
	gracePeriod   time.Duration
	batchSize     int64
	heads         <-chan domain.BlockHeader
	logger        *log.Logger

	next      int64 // next block number to fetch
	chainTime int64 // latest accepted block timestamp, Unix ms

	// pendingCorrections buffers correction keys whose sink delivery failed.
	// The detector never re-emits an Invalidate after its cursor is rewound,
	// so the keys must survive until the sink accepts them.
	pendingCorrections []domain.CandleKey
}

// RunnerOptions contains configuration for creating a Runner.
type RunnerOptions struct {
	ChainID    string
	Source     chain.Source
	Normalizer *normalize.Normalizer
	Sink       sink.Sink

	// Cursors persists the resume point. Optional; without it every start
	// is a cold start.
	Cursors storage.CursorStore

	// BaseTimeframe is the aggregation resolution. Default: 1m.
	BaseTimeframe domain.Timeframe

	// Timeframes are the derived resolutions resampled from the base.
	Timeframes []domain.Timeframe

	// FinalityDepth is the block depth below which reorgs are assumed
	// impossible. Default: 12.
	FinalityDepth int64

	// PollInterval is the head polling cadence. Default: 2s.
	PollInterval time.Duration

	// FlushInterval drives stale-bucket flushing for quiet pools. Default: 5s.
	FlushInterval time.Duration

	// GracePeriod is how long after a bucket's window ends it stays open for
	// late events. Default: twice the base timeframe.
	GracePeriod time.Duration

	// BatchSize is the max blocks fetched per poll. Default: 64.
	BatchSize int64

	// Heads optionally delivers new block headers (e.g. from a websocket
	// subscription) to trigger fetches ahead of the poll ticker.
	Heads <-chan domain.BlockHeader

	Logger *log.Logger
}

// NewRunner creates a feed runner and wires the candle pipeline.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Source == nil {
		return nil, errors.New("feed: source is required")
	}
	if opts.Normalizer == nil {
		return nil, errors.New("feed: normalizer is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("feed: sink is required")
	}

	baseTF := opts.BaseTimeframe
	if baseTF == 0 {
		baseTF = domain.Timeframe1m
	}

	finalityDepth := opts.FinalityDepth
	if finalityDepth == 0 {
		finalityDepth = 12
	}

	pollInterval := opts.PollInterval
	if pollInterval == 0 {
		pollInterval = 2 * time.Second
	}

	flushInterval := opts.FlushInterval
	if flushInterval == 0 {
		flushInterval = 5 * time.Second
	}

	gracePeriod := opts.GracePeriod
	if gracePeriod == 0 {
		gracePeriod = 2 * baseTF.Duration()
	}

	batchSize := opts.BatchSize
	if batchSize == 0 {
		batchSize = 64
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	r := &Runner{
		chainID:       opts.ChainID,
		source:        opts.Source,
		normalizer:    opts.Normalizer,
		sink:          opts.Sink,
		cursors:       opts.Cursors,
		pollInterval:  pollInterval,
		flushInterval: flushInterval,
		gracePeriod:   gracePeriod,
		batchSize:     batchSize,
		heads:         opts.Heads,
		logger:        logger,
	}

	r.detector = reorg.NewDetector(opts.ChainID, finalityDepth, opts.Source.HeaderByNumber, logger)
	r.aggregator = candles.NewAggregator(baseTF, r.onBaseClosed)

	if len(opts.Timeframes) > 0 {
		resampler, err := resample.New(baseTF, opts.Timeframes, r.onDerivedClosed)
		if err != nil {
			return nil, err
		}
		r.resampler = resampler
	}

	return r, nil
}

// Aggregator exposes the base aggregator for read-side snapshots.
func (r *Runner) Aggregator() *candles.Aggregator {
	return r.aggregator
}

// Resampler exposes the derived-timeframe resampler, or nil.
func (r *Runner) Resampler() *resample.Resampler {
	return r.resampler
}

// PairSnapshot returns the pair-level candle series for a timeframe, merged
// across pools at read time. Pool-level state is never mutated by reads.
func (r *Runner) PairSnapshot(pairID string, tf domain.Timeframe) []*domain.Candle {
	if tf == r.aggregator.Timeframe() {
		return candles.MergeSnapshots(r.aggregator.Snapshot(pairID))
	}
	if r.resampler != nil {
		return candles.MergeSnapshots(r.resampler.Snapshot(pairID, tf))
	}
	return nil
}

// Cursor returns the current chain cursor.
func (r *Runner) Cursor() domain.ChainCursor {
	return r.detector.Cursor()
}

// Resume restores ingestion state from a persisted cursor.
func (r *Runner) Resume(cursor domain.ChainCursor) {
	r.detector.Resume(cursor)
	r.next = cursor.LastBlockNumber + 1
}

// Run ingests live blocks from startBlock (or the resume point) until the
// context is cancelled. On cancellation open candles are flushed and the
// cursor persisted.
func (r *Runner) Run(ctx context.Context, startBlock int64) error {
	if err := r.restore(ctx, startBlock); err != nil {
		return err
	}

	r.logger.Printf("Starting live feed for %s at block %d", r.chainID, r.next)

	pollTicker := time.NewTicker(r.pollInterval)
	defer pollTicker.Stop()

	flushTicker := time.NewTicker(r.flushInterval)
	defer flushTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return ctx.Err()

		case <-flushTicker.C:
			r.flushStale()

		case _, ok := <-r.heads:
			// New head pushed over the subscription: fetch without waiting
			// for the next tick. A nil channel blocks forever, so polling
			// remains the fallback.
			if !ok {
				r.heads = nil
				continue
			}
			if err := r.poll(ctx); err != nil {
				if fatal, stop := r.handlePollError(ctx, err); stop {
					return fatal
				}
			}

		case <-pollTicker.C:
			if err := r.poll(ctx); err != nil {
				if fatal, stop := r.handlePollError(ctx, err); stop {
					return fatal
				}
			}
		}
	}
}

// restore positions the runner at the persisted cursor, or at startBlock when
// none exists. Resume is skipped when the detector is already at the loaded
// cursor (live phase after an in-process backfill), preserving the recorded
// hash window so the next reorg reconciles to its real fork point.
func (r *Runner) restore(ctx context.Context, startBlock int64) error {
	if r.cursors == nil {
		if r.next == 0 {
			r.next = startBlock
		}
		return nil
	}

	cursor, err := r.cursors.Load(ctx, r.chainID)
	switch {
	case err == nil:
		if cursor == r.detector.Cursor() {
			r.next = cursor.LastBlockNumber + 1
			return nil
		}
		r.Resume(cursor)
		r.logger.Printf("Resuming %s from block %d", r.chainID, r.next)
	case errors.Is(err, storage.ErrNotFound):
		r.next = startBlock
	default:
		return fmt.Errorf("load cursor: %w", err)
	}
	return nil
}

// flushStale closes quiet buckets using chain time, never the wall clock:
// during catch-up the pipeline replays historical timestamps, and a
// wall-clock flush would close and finalize buckets the chain is still
// producing events for.
func (r *Runner) flushStale() {
	if r.chainTime == 0 {
		return
	}
	grace := r.gracePeriod.Milliseconds()
	r.aggregator.FlushStale(r.chainTime, grace)
	if r.resampler != nil {
		r.resampler.FlushStale(r.chainTime, grace)
	}
}

// handlePollError classifies a poll failure. Returns (err, true) when the
// runner must stop.
func (r *Runner) handlePollError(ctx context.Context, err error) (error, bool) {
	if errors.Is(err, reorg.ErrFinalityViolation) {
		r.logger.Printf("FATAL: %v", err)
		observability.DefaultMetrics.FinalityViolations.Inc()
		return err, true
	}
	if ctx.Err() != nil {
		r.shutdown()
		return ctx.Err(), true
	}
	r.logger.Printf("Poll failed: %v", err)
	return nil, false
}

// poll fetches and applies any blocks between the cursor and the chain head.
func (r *Runner) poll(ctx context.Context) error {
	head, err := r.source.Head(ctx)
	if err != nil {
		return err
	}
	if head.Number < r.next {
		return nil
	}

	to := head.Number
	if to > r.next+r.batchSize-1 {
		to = r.next + r.batchSize - 1
	}

	return r.ProcessRange(ctx, r.next, to)
}

// ProcessRange fetches and applies blocks [from, to]. A reconciled reorg
// inside the range rewinds and replays from the fork point before
// continuing.
func (r *Runner) ProcessRange(ctx context.Context, from, to int64) error {
	// Corrections precede any further writes; nothing proceeds until the
	// sink has accepted the buffered keys.
	if err := r.flushCorrections(ctx); err != nil {
		return err
	}

	for from <= to {
		batch, err := r.source.FetchLogs(ctx, from, to)
		if err != nil {
			return err
		}

		replayFrom := int64(-1)
		for _, block := range batch {
			rewind, err := r.processBlock(ctx, block)
			if err != nil {
				return err
			}
			if rewind >= 0 {
				replayFrom = rewind
				break
			}
		}

		if replayFrom < 0 {
			r.next = to + 1
			return nil
		}

		// Replay the canonical branch from the fork point.
		from = replayFrom
		if head, err := r.source.Head(ctx); err == nil && head.Number > to {
			to = head.Number
		}
	}

	r.next = to + 1
	return nil
}

// processBlock verifies one block against the reorg detector and folds its
// events into the candle pipeline. Returns a non-negative block number when
// the caller must rewind and replay from it.
func (r *Runner) processBlock(ctx context.Context, block domain.BlockLogs) (int64, error) {
	inv, err := r.detector.Accept(ctx, block.Header)
	if err != nil {
		return -1, err
	}
	if inv != nil {
		// Pin the fetch position to the fork point before attempting
		// correction delivery, so a failed delivery retries the replay
		// from the right block instead of the pre-reorg range.
		r.next = inv.FromBlock
		if err := r.applyInvalidation(ctx, inv); err != nil {
			return -1, err
		}
		return inv.FromBlock, nil
	}

	if block.Header.Timestamp > r.chainTime {
		r.chainTime = block.Header.Timestamp
	}

	logs := append([]*domain.RawLog(nil), block.Logs...)
	sort.Slice(logs, func(i, j int) bool { return logs[i].LogIndex < logs[j].LogIndex })

	for _, raw := range logs {
		ev, err := r.normalizer.Normalize(raw)
		if err != nil {
			observability.RecordLogRejected(rejectionReason(err))
			r.logger.Printf("Rejected log %d/%d: %v", raw.BlockNumber, raw.LogIndex, err)
			continue
		}
		if err := r.aggregator.Ingest(ev); err != nil {
			// A finalized bucket can no longer accept events. Drop the
			// event as a counted rejection; only a finality violation may
			// halt the chain.
			if errors.Is(err, candles.ErrFinalizedBucket) {
				observability.RecordLogRejected("finalized_bucket")
				r.logger.Printf("Dropped event %d/%d for finalized bucket: %v",
					raw.BlockNumber, raw.LogIndex, err)
				continue
			}
			return -1, fmt.Errorf("ingest block %d log %d: %w", raw.BlockNumber, raw.LogIndex, err)
		}
		observability.RecordSwapProcessed()
	}

	cursor := r.detector.Cursor()
	r.aggregator.Finalize(cursor.FinalizedBlock)
	if r.resampler != nil {
		r.resampler.Finalize(cursor.FinalizedBlock)
	}

	observability.RecordBlockProcessed(block.Header.Number, time.Now().Unix())
	observability.UpdateFinalizedBlock(cursor.FinalizedBlock)
	observability.UpdateOpenBuckets(r.aggregator.OpenCount())

	if r.cursors != nil {
		if err := r.cursors.Save(ctx, cursor); err != nil {
			r.logger.Printf("Failed to persist cursor: %v", err)
		}
	}

	return -1, nil
}

// applyInvalidation pushes a reorg through the pipeline: discard derived
// state from the fork point and notify the sink before replay rebuilds it.
func (r *Runner) applyInvalidation(ctx context.Context, inv *reorg.Invalidate) error {
	baseKeys := r.aggregator.Invalidate(inv.FromBlock)

	var derivedKeys []domain.CandleKey
	if r.resampler != nil {
		derivedKeys = r.resampler.Invalidate(inv.FromBlock)
	}

	keys := append(baseKeys, derivedKeys...)
	observability.RecordReorg(inv.OrphanedTip-inv.ForkBlock, len(keys))

	r.logger.Printf("Reorg on %s: invalidating %d candle keys from block %d",
		r.chainID, len(keys), inv.FromBlock)

	if len(keys) == 0 {
		return nil
	}
	r.pendingCorrections = append(r.pendingCorrections, keys...)
	return r.flushCorrections(ctx)
}

// flushCorrections delivers buffered correction keys to the sink. On failure
// the keys stay buffered and the error propagates; ProcessRange retries
// delivery before any subsequent writes.
func (r *Runner) flushCorrections(ctx context.Context) error {
	if len(r.pendingCorrections) == 0 {
		return nil
	}
	if err := r.sink.Correct(ctx, r.pendingCorrections); err != nil {
		observability.DefaultMetrics.SinkWriteErrors.WithLabelValues("correct").Inc()
		return fmt.Errorf("deliver corrections: %w", err)
	}
	r.pendingCorrections = nil
	return nil
}

// onBaseClosed delivers a closed base candle and folds it into the derived
// timeframes.
func (r *Runner) onBaseClosed(c *domain.Candle) {
	tf := c.Timeframe.String()
	observability.RecordCandleClosed(tf)

	err := r.sink.Write(context.Background(), c)
	observability.RecordSinkWrite(tf, err)
	if err != nil {
		r.logger.Printf("Failed to write candle %s: %v", c.Key(), err)
	}

	if r.resampler != nil {
		if err := r.resampler.Fold(c); err != nil {
			r.logger.Printf("Failed to resample candle %s: %v", c.Key(), err)
		}
	}
}

// onDerivedClosed delivers a closed derived candle.
func (r *Runner) onDerivedClosed(c *domain.Candle) {
	tf := c.Timeframe.String()
	observability.RecordCandleClosed(tf)

	err := r.sink.Write(context.Background(), c)
	observability.RecordSinkWrite(tf, err)
	if err != nil {
		r.logger.Printf("Failed to write candle %s: %v", c.Key(), err)
	}
}

// shutdown flushes open candles and persists the cursor. Pending corrections
// are delivered first so the close writes never precede their notices.
func (r *Runner) shutdown() {
	r.logger.Printf("Shutting down feed for %s, flushing open candles...", r.chainID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.flushCorrections(ctx); err != nil {
		r.logger.Printf("Failed to deliver corrections on shutdown: %v", err)
	}

	r.aggregator.CloseAll()
	if r.resampler != nil {
		r.resampler.CloseAll()
	}

	if r.cursors != nil {
		if err := r.cursors.Save(ctx, r.detector.Cursor()); err != nil {
			r.logger.Printf("Failed to persist cursor on shutdown: %v", err)
		}
	}
}

// rejectionReason maps normalization errors to a metric label.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, normalize.ErrUnknownPool):
		return "unknown_pool"
	case errors.Is(err, normalize.ErrUnsupportedTopic):
		return "unsupported_topic"
	case errors.Is(err, normalize.ErrMalformedPayload):
		return "malformed_payload"
	default:
		return "other"
	}
}
