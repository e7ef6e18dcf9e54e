package feed

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexfeed/internal/chain/stub"
	"dexfeed/internal/domain"
	"dexfeed/internal/normalize"
	"dexfeed/internal/registry"
	"dexfeed/internal/sink"
	"dexfeed/internal/storage/memory"
)

func newTestNormalizer(t *testing.T) *normalize.Normalizer {
	t.Helper()

	reg, err := registry.New([]domain.Pool{
		{PoolID: "pool-a", PairID: "WETH-USDC", BaseAsset: "WETH", QuoteAsset: "USDC", FeeTierBps: 30},
	})
	require.NoError(t, err)
	return normalize.New(reg)
}

func swapLog(price, baseVol, quoteVol string) *domain.RawLog {
	return &domain.RawLog{
		PoolID: "pool-a",
		Topic:  domain.TopicSwapBuy,
		Data:   price + "|" + baseVol + "|" + quoteVol,
	}
}

func newTestRunner(t *testing.T, source *stub.Source, s sink.Sink) *Runner {
	t.Helper()

	r, err := NewRunner(RunnerOptions{
		ChainID:       "testchain",
		Source:        source,
		Normalizer:    newTestNormalizer(t),
		Sink:          s,
		Cursors:       memory.NewCursorStore(),
		BaseTimeframe: domain.Timeframe1m,
		Timeframes:    []domain.Timeframe{domain.Timeframe5m},
		FinalityDepth: 3,
	})
	require.NoError(t, err)
	return r
}

func TestRunnerBuildsCandlesFromBlocks(t *testing.T) {
	source := stub.NewSource()
	mem := sink.NewMemory()
	r := newTestRunner(t, source, mem)

	source.Append("0xa0", 10_000, []*domain.RawLog{swapLog("10", "1", "10")})
	source.Append("0xa1", 40_000, []*domain.RawLog{swapLog("12", "2", "24")})
	source.Append("0xa2", 65_000, []*domain.RawLog{swapLog("9", "1", "9")})

	require.NoError(t, r.ProcessRange(context.Background(), 0, 2))

	// Minute 0 closed when minute 1 opened.
	c := mem.Latest("pool-a", domain.Timeframe1m, 0)
	require.NotNil(t, c)
	assert.Equal(t, 10.0, c.Open)
	assert.Equal(t, 12.0, c.High)
	assert.Equal(t, 12.0, c.Close)
	assert.Equal(t, 2, c.TradeCount)
	assert.True(t, c.Closed)

	// Minute 1 is still open in the aggregator.
	snap := r.Aggregator().Snapshot("WETH-USDC")
	require.Len(t, snap, 2)
	assert.False(t, snap[1].Closed)
	assert.Equal(t, 9.0, snap[1].Close)
}

func TestRunnerReorgEmitsOneCorrectionAndConverges(t *testing.T) {
	source := stub.NewSource()
	mem := sink.NewMemory()
	r := newTestRunner(t, source, mem)

	source.Append("0xa0", 10_000, []*domain.RawLog{swapLog("10", "1", "10")})
	source.Append("0xa1", 20_000, []*domain.RawLog{swapLog("12", "1", "12")})
	source.Append("0xa2", 30_000, []*domain.RawLog{swapLog("20", "5", "100")})
	require.NoError(t, r.ProcessRange(context.Background(), 0, 2))

	// Block 2 is orphaned and replaced by a two-block branch.
	source.Reorg(2, []domain.BlockLogs{
		{Header: domain.BlockHeader{Hash: "0xb2", Timestamp: 30_000},
			Logs: []*domain.RawLog{swapLog("11", "1", "11")}},
		{Header: domain.BlockHeader{Hash: "0xb3", Timestamp: 40_000},
			Logs: []*domain.RawLog{swapLog("13", "2", "26")}},
	})
	require.NoError(t, r.ProcessRange(context.Background(), 3, 3))

	corrections := mem.Corrections()
	require.Len(t, corrections, 1, "exactly one correction batch per reorg")
	require.NotEmpty(t, corrections[0])
	assert.Equal(t, "WETH-USDC", corrections[0][0].PairID)

	// Final state equals ingesting the canonical chain from scratch.
	cleanSource := stub.NewSource()
	cleanSink := sink.NewMemory()
	clean := newTestRunner(t, cleanSource, cleanSink)
	cleanSource.Append("0xa0", 10_000, []*domain.RawLog{swapLog("10", "1", "10")})
	cleanSource.Append("0xa1", 20_000, []*domain.RawLog{swapLog("12", "1", "12")})
	cleanSource.Append("0xb2", 30_000, []*domain.RawLog{swapLog("11", "1", "11")})
	cleanSource.Append("0xb3", 40_000, []*domain.RawLog{swapLog("13", "2", "26")})
	require.NoError(t, clean.ProcessRange(context.Background(), 0, 3))

	got := r.Aggregator().Snapshot("WETH-USDC")
	want := clean.Aggregator().Snapshot("WETH-USDC")
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].BucketStart, got[i].BucketStart)
		assert.Equal(t, want[i].Open, got[i].Open)
		assert.Equal(t, want[i].High, got[i].High)
		assert.Equal(t, want[i].Low, got[i].Low)
		assert.Equal(t, want[i].Close, got[i].Close)
		assert.Equal(t, want[i].Volume, got[i].Volume)
		assert.Equal(t, want[i].TradeCount, got[i].TradeCount)
	}
	assert.Greater(t, got[0].Revision, 0, "corrected candle carries a bumped revision")
}

func TestRunnerRejectsMalformedLogsAndContinues(t *testing.T) {
	source := stub.NewSource()
	mem := sink.NewMemory()
	r := newTestRunner(t, source, mem)

	source.Append("0xa0", 10_000, []*domain.RawLog{
		swapLog("10", "1", "10"),
		{PoolID: "pool-a", LogIndex: 1, Topic: domain.TopicSwapBuy, Data: "garbage"},
		{PoolID: "unknown-pool", LogIndex: 2, Topic: domain.TopicSwapBuy, Data: "10|1|10"},
	})

	require.NoError(t, r.ProcessRange(context.Background(), 0, 0))

	snap := r.Aggregator().Snapshot("WETH-USDC")
	require.Len(t, snap, 1)
	assert.Equal(t, 1, snap[0].TradeCount)
	assert.Equal(t, int64(2), r.normalizer.Rejected())
}

func TestRunnerPairSnapshotMergesPools(t *testing.T) {
	reg, err := registry.New([]domain.Pool{
		{PoolID: "pool-a", PairID: "WETH-USDC", BaseAsset: "WETH", QuoteAsset: "USDC", FeeTierBps: 30},
		{PoolID: "pool-b", PairID: "WETH-USDC", BaseAsset: "WETH", QuoteAsset: "USDC", FeeTierBps: 100},
	})
	require.NoError(t, err)

	source := stub.NewSource()
	r, err := NewRunner(RunnerOptions{
		ChainID:       "testchain",
		Source:        source,
		Normalizer:    normalize.New(reg),
		Sink:          sink.NewMemory(),
		BaseTimeframe: domain.Timeframe1m,
		Timeframes:    []domain.Timeframe{domain.Timeframe5m},
		FinalityDepth: 3,
	})
	require.NoError(t, err)

	source.Append("0xa0", 10_000, []*domain.RawLog{
		{PoolID: "pool-a", LogIndex: 0, Topic: domain.TopicSwapBuy, Data: "10|3|30"},
		{PoolID: "pool-b", LogIndex: 1, Topic: domain.TopicSwapBuy, Data: "11|1|11"},
	})
	require.NoError(t, r.ProcessRange(context.Background(), 0, 0))
	r.Aggregator().CloseAll()

	merged := r.PairSnapshot("WETH-USDC", domain.Timeframe1m)
	require.Len(t, merged, 1)
	assert.Equal(t, "WETH-USDC", merged[0].PairID)
	assert.Empty(t, merged[0].PoolID)
	assert.Equal(t, 4.0, merged[0].Volume)
	assert.Equal(t, 11.0, merged[0].High)
	assert.Equal(t, 2, merged[0].TradeCount)
	// Volume-weighted across constituents: (10*3 + 11*1) / 4.
	assert.InDelta(t, 10.25, merged[0].Open, 1e-9)

	derived := r.PairSnapshot("WETH-USDC", domain.Timeframe5m)
	require.Len(t, derived, 1)
	assert.Equal(t, domain.Timeframe5m, derived[0].Timeframe)
	assert.Equal(t, 4.0, derived[0].Volume)
}

func TestRunnerCursorRoundTrip(t *testing.T) {
	source := stub.NewSource()
	cursors := memory.NewCursorStore()

	r, err := NewRunner(RunnerOptions{
		ChainID:       "testchain",
		Source:        source,
		Normalizer:    newTestNormalizer(t),
		Sink:          sink.NewMemory(),
		Cursors:       cursors,
		FinalityDepth: 3,
	})
	require.NoError(t, err)

	source.Append("0xa0", 10_000, []*domain.RawLog{swapLog("10", "1", "10")})
	source.Append("0xa1", 20_000, nil)
	require.NoError(t, r.ProcessRange(context.Background(), 0, 1))

	saved, err := cursors.Load(context.Background(), "testchain")
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.LastBlockNumber)
	assert.Equal(t, "0xa1", saved.LastBlockHash)

	// A fresh runner resumes past the persisted blocks.
	r2, err := NewRunner(RunnerOptions{
		ChainID:       "testchain",
		Source:        source,
		Normalizer:    newTestNormalizer(t),
		Sink:          sink.NewMemory(),
		Cursors:       cursors,
		FinalityDepth: 3,
	})
	require.NoError(t, err)
	r2.Resume(saved)
	assert.Equal(t, saved, r2.Cursor())
}

func TestRunnerCatchupStaleFlushUsesChainTime(t *testing.T) {
	source := stub.NewSource()
	mem := sink.NewMemory()
	r := newTestRunner(t, source, mem)

	// Historical blocks inside minute 0, replayed long after they were mined.
	source.Append("0xa0", 10_000, []*domain.RawLog{swapLog("10", "1", "10")})
	source.Append("0xa1", 20_000, []*domain.RawLog{swapLog("12", "1", "12")})
	require.NoError(t, r.ProcessRange(context.Background(), 0, 1))

	// The flush ticker fires mid catch-up. Chain time is still inside
	// minute 0, so the active bucket must stay open.
	r.flushStale()
	snap := r.Aggregator().Snapshot("WETH-USDC")
	require.Len(t, snap, 1)
	assert.False(t, snap[0].Closed)

	// The rest of the bucket arrives and lands in the same candle.
	source.Append("0xa2", 30_000, []*domain.RawLog{swapLog("9", "2", "18")})
	require.NoError(t, r.ProcessRange(context.Background(), 2, 2))
	snap = r.Aggregator().Snapshot("WETH-USDC")
	require.Len(t, snap, 1)
	assert.Equal(t, 4.0, snap[0].Volume)
	assert.Equal(t, 3, snap[0].TradeCount)
}

func TestRunnerDropsEventsForFinalizedBuckets(t *testing.T) {
	source := stub.NewSource()
	mem := sink.NewMemory()
	r := newTestRunner(t, source, mem)

	// Six swaps inside minute 0, then empty blocks pushing the finalized
	// watermark past the swaps' blocks.
	for i := int64(0); i <= 5; i++ {
		source.Append(fmt.Sprintf("0xa%d", i), 10_000+i*2_000,
			[]*domain.RawLog{swapLog("10", "1", "10")})
	}
	for i := int64(6); i <= 10; i++ {
		source.Append(fmt.Sprintf("0xa%d", i), 10_000+i*2_000, nil)
	}
	require.NoError(t, r.ProcessRange(context.Background(), 0, 10))

	// A mistimed wall-clock flush closes the bucket; the next empty block
	// finalizes it.
	r.Aggregator().FlushStale(10*60_000, 0)
	source.Append("0xa11", 32_000, nil)
	require.NoError(t, r.ProcessRange(context.Background(), 11, 11))

	// An in-order swap still targeting the finalized bucket is dropped; the
	// block is accepted and the chain keeps advancing.
	source.Append("0xa12", 34_000, []*domain.RawLog{swapLog("99", "1", "99")})
	require.NoError(t, r.ProcessRange(context.Background(), 12, 12))
	assert.Equal(t, int64(12), r.Cursor().LastBlockNumber)
	assert.Equal(t, int64(13), r.next)

	// The finalized candle was not reopened.
	assert.Empty(t, r.Aggregator().Snapshot("WETH-USDC"))
	final := mem.Latest("pool-a", domain.Timeframe1m, 0)
	require.NotNil(t, final)
	assert.Equal(t, 6, final.TradeCount)
}

// flakySink fails Correct a fixed number of times before delegating.
type flakySink struct {
	*sink.Memory
	failures int
}

func (s *flakySink) Correct(ctx context.Context, keys []domain.CandleKey) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("sink unavailable")
	}
	return s.Memory.Correct(ctx, keys)
}

func TestRunnerRetriesCorrectionsAfterSinkFailure(t *testing.T) {
	source := stub.NewSource()
	flaky := &flakySink{Memory: sink.NewMemory(), failures: 1}
	r := newTestRunner(t, source, flaky)

	source.Append("0xa0", 10_000, []*domain.RawLog{swapLog("10", "1", "10")})
	source.Append("0xa1", 20_000, []*domain.RawLog{swapLog("12", "1", "12")})
	source.Append("0xa2", 30_000, []*domain.RawLog{swapLog("20", "5", "100")})
	require.NoError(t, r.ProcessRange(context.Background(), 0, 2))

	source.Reorg(2, []domain.BlockLogs{
		{Header: domain.BlockHeader{Hash: "0xb2", Timestamp: 30_000},
			Logs: []*domain.RawLog{swapLog("11", "1", "11")}},
		{Header: domain.BlockHeader{Hash: "0xb3", Timestamp: 40_000},
			Logs: []*domain.RawLog{swapLog("13", "2", "26")}},
	})

	// Correction delivery fails: the keys must not be lost, and the fetch
	// position must already point at the fork so the retry replays from it.
	err := r.ProcessRange(context.Background(), 3, 3)
	require.Error(t, err)
	assert.Empty(t, flaky.Corrections())
	assert.Equal(t, int64(2), r.next)

	// The retried range delivers the buffered notice exactly once, then
	// replays the canonical branch.
	require.NoError(t, r.ProcessRange(context.Background(), r.next, 3))
	corrections := flaky.Corrections()
	require.Len(t, corrections, 1)
	require.NotEmpty(t, corrections[0])

	snap := r.Aggregator().Snapshot("WETH-USDC")
	require.Len(t, snap, 1)
	assert.Equal(t, 4, snap[0].TradeCount)
	assert.Equal(t, 13.0, snap[0].Close)
	assert.Greater(t, snap[0].Revision, 0)
}

func TestRunnerRestoreKeepsReorgWindow(t *testing.T) {
	source := stub.NewSource()
	mem := sink.NewMemory()
	r := newTestRunner(t, source, mem)

	// Five blocks in five separate minutes.
	for i := int64(0); i <= 4; i++ {
		source.Append(fmt.Sprintf("0xa%d", i), i*60_000+10_000,
			[]*domain.RawLog{swapLog("10", "1", "10")})
	}
	require.NoError(t, r.ProcessRange(context.Background(), 0, 4))

	// A cursor reload at the backfill/live cutover must keep the recorded
	// hash window intact.
	require.NoError(t, r.restore(context.Background(), 0))
	assert.Equal(t, int64(5), r.next)

	// A tip-only reorg then reconciles to block 3, scoping the correction
	// to the tip bucket instead of the whole finality window.
	source.Reorg(4, []domain.BlockLogs{
		{Header: domain.BlockHeader{Hash: "0xb4", Timestamp: 4*60_000 + 20_000},
			Logs: []*domain.RawLog{swapLog("11", "1", "11")}},
		{Header: domain.BlockHeader{Hash: "0xb5", Timestamp: 5*60_000 + 10_000}},
	})
	require.NoError(t, r.ProcessRange(context.Background(), 5, 5))

	corrections := mem.Corrections()
	require.Len(t, corrections, 1)
	require.Len(t, corrections[0], 1)
	assert.Equal(t, int64(4*60_000), corrections[0][0].BucketStart)
	assert.Equal(t, domain.Timeframe1m, corrections[0][0].Timeframe)
}
