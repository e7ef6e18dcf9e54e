package domain

import "fmt"

// Candle is aggregated OHLCV data for one time bucket. Pool-level candles are
// owned by the aggregator, derived-timeframe candles by the resampler; once
// Closed and delivered a candle is immutable unless a reorg correction reopens
// it (which bumps Revision so sinks see a versioned key).
type Candle struct {
	PoolID      string    // empty for pair-level merged candles
	PairID      string    // canonical pair identifier
	Timeframe   Timeframe // bucket duration
	BucketStart int64     // timeframe-aligned bucket start, Unix milliseconds
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64 // base asset volume
	QuoteVolume float64 // quote asset volume
	TradeCount  int
	Closed      bool
	Revision    int   // incremented each time a reorg reopens the bucket
	FirstBlock  int64 // lowest constituent block number
	LastBlock   int64 // highest constituent block number
}

// Key returns the correction/upsert key for the candle.
func (c *Candle) Key() CandleKey {
	return CandleKey{PairID: c.PairID, Timeframe: c.Timeframe, BucketStart: c.BucketStart}
}

// Clone returns a deep copy, used for copy-on-read snapshots.
func (c *Candle) Clone() *Candle {
	cp := *c
	return &cp
}

// CandleKey identifies a candle bucket for sink upserts and corrections.
type CandleKey struct {
	PairID      string
	Timeframe   Timeframe
	BucketStart int64
}

// String formats the key for logs.
func (k CandleKey) String() string {
	return fmt.Sprintf("%s/%s@%d", k.PairID, k.Timeframe, k.BucketStart)
}
