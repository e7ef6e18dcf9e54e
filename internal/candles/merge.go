package candles

import (
	"sort"

	"dexfeed/internal/domain"
)

// MergePair combines per-pool candles for the same (pair, timeframe, bucket)
// into one pair-level candle. Open and close are volume-weighted across
// pools, high is the maximum, low is the minimum, volumes and trade counts
// sum. Pure function: inputs are not modified, callers may invoke it at read
// time on any snapshot.
//
// Candles with zero trades are ignored. Returns nil when nothing remains.
func MergePair(candles []*domain.Candle) *domain.Candle {
	var parts []*domain.Candle
	for _, c := range candles {
		if c != nil && c.TradeCount > 0 {
			parts = append(parts, c)
		}
	}
	if len(parts) == 0 {
		return nil
	}

	// Deterministic result regardless of snapshot iteration order.
	sort.Slice(parts, func(i, j int) bool {
		return parts[i].PoolID < parts[j].PoolID
	})

	first := parts[0]
	merged := &domain.Candle{
		PairID:      first.PairID,
		Timeframe:   first.Timeframe,
		BucketStart: first.BucketStart,
		Low:         first.Low,
		Closed:      true,
	}

	var openWeighted, closeWeighted, totalVolume float64
	for _, c := range parts {
		weight := c.Volume
		if weight == 0 {
			// A pool can report zero base volume on dust trades; fall back to
			// equal weighting for that pool.
			weight = 1
		}
		openWeighted += c.Open * weight
		closeWeighted += c.Close * weight
		totalVolume += weight

		if c.High > merged.High {
			merged.High = c.High
		}
		if c.Low < merged.Low {
			merged.Low = c.Low
		}
		merged.Volume += c.Volume
		merged.QuoteVolume += c.QuoteVolume
		merged.TradeCount += c.TradeCount

		if merged.FirstBlock == 0 || (c.FirstBlock > 0 && c.FirstBlock < merged.FirstBlock) {
			merged.FirstBlock = c.FirstBlock
		}
		if c.LastBlock > merged.LastBlock {
			merged.LastBlock = c.LastBlock
		}
		if c.Revision > merged.Revision {
			merged.Revision = c.Revision
		}
		if !c.Closed {
			merged.Closed = false
		}
	}

	merged.Open = openWeighted / totalVolume
	merged.Close = closeWeighted / totalVolume
	return merged
}

// MergeSnapshots groups a pool-level snapshot by bucket start and merges each
// group, yielding the pair-level series in ascending bucket order.
func MergeSnapshots(candles []*domain.Candle) []*domain.Candle {
	byBucket := make(map[int64][]*domain.Candle)
	for _, c := range candles {
		byBucket[c.BucketStart] = append(byBucket[c.BucketStart], c)
	}

	starts := make([]int64, 0, len(byBucket))
	for start := range byBucket {
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	out := make([]*domain.Candle, 0, len(starts))
	for _, start := range starts {
		if merged := MergePair(byBucket[start]); merged != nil {
			out = append(out, merged)
		}
	}
	return out
}
